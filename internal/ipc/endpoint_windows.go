//go:build windows

package ipc

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// listen opens the Windows named-pipe endpoint. path is already a pipe
// name of the form \\.\pipe\ptydeckd-<hash> (see bootstrap.EndpointPath),
// so winio.ListenPipe is handed it unchanged.
func listen(path string) (net.Listener, error) {
	return winio.ListenPipe(path, &winio.PipeConfig{MessageMode: false})
}
