//go:build !windows

package ipc

import "net"

// listen opens the POSIX filesystem-socket endpoint.
func listen(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}
