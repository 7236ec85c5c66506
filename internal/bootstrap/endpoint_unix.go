//go:build !windows

package bootstrap

import "path/filepath"

// EndpointPath returns the POSIX filesystem-socket path for rootDir.
func EndpointPath(rootDir string) string {
	return filepath.Join(rootDir, "daemon.sock")
}
