//go:build windows

package bootstrap

import (
	"crypto/sha1"
	"encoding/hex"
)

// EndpointPath returns a stable Windows named-pipe path for rootDir. The
// pipe namespace is global to the machine, so the path is salted with a
// hash of rootDir to keep distinct data directories from colliding.
func EndpointPath(rootDir string) string {
	sum := sha1.Sum([]byte(rootDir))
	return `\\.\pipe\ptydeckd-` + hex.EncodeToString(sum[:8])
}
