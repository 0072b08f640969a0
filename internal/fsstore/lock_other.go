//go:build !unix

package fsstore

import (
	"errors"
	"os"
)

var errWouldBlock = errors.New("store directory is locked by another handle")

// Advisory locking is only implemented on unix; elsewhere the lock file is
// created but not enforced.
func lockFile(f *os.File) error   { return nil }
func unlockFile(f *os.File) error { return nil }
