//go:build !linux

package fs

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}

func syncDirFile(f *os.File) error {
	// Directory handles cannot be synced on every platform.
	_ = f.Sync()
	return nil
}
