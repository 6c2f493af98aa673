package util

import (
	"os"
	"path/filepath"
)

// DirSize returns the total size of the regular files under path.
func DirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// PathExist reports whether path exists.
func PathExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
