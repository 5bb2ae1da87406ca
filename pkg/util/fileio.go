// Package util provides shared utility functions used across pocketwiki packages.
package util

import (
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path via a same-directory .tmp file, fsyncs,
// and renames over the destination. Readers never observe a partial file.
// The checkpoint manager, stage state store, and index builder all rely on
// this rename-is-atomic discipline.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
