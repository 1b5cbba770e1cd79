package file

import (
	"os"
	"path/filepath"
)

// SyncDir flushes a directory entry to disk. Required after renames for the
// rename itself to be durable.
func SyncDir(dirName string) error {
	// fsync the dir to flush the rename
	dir, err := os.OpenFile(dirName, os.O_RDONLY, os.ModeDir)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// RenameFile will rename the source to target using os function.
func RenameFile(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// WriteFileAtomic writes data to a temporary file alongside path, syncs it,
// and renames it over path so that readers never observe a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp := path + ".initializing"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}

	if err = RenameFile(tmp, path); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(path))
}
