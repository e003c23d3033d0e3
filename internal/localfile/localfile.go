// Package localfile adapts local paths into upload sources and download sinks.
package localfile

import (
	"os"
	"path/filepath"

	"github.com/objectfs/fdfs/pkg/errors"
)

// File is a local file opened for reading along with its size
type File struct {
	*os.File
	size int64
}

// Open opens path for reading and records its size
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceFailed, "open local file").WithContext("path", path)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.ErrCodeSourceFailed, "stat local file").WithContext("path", path)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, errors.NewError(errors.ErrCodeSourceFailed, "local path is a directory").WithContext("path", path)
	}

	return &File{File: f, size: info.Size()}, nil
}

// Size returns the file size at open time
func (f *File) Size() int64 {
	return f.size
}

// Create creates or truncates path for writing, creating parent directories
func Create(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeSinkFailed, "create parent directory").WithContext("path", path)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSinkFailed, "create local file").WithContext("path", path)
	}
	return f, nil
}

// Ext returns the extension of path without the leading dot
func Ext(path string) string {
	ext := filepath.Ext(path)
	if len(ext) > 0 {
		ext = ext[1:]
	}
	return ext
}
