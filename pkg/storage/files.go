package storage

import (
	"context"

	"github.com/objectfs/fdfs/internal/localfile"
	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/types"
)

// UploadFile uploads the local file at path. An empty ext falls back to the
// file's own extension, then to the configured default.
func (s *Storage) UploadFile(ctx context.Context, path, ext string) (types.FileID, error) {
	f, err := localfile.Open(path)
	if err != nil {
		return types.FileID{}, errors.Annotate(err, "storage", "upload")
	}
	defer f.Close()

	if ext == "" {
		ext = localfile.Ext(path)
	}
	return s.Upload(ctx, Stream(f, f.Size()), ext)
}

// UploadAppenderFile uploads the local file at path as an appender file
func (s *Storage) UploadAppenderFile(ctx context.Context, path, ext string) (types.FileID, error) {
	f, err := localfile.Open(path)
	if err != nil {
		return types.FileID{}, errors.Annotate(err, "storage", "upload_appender")
	}
	defer f.Close()

	if ext == "" {
		ext = localfile.Ext(path)
	}
	return s.UploadAppender(ctx, Stream(f, f.Size()), ext)
}

// AppendFile appends the contents of the local file at path
func (s *Storage) AppendFile(ctx context.Context, id types.FileID, path string) error {
	f, err := localfile.Open(path)
	if err != nil {
		return errors.Annotate(err, "storage", "append")
	}
	defer f.Close()

	return s.Append(ctx, id, Stream(f, f.Size()))
}

// ModifyFile writes the contents of the local file at path at offset
func (s *Storage) ModifyFile(ctx context.Context, id types.FileID, offset int64, path string) error {
	f, err := localfile.Open(path)
	if err != nil {
		return errors.Annotate(err, "storage", "modify")
	}
	defer f.Close()

	return s.Modify(ctx, id, offset, Stream(f, f.Size()))
}

// DownloadFile writes the requested range to path, creating or truncating
// it, and returns the number of bytes written.
func (s *Storage) DownloadFile(ctx context.Context, id types.FileID, path string, offset, length int64) (int64, error) {
	f, err := localfile.Create(path)
	if err != nil {
		return 0, errors.Annotate(err, "storage", "download")
	}

	n, err := s.DownloadTo(ctx, id, f, offset, length)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrap(closeErr, errors.ErrCodeSinkFailed, "close local file").WithContext("path", path)
	}
	return n, err
}
