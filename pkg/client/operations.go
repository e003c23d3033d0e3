package client

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/objectfs/fdfs/internal/localfile"
	"github.com/objectfs/fdfs/internal/protocol"
	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/storage"
	"github.com/objectfs/fdfs/pkg/tracker"
	"github.com/objectfs/fdfs/pkg/types"
)

// Upload stores src as a new file on a storage server chosen by the
// tracker. An empty ext uses the configured default extension.
func (c *Client) Upload(ctx context.Context, src storage.Source, ext string) (types.FileID, error) {
	return c.upload(ctx, "upload", ext, src.Size(), func(ctx context.Context, st *storage.Storage) (types.FileID, error) {
		return st.Upload(ctx, src, ext)
	})
}

// UploadAppender stores src as a new appender file
func (c *Client) UploadAppender(ctx context.Context, src storage.Source, ext string) (types.FileID, error) {
	return c.upload(ctx, "upload_appender", ext, src.Size(), func(ctx context.Context, st *storage.Storage) (types.FileID, error) {
		return st.UploadAppender(ctx, src, ext)
	})
}

// UploadFile uploads the local file at path. An empty ext falls back to the
// file's own extension, then to the configured default.
func (c *Client) UploadFile(ctx context.Context, path, ext string) (types.FileID, error) {
	if ext == "" {
		ext = localfile.Ext(path)
	}
	return c.upload(ctx, "upload", ext, 0, func(ctx context.Context, st *storage.Storage) (types.FileID, error) {
		return st.UploadFile(ctx, path, ext)
	})
}

// UploadAppenderFile uploads the local file at path as an appender file
func (c *Client) UploadAppenderFile(ctx context.Context, path, ext string) (types.FileID, error) {
	if ext == "" {
		ext = localfile.Ext(path)
	}
	return c.upload(ctx, "upload_appender", ext, 0, func(ctx context.Context, st *storage.Storage) (types.FileID, error) {
		return st.UploadAppenderFile(ctx, path, ext)
	})
}

func (c *Client) upload(ctx context.Context, op, ext string, size int64, fn func(context.Context, *storage.Storage) (types.FileID, error)) (types.FileID, error) {
	var id types.FileID
	err := c.do(ctx, op, func(ctx context.Context, logger zerolog.Logger) (int64, error) {
		if err := c.checkExt(op, ext); err != nil {
			return 0, err
		}
		st, err := c.storeStorage(ctx, logger, "")
		if err != nil {
			return 0, err
		}
		id, err = fn(ctx, st)
		return size, err
	})
	return id, err
}

// Append adds src to the end of the appender file id
func (c *Client) Append(ctx context.Context, id types.FileID, src storage.Source) error {
	return c.change(ctx, "append", id, src.Size(), func(ctx context.Context, st *storage.Storage) error {
		return st.Append(ctx, id, src)
	})
}

// AppendFile appends the contents of the local file at path
func (c *Client) AppendFile(ctx context.Context, id types.FileID, path string) error {
	return c.change(ctx, "append", id, 0, func(ctx context.Context, st *storage.Storage) error {
		return st.AppendFile(ctx, id, path)
	})
}

// Modify overwrites part of the appender file id with src at offset
func (c *Client) Modify(ctx context.Context, id types.FileID, offset int64, src storage.Source) error {
	return c.change(ctx, "modify", id, src.Size(), func(ctx context.Context, st *storage.Storage) error {
		return st.Modify(ctx, id, offset, src)
	})
}

// ModifyFile writes the contents of the local file at path at offset
func (c *Client) ModifyFile(ctx context.Context, id types.FileID, offset int64, path string) error {
	return c.change(ctx, "modify", id, 0, func(ctx context.Context, st *storage.Storage) error {
		return st.ModifyFile(ctx, id, offset, path)
	})
}

// change routes append and modify through a store query for the file's
// group
func (c *Client) change(ctx context.Context, op string, id types.FileID, size int64, fn func(context.Context, *storage.Storage) error) error {
	return c.do(ctx, op, func(ctx context.Context, logger zerolog.Logger) (int64, error) {
		if err := c.checkID(op, id); err != nil {
			return 0, err
		}
		st, err := c.storeStorage(ctx, logger, id.Group)
		if err != nil {
			return 0, err
		}
		return size, fn(ctx, st)
	})
}

// Download returns length bytes of id starting at offset. A length of 0
// reads to the end of the file.
func (c *Client) Download(ctx context.Context, id types.FileID, offset, length int64) ([]byte, error) {
	var data []byte
	err := c.fetch(ctx, "download", id, func(ctx context.Context, st *storage.Storage) (n int64, err error) {
		data, err = st.Download(ctx, id, offset, length)
		return int64(len(data)), err
	})
	return data, err
}

// DownloadTo streams the requested range of id into w
func (c *Client) DownloadTo(ctx context.Context, id types.FileID, w io.Writer, offset, length int64) (int64, error) {
	var n int64
	err := c.fetch(ctx, "download", id, func(ctx context.Context, st *storage.Storage) (_ int64, err error) {
		n, err = st.DownloadTo(ctx, id, w, offset, length)
		return n, err
	})
	return n, err
}

// DownloadFile writes the requested range of id to the local path
func (c *Client) DownloadFile(ctx context.Context, id types.FileID, path string, offset, length int64) (int64, error) {
	var n int64
	err := c.fetch(ctx, "download", id, func(ctx context.Context, st *storage.Storage) (_ int64, err error) {
		n, err = st.DownloadFile(ctx, id, path, offset, length)
		return n, err
	})
	return n, err
}

// GetMetadata returns the metadata stored on id. Like FileInfo it asks the
// tracker for the update server, which holds the authoritative copy.
func (c *Client) GetMetadata(ctx context.Context, id types.FileID) (types.Metadata, error) {
	var meta types.Metadata
	err := c.onFile(ctx, "get_metadata", id, c.updateStorage, func(ctx context.Context, st *storage.Storage) (_ int64, err error) {
		meta, err = st.GetMetadata(ctx, id)
		return 0, err
	})
	return meta, err
}

// FileInfo returns size, creation time, checksum and source of id
func (c *Client) FileInfo(ctx context.Context, id types.FileID) (types.FileInfo, error) {
	var info types.FileInfo
	err := c.onFile(ctx, "file_info", id, c.updateStorage, func(ctx context.Context, st *storage.Storage) (_ int64, err error) {
		info, err = st.FileInfo(ctx, id)
		return 0, err
	})
	return info, err
}

func (c *Client) fetch(ctx context.Context, op string, id types.FileID, fn func(context.Context, *storage.Storage) (int64, error)) error {
	return c.onFile(ctx, op, id, c.fetchStorage, fn)
}

type locator func(context.Context, zerolog.Logger, types.FileID) (*storage.Storage, error)

// onFile validates id, resolves its storage server with locate and runs fn
func (c *Client) onFile(ctx context.Context, op string, id types.FileID, locate locator, fn func(context.Context, *storage.Storage) (int64, error)) error {
	return c.do(ctx, op, func(ctx context.Context, logger zerolog.Logger) (int64, error) {
		if err := c.checkID(op, id); err != nil {
			return 0, err
		}
		st, err := locate(ctx, logger, id)
		if err != nil {
			return 0, err
		}
		return fn(ctx, st)
	})
}

// Delete removes id
func (c *Client) Delete(ctx context.Context, id types.FileID) error {
	return c.update(ctx, "delete", id, func(ctx context.Context, st *storage.Storage) error {
		return st.Delete(ctx, id)
	})
}

// SetMetadata stores meta on id. MetadataOverwrite replaces existing
// entries, MetadataMerge keeps entries not named in meta, and a zero flag
// means overwrite.
func (c *Client) SetMetadata(ctx context.Context, id types.FileID, meta types.Metadata, flag types.MetadataFlag) error {
	return c.update(ctx, "set_metadata", id, func(ctx context.Context, st *storage.Storage) error {
		return st.SetMetadata(ctx, id, meta, flag)
	})
}

func (c *Client) update(ctx context.Context, op string, id types.FileID, fn func(context.Context, *storage.Storage) error) error {
	return c.onFile(ctx, op, id, c.updateStorage, func(ctx context.Context, st *storage.Storage) (int64, error) {
		return 0, fn(ctx, st)
	})
}

// Groups lists the groups known to the trackers
func (c *Client) Groups(ctx context.Context) ([]types.GroupInfo, error) {
	var groups []types.GroupInfo
	err := c.do(ctx, "groups", func(ctx context.Context, logger zerolog.Logger) (int64, error) {
		return 0, c.query(ctx, logger, func(tr *tracker.Tracker) (err error) {
			groups, err = tr.Groups(ctx)
			return err
		})
	})
	return groups, err
}

// Storages lists the storage servers of group
func (c *Client) Storages(ctx context.Context, group string) ([]types.StorageInfo, error) {
	var storages []types.StorageInfo
	err := c.do(ctx, "storages", func(ctx context.Context, logger zerolog.Logger) (int64, error) {
		if _, err := protocol.EncodeGroup(group, c.charset); err != nil {
			return 0, errors.Annotate(err, "client", "storages")
		}
		return 0, c.query(ctx, logger, func(tr *tracker.Tracker) (err error) {
			storages, err = tr.Storages(ctx, group)
			return err
		})
	})
	return storages, err
}

func (c *Client) checkExt(op, ext string) error {
	if ext == "" {
		ext = c.opts.DefaultExt
	}
	_, err := protocol.EncodeExt(ext, c.charset)
	return errors.Annotate(err, "client", op)
}

func (c *Client) checkID(op string, id types.FileID) error {
	if err := id.Validate(); err != nil {
		return errors.Annotate(err, "client", op)
	}
	_, err := protocol.EncodeGroup(id.Group, c.charset)
	return errors.Annotate(err, "client", op)
}
