// Package storage implements file operations against one storage server:
// upload, append, modify, download, delete, metadata and file info.
//
// Payloads are streamed. An upload from a reader is pumped onto the socket
// chunk by chunk while the server's acknowledgement is awaited, and the
// pump stops reading whenever the connection's write queue is above its
// high-water mark. Downloads can be streamed into an io.Writer without
// buffering the body.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/objectfs/fdfs/internal/conn"
	"github.com/objectfs/fdfs/internal/protocol"
	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/types"
)

// DefaultChunkSize is the size of each payload chunk read from a stream
const DefaultChunkSize = 32 * 1024

// Config holds what a Storage handle shares with the rest of the engine
type Config struct {
	Pool           *conn.Pool
	Charset        *protocol.Charset
	NetworkTimeout time.Duration
	DefaultExt     string
	ChunkSize      int
	Logger         zerolog.Logger
	Metrics        types.MetricsCollector
}

func (c Config) withDefaults() Config {
	if c.Charset == nil {
		c.Charset = protocol.UTF8
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = types.DefaultNetworkTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Metrics == nil {
		c.Metrics = types.NopMetrics{}
	}
	return c
}

// Storage issues file operations to one storage server
type Storage struct {
	endpoint types.StorageEndpoint
	address  string
	cfg      Config
	logger   zerolog.Logger
}

// New returns a handle for the storage server at endpoint. Connections come
// from cfg.Pool.
func New(endpoint types.StorageEndpoint, cfg Config) *Storage {
	cfg = cfg.withDefaults()
	address := endpoint.Address.String()
	return &Storage{
		endpoint: endpoint,
		address:  address,
		cfg:      cfg,
		logger: cfg.Logger.With().
			Str("component", "storage").
			Str("storage", address).
			Logger(),
	}
}

// Endpoint returns the storage server this handle talks to
func (s *Storage) Endpoint() types.StorageEndpoint {
	return s.endpoint
}

// Upload stores src as a new file and returns its id. An empty ext uses the
// configured default extension.
func (s *Storage) Upload(ctx context.Context, src Source, ext string) (types.FileID, error) {
	return s.upload(ctx, protocol.StorageUploadFile, "upload", src, ext)
}

// UploadAppender stores src as a new file that can later be appended to or
// modified.
func (s *Storage) UploadAppender(ctx context.Context, src Source, ext string) (types.FileID, error) {
	return s.upload(ctx, protocol.StorageUploadAppender, "upload_appender", src, ext)
}

func (s *Storage) upload(ctx context.Context, cmd byte, op string, src Source, ext string) (types.FileID, error) {
	extBytes, err := s.encodeExt(ext)
	if err != nil {
		return types.FileID{}, errors.Annotate(err, "storage", op)
	}

	req := protocol.NewRequest(cmd, 1+protocol.LengthFieldSize+protocol.FileExtNameMaxLen, src.Size()).
		PutByte(s.endpoint.StorePathIndex).
		PutInt64(src.Size()).
		PutFixed(extBytes, protocol.FileExtNameMaxLen)

	packet, err := s.transfer(ctx, op, req, src)
	if err != nil {
		return types.FileID{}, errors.Annotate(err, "storage", op)
	}

	id, err := protocol.DecodeUploadResponse(packet.Body, s.cfg.Charset)
	if err != nil {
		return types.FileID{}, errors.Annotate(err, "storage", op)
	}

	s.logger.Debug().Str("op", op).Str("file_id", id.String()).Int64("size", src.Size()).Msg("Uploaded")
	return id, nil
}

// Append adds src to the end of an appender file
func (s *Storage) Append(ctx context.Context, id types.FileID, src Source) error {
	name, err := s.encodeName(id)
	if err != nil {
		return errors.Annotate(err, "storage", "append")
	}

	req := protocol.NewRequest(protocol.StorageAppendFile, 2*protocol.LengthFieldSize+len(name), src.Size()).
		PutInt64(int64(len(name))).
		PutInt64(src.Size()).
		PutBytes(name)

	_, err = s.transfer(ctx, "append", req, src)
	return errors.Annotate(err, "storage", "append")
}

// Modify overwrites an appender file with src starting at offset
func (s *Storage) Modify(ctx context.Context, id types.FileID, offset int64, src Source) error {
	name, err := s.encodeName(id)
	if err != nil {
		return errors.Annotate(err, "storage", "modify")
	}

	req := protocol.NewRequest(protocol.StorageModifyFile, 3*protocol.LengthFieldSize+len(name), src.Size()).
		PutInt64(int64(len(name))).
		PutInt64(offset).
		PutInt64(src.Size()).
		PutBytes(name)

	_, err = s.transfer(ctx, "modify", req, src)
	return errors.Annotate(err, "storage", "modify")
}

// Download returns length bytes of the file starting at offset. A length of
// 0 reads to the end of the file.
func (s *Storage) Download(ctx context.Context, id types.FileID, offset, length int64) ([]byte, error) {
	packet, err := s.download(ctx, id, offset, length, nil)
	if err != nil {
		return nil, err
	}
	s.cfg.Metrics.RecordBytes("download", packet.BodyLength)
	return packet.Body, nil
}

// DownloadTo streams the requested range into w and returns the number of
// bytes written. w is not closed.
func (s *Storage) DownloadTo(ctx context.Context, id types.FileID, w io.Writer, offset, length int64) (int64, error) {
	cw := &countingWriter{w: w}
	_, err := s.download(ctx, id, offset, length, cw)
	s.cfg.Metrics.RecordBytes("download", cw.n)
	return cw.n, err
}

func (s *Storage) download(ctx context.Context, id types.FileID, offset, length int64, sink io.Writer) (*protocol.Packet, error) {
	group, name, err := s.encodeID(id)
	if err != nil {
		return nil, errors.Annotate(err, "storage", "download")
	}

	req := protocol.NewRequest(protocol.StorageDownloadFile, 2*protocol.LengthFieldSize+protocol.GroupNameMaxLen+len(name), 0).
		PutInt64(offset).
		PutInt64(length).
		PutFixed(group, protocol.GroupNameMaxLen).
		PutBytes(name)

	packet, err := s.cfg.Pool.Exchange(ctx, s.address, req.Bytes(), 0, sink, s.cfg.NetworkTimeout)
	if err != nil {
		return nil, errors.Annotate(err, "storage", "download")
	}

	s.logger.Debug().Str("file_id", id.String()).Int64("size", packet.BodyLength).Msg("Downloaded")
	return packet, nil
}

// Delete removes the file
func (s *Storage) Delete(ctx context.Context, id types.FileID) error {
	_, err := s.exchangeFileID(ctx, "delete", protocol.StorageDeleteFile, id)
	return err
}

// SetMetadata stores meta on the file. MetadataOverwrite replaces all
// existing entries; MetadataMerge keeps entries not named in meta.
func (s *Storage) SetMetadata(ctx context.Context, id types.FileID, meta types.Metadata, flag types.MetadataFlag) error {
	group, name, err := s.encodeID(id)
	if err != nil {
		return errors.Annotate(err, "storage", "set_metadata")
	}
	if flag == 0 {
		flag = types.MetadataOverwrite
	}
	body, err := protocol.EncodeMetadata(meta, s.cfg.Charset)
	if err != nil {
		return errors.Annotate(err, "storage", "set_metadata")
	}

	req := protocol.NewRequest(protocol.StorageSetMetadata, 2*protocol.LengthFieldSize+1+protocol.GroupNameMaxLen+len(name)+len(body), 0).
		PutInt64(int64(len(name))).
		PutInt64(int64(len(body))).
		PutByte(byte(flag)).
		PutFixed(group, protocol.GroupNameMaxLen).
		PutBytes(name).
		PutBytes(body)

	_, err = s.cfg.Pool.Exchange(ctx, s.address, req.Bytes(), 0, nil, s.cfg.NetworkTimeout)
	return errors.Annotate(err, "storage", "set_metadata")
}

// GetMetadata returns the metadata stored on the file
func (s *Storage) GetMetadata(ctx context.Context, id types.FileID) (types.Metadata, error) {
	packet, err := s.exchangeFileID(ctx, "get_metadata", protocol.StorageGetMetadata, id)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMetadata(packet.Body, s.cfg.Charset), nil
}

// FileInfo returns the size, creation time, checksum and source of the file
func (s *Storage) FileInfo(ctx context.Context, id types.FileID) (types.FileInfo, error) {
	packet, err := s.exchangeFileID(ctx, "file_info", protocol.StorageQueryFileInfo, id)
	if err != nil {
		return types.FileInfo{}, err
	}
	info, err := protocol.DecodeFileInfo(packet.Body, s.cfg.Charset)
	return info, errors.Annotate(err, "storage", "file_info")
}

func (s *Storage) exchangeFileID(ctx context.Context, op string, cmd byte, id types.FileID) (*protocol.Packet, error) {
	if err := id.Validate(); err != nil {
		return nil, errors.Annotate(err, "storage", op)
	}
	req, err := protocol.PackFileID(cmd, id, s.cfg.Charset)
	if err != nil {
		return nil, errors.Annotate(err, "storage", op)
	}
	packet, err := s.cfg.Pool.Exchange(ctx, s.address, req, 0, nil, s.cfg.NetworkTimeout)
	if err != nil {
		return nil, errors.Annotate(err, "storage", op)
	}
	return packet, nil
}

// transfer sends req followed by the payload from src and reads the
// acknowledgement. For streamed sources the acknowledgement is awaited while
// the payload is still being written.
func (s *Storage) transfer(ctx context.Context, op string, req *protocol.Request, src Source) (*protocol.Packet, error) {
	l, err := s.cfg.Pool.Get(ctx, s.address)
	if err != nil {
		return nil, err
	}
	defer l.Release()

	if err := l.Write(req.Bytes()); err != nil {
		l.Fail(err)
		return nil, err
	}

	if !src.streamed() {
		payload := src.data
		if len(payload) == 0 {
			packet, err := protocol.RecvPacket(ctx, l, protocol.Response, 0, nil, s.cfg.NetworkTimeout)
			if err != nil {
				l.Fail(err)
				return nil, err
			}
			return packet, nil
		}
		packet, err := l.Exchange(ctx, payload, 0, nil, s.cfg.NetworkTimeout)
		if err == nil {
			s.cfg.Metrics.RecordBytes("upload", int64(len(payload)))
		}
		return packet, err
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()

	var (
		packet  *protocol.Packet
		recvErr error
		pumpErr error
		wg      conc.WaitGroup
	)
	wg.Go(func() {
		packet, recvErr = protocol.RecvPacket(ctx, l, protocol.Response, 0, nil, s.cfg.NetworkTimeout)
		if recvErr != nil {
			stopPump()
		}
	})
	wg.Go(func() {
		pumpErr = s.pump(pumpCtx, l, src)
		if pumpErr != nil {
			// A partial payload leaves the server expecting more bytes
			l.Reset(pumpErr)
		}
	})
	wg.Wait()

	if ctx.Err() != nil && (pumpErr != nil || recvErr != nil) {
		l.Reset(ctx.Err())
		return nil, errors.FromContext(ctx.Err())
	}
	if pumpErr != nil && (recvErr == nil || !errors.HasCode(pumpErr, errors.ErrCodeCanceled)) {
		s.logger.Warn().Err(pumpErr).Str("op", op).Msg("Payload transfer failed")
		return nil, pumpErr
	}
	if recvErr != nil {
		l.Fail(recvErr)
		return nil, recvErr
	}
	return packet, nil
}

// pump copies src onto the socket in pooled chunks, waiting for the write
// queue to drain whenever it reaches the high-water mark.
func (s *Storage) pump(ctx context.Context, l *conn.Lease, src Source) error {
	bufs := l.Buffers()

	var sent int64
	for sent < src.size {
		if l.WriteQueueFull() {
			select {
			case <-l.Drain():
			case <-l.Done():
				return errors.NewError(errors.ErrCodeConnectionClosed, "connection closed during transfer").
					WithCause(l.Err()).
					WithDetail("sent", sent)
			case <-ctx.Done():
				return errors.FromContext(ctx.Err())
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.FromContext(err)
		}

		n := int(min(int64(s.cfg.ChunkSize), src.size-sent))
		buf := bufs.Get(n)
		m, err := io.ReadFull(src.reader, buf)
		if m > 0 {
			if werr := l.WritePooled(buf[:m]); werr != nil {
				return werr
			}
			sent += int64(m)
		} else {
			bufs.Put(buf)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeSourceFailed, "read payload source").
				WithDetail("sent", sent).
				WithDetail("size", src.size)
		}
	}

	s.cfg.Metrics.RecordBytes("upload", sent)
	return nil
}

func (s *Storage) encodeExt(ext string) ([]byte, error) {
	if ext == "" {
		ext = s.cfg.DefaultExt
	}
	return protocol.EncodeExt(ext, s.cfg.Charset)
}

func (s *Storage) encodeName(id types.FileID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return s.cfg.Charset.Encode(id.Name)
}

func (s *Storage) encodeID(id types.FileID) (group, name []byte, err error) {
	if err := id.Validate(); err != nil {
		return nil, nil, err
	}
	if group, err = s.cfg.Charset.Encode(id.Group); err != nil {
		return nil, nil, err
	}
	if name, err = s.cfg.Charset.Encode(id.Name); err != nil {
		return nil, nil, err
	}
	return group, name, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
