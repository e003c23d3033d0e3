package storage

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fdfs/internal/conn"
	"github.com/objectfs/fdfs/internal/fdfstest"
	"github.com/objectfs/fdfs/internal/protocol"
	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/types"
)

type byteCounter struct {
	types.NopMetrics
	mu    sync.Mutex
	bytes map[string]int64
}

func (b *byteCounter) RecordBytes(direction string, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bytes == nil {
		b.bytes = make(map[string]int64)
	}
	b.bytes[direction] += n
}

func (b *byteCounter) get(direction string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes[direction]
}

func newTestStorage(t *testing.T, srv *fdfstest.Server, poolCfg conn.Config, cfg Config) *Storage {
	t.Helper()

	poolCfg.ConnectTimeout = 2 * time.Second
	poolCfg.Logger = zerolog.Nop()
	pool := conn.NewPool(poolCfg)
	t.Cleanup(func() { _ = pool.Close() })

	cfg.Pool = pool
	cfg.Logger = zerolog.Nop()
	if cfg.NetworkTimeout == 0 {
		cfg.NetworkTimeout = 2 * time.Second
	}
	return New(types.StorageEndpoint{Address: srv.Endpoint(), Group: srv.Group()}, cfg)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	srv := fdfstest.NewServer(t)
	metrics := &byteCounter{}
	s := newTestStorage(t, srv, conn.Config{PoolSize: 1}, Config{Metrics: metrics})
	ctx := context.Background()

	payload := []byte("seventeen bytes!!")
	require.Len(t, payload, 17)

	id, err := s.Upload(ctx, Bytes(payload), "txt")
	require.NoError(t, err)
	assert.Equal(t, "group1", id.Group)
	assert.True(t, strings.HasSuffix(id.Name, ".txt"), id.Name)

	got, err := s.Download(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	part, err := s.Download(ctx, id, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, payload[10:15], part)

	assert.Equal(t, int64(17), metrics.get("upload"))
	assert.Equal(t, int64(22), metrics.get("download"))
	assert.Equal(t, int64(1), srv.Accepted(), "all operations should share one connection")
}

// slowConn delays every write so the outbound queue backs up
type slowConn struct {
	net.Conn
	delay time.Duration
}

func (c slowConn) Write(b []byte) (int, error) {
	time.Sleep(c.delay)
	return c.Conn.Write(b)
}

// queueWatcher wraps an upload stream and samples the connection's write
// queue every time the payload is read
type queueWatcher struct {
	r    io.Reader
	conn *conn.Connection

	mu        sync.Mutex
	reads     int
	firstSent int64
	maxQueued int
}

func (w *queueWatcher) Read(p []byte) (int, error) {
	stats := w.conn.Stats()
	w.mu.Lock()
	if w.reads == 0 {
		w.firstSent = stats.SentBytes
	}
	w.reads++
	w.maxQueued = max(w.maxQueued, stats.QueuedBytes)
	w.mu.Unlock()
	return w.r.Read(p)
}

func TestStreamedUploadWithBackpressure(t *testing.T) {
	const (
		highWater = 4 * 1024
		chunkSize = 1024
	)

	srv := fdfstest.NewServer(t)
	dialer := &net.Dialer{}
	s := newTestStorage(t, srv,
		conn.Config{
			PoolSize:       1,
			WriteQueueSize: highWater,
			Dialer: func(ctx context.Context, network, address string) (net.Conn, error) {
				nc, err := dialer.DialContext(ctx, network, address)
				if err != nil {
					return nil, err
				}
				return slowConn{Conn: nc, delay: time.Millisecond}, nil
			},
		},
		Config{ChunkSize: chunkSize},
	)
	ctx := context.Background()

	c, err := s.cfg.Pool.Next(s.address)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 4*1024+3)
	src := &queueWatcher{r: bytes.NewReader(payload), conn: c}
	id, err := s.Upload(ctx, Stream(src, int64(len(payload))), "bin")
	require.NoError(t, err)

	src.mu.Lock()
	// Header is 10 bytes plus store path index, size and extension
	assert.Equal(t, int64(protocol.HeaderSize+1+8+6), src.firstSent, "payload read before the header was queued")
	assert.Less(t, src.maxQueued, highWater, "payload read while the write queue was full")
	assert.GreaterOrEqual(t, src.maxQueued, highWater-chunkSize, "write queue never filled up")
	src.mu.Unlock()

	stored, ok := srv.File(id)
	require.True(t, ok)
	assert.Equal(t, payload, stored)

	var sink bytes.Buffer
	n, err := s.DownloadTo(ctx, id, &sink, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, sink.Bytes())
}

func TestUploadValidatesBeforeConnecting(t *testing.T) {
	srv := fdfstest.NewServer(t)
	s := newTestStorage(t, srv, conn.Config{}, Config{})
	ctx := context.Background()

	_, err := s.Upload(ctx, Bytes([]byte("x")), "toolong")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeExtensionTooLong))

	_, err = s.Download(ctx, types.FileID{Name: "M00/00/00/x"}, 0, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidFileID))

	assert.Empty(t, srv.Commands())
	assert.Equal(t, int64(0), srv.Accepted())
}

func TestUploadDefaultExtension(t *testing.T) {
	srv := fdfstest.NewServer(t, fdfstest.WithStorePathIndex(2))
	s := newTestStorage(t, srv, conn.Config{}, Config{DefaultExt: "dat"})
	s.endpoint.StorePathIndex = 2

	id, err := s.Upload(context.Background(), Bytes([]byte("data")), "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id.Name, ".dat"), id.Name)
	assert.True(t, strings.HasPrefix(id.Name, "M02/"), "store path index should reach the server: %s", id.Name)
}

func TestAppenderLifecycle(t *testing.T) {
	srv := fdfstest.NewServer(t)
	s := newTestStorage(t, srv, conn.Config{PoolSize: 1}, Config{})
	ctx := context.Background()

	id, err := s.UploadAppender(ctx, Bytes([]byte("hello")), "log")
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, id, Bytes([]byte(" world"))))
	require.NoError(t, s.Append(ctx, id, Stream(strings.NewReader("!!"), 2)))
	require.NoError(t, s.Modify(ctx, id, 0, Bytes([]byte("HELLO"))))

	got, err := s.Download(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "HELLO world!!", string(got))
}

func TestServerStatusKeepsConnection(t *testing.T) {
	srv := fdfstest.NewServer(t)
	s := newTestStorage(t, srv, conn.Config{PoolSize: 1}, Config{})
	ctx := context.Background()

	id, err := s.Upload(ctx, Bytes([]byte("plain file")), "txt")
	require.NoError(t, err)

	err = s.Append(ctx, id, Bytes([]byte("more")))
	require.Error(t, err)
	status, ok := errors.ServerStatus(err)
	require.True(t, ok)
	assert.Equal(t, fdfstest.StatusNotAllowed, status)

	fdfsErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "storage", fdfsErr.Component)
	assert.Equal(t, "append", fdfsErr.Operation)

	_, err = s.Download(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.Accepted(), "a status error should not drop the connection")
}

func TestMetadata(t *testing.T) {
	srv := fdfstest.NewServer(t)
	s := newTestStorage(t, srv, conn.Config{}, Config{})
	ctx := context.Background()

	id, err := s.Upload(ctx, Bytes([]byte("meta")), "txt")
	require.NoError(t, err)

	require.NoError(t, s.SetMetadata(ctx, id, types.Metadata{"a": "1", "b": "2"}, types.MetadataOverwrite))
	meta, err := s.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.Metadata{"a": "1", "b": "2"}, meta)

	require.NoError(t, s.SetMetadata(ctx, id, types.Metadata{"b": "3", "c": "4"}, types.MetadataMerge))
	meta, err = s.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.Metadata{"a": "1", "b": "3", "c": "4"}, meta)

	require.NoError(t, s.SetMetadata(ctx, id, types.Metadata{"z": "9"}, 0))
	meta, err = s.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.Metadata{"z": "9"}, meta, "no flag means overwrite")
}

func TestFileInfoAndDelete(t *testing.T) {
	srv := fdfstest.NewServer(t)
	s := newTestStorage(t, srv, conn.Config{}, Config{})
	ctx := context.Background()

	payload := []byte("checksum me")
	id, err := s.Upload(ctx, Bytes(payload), "")
	require.NoError(t, err)

	info, err := s.FileInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size)
	assert.Equal(t, crc32.ChecksumIEEE(payload), info.CRC32)
	assert.Equal(t, "127.0.0.1", info.SourceIP)
	assert.WithinDuration(t, time.Now(), info.CreatedAt, time.Minute)

	require.NoError(t, s.Delete(ctx, id))

	_, err = s.Download(ctx, id, 0, 0)
	status, ok := errors.ServerStatus(err)
	require.True(t, ok)
	assert.Equal(t, fdfstest.StatusNotFound, status)
}

func TestShortSourceResetsConnection(t *testing.T) {
	srv := fdfstest.NewServer(t)
	s := newTestStorage(t, srv, conn.Config{PoolSize: 1}, Config{})
	ctx := context.Background()

	_, err := s.Upload(ctx, Stream(strings.NewReader("short"), 10), "txt")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeSourceFailed))

	id, err := s.Upload(ctx, Bytes([]byte("next")), "txt")
	require.NoError(t, err)
	got, err := s.Download(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "next", string(got))
	assert.Equal(t, int64(2), srv.Accepted(), "the broken connection should be replaced")
}

func TestRejectedStreamedUpload(t *testing.T) {
	srv := fdfstest.NewServer(t)
	srv.RejectUploads(fdfstest.StatusInvalid)
	s := newTestStorage(t, srv, conn.Config{PoolSize: 1, WriteQueueSize: 2048}, Config{ChunkSize: 512})

	payload := bytes.Repeat([]byte{'x'}, 256*1024)
	_, err := s.Upload(context.Background(), Stream(bytes.NewReader(payload), int64(len(payload))), "bin")
	require.Error(t, err)
	status, ok := errors.ServerStatus(err)
	require.True(t, ok)
	assert.Equal(t, fdfstest.StatusInvalid, status)
}

func TestStalledServerTimesOut(t *testing.T) {
	srv := fdfstest.NewServer(t)
	srv.Stall(true)
	s := newTestStorage(t, srv, conn.Config{}, Config{NetworkTimeout: 150 * time.Millisecond})

	start := time.Now()
	_, err := s.Download(context.Background(), types.NewFileID("group1", "M00/00/00/x"), 0, 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeReceiveTimeout))
	assert.True(t, errors.IsRetryable(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCanceledUpload(t *testing.T) {
	srv := fdfstest.NewServer(t)
	srv.Stall(true)
	s := newTestStorage(t, srv, conn.Config{}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The reader blocks after a partial payload until the context ends
	r, w := io.Pipe()
	go func() {
		_, _ = w.Write([]byte("partial"))
		<-ctx.Done()
		_ = w.CloseWithError(ctx.Err())
	}()

	_, err := s.Upload(ctx, Stream(r, 1024), "txt")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCanceled), "got %v", err)
}

func TestLocalFileVariants(t *testing.T) {
	srv := fdfstest.NewServer(t)
	s := newTestStorage(t, srv, conn.Config{}, Config{})
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b\n1,2\n"), 0o644))

	id, err := s.UploadFile(ctx, src, "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id.Name, ".csv"), "extension should come from the path: %s", id.Name)

	appender, err := s.UploadAppenderFile(ctx, src, "log")
	require.NoError(t, err)
	require.NoError(t, s.AppendFile(ctx, appender, src))
	require.NoError(t, s.ModifyFile(ctx, appender, 0, src))

	dst := filepath.Join(dir, "out", "copy.csv")
	n, err := s.DownloadFile(ctx, appender, dst, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(16), n)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\na,b\n1,2\n", string(data))

	_, err = s.UploadFile(ctx, filepath.Join(dir, "missing"), "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeSourceFailed))
}

func TestSourceSize(t *testing.T) {
	assert.Equal(t, int64(3), Bytes([]byte("abc")).Size())
	assert.Equal(t, int64(42), Stream(strings.NewReader(""), 42).Size())
	assert.False(t, Bytes(nil).streamed())
}
