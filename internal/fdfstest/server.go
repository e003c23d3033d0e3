// Package fdfstest provides an in-process server that answers both tracker
// and storage commands, keeping files in memory. Tests point a client at
// Server.Addr for trackers and are routed back to the same server for
// storage operations.
package fdfstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/objectfs/fdfs/internal/protocol"
	"github.com/objectfs/fdfs/pkg/types"
)

// Status codes the server replies with, as errno values
const (
	StatusNotFound   byte = 2
	StatusInvalid    byte = 22
	StatusNotAllowed byte = 1
)

type storedFile struct {
	data     []byte
	meta     types.Metadata
	created  time.Time
	appender bool
}

// Option configures a Server
type Option func(*Server)

// WithGroup sets the group the server owns. The default is "group1".
func WithGroup(group string) Option {
	return func(s *Server) { s.group = group }
}

// WithStorePathIndex sets the store-path index returned by store queries
func WithStorePathIndex(idx byte) Option {
	return func(s *Server) { s.storePathIndex = idx }
}

// Server is a fake tracker and storage server
type Server struct {
	ln             net.Listener
	group          string
	storePathIndex byte

	mu       sync.Mutex
	files    map[string]*storedFile
	seq      int
	commands []byte
	conns    map[net.Conn]struct{}

	stall         atomic.Bool
	failNext      atomic.Uint32
	rejectUploads atomic.Uint32
	accepted      atomic.Int64

	wg sync.WaitGroup
}

// NewServer starts a server on a loopback port. It is closed when the test
// ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fdfstest: listen: %v", err)
	}

	s := &Server{
		ln:    ln,
		group: "group1",
		files: make(map[string]*storedFile),
		conns: make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// RefusedAddr returns a loopback address nothing is listening on
func RefusedAddr(t testing.TB) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fdfstest: listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// Addr returns the host:port the server listens on
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Endpoint returns Addr as an Endpoint
func (s *Server) Endpoint() types.Endpoint {
	tcp := s.ln.Addr().(*net.TCPAddr)
	return types.Endpoint{Host: tcp.IP.String(), Port: tcp.Port}
}

// Group returns the group the server owns
func (s *Server) Group() string {
	return s.group
}

// Stall makes the server swallow requests without ever replying
func (s *Server) Stall(on bool) {
	s.stall.Store(on)
}

// FailNext makes the next request fail with status after its body is read
func (s *Server) FailNext(status byte) {
	s.failNext.Store(uint32(status))
}

// RejectUploads makes uploads fail with status as soon as the prefix is
// read. The payload that follows is discarded.
func (s *Server) RejectUploads(status byte) {
	s.rejectUploads.Store(uint32(status))
}

// Commands returns the command codes received so far, in order
func (s *Server) Commands() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.commands...)
}

// Accepted returns the number of connections accepted
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// File returns the stored contents of id
func (s *Server) File(id types.FileID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id.String()]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// DropConnections closes every open client connection
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops the server and waits for its goroutines
func (s *Server) Close() {
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	var header [protocol.HeaderSize]byte
	for {
		if _, err := io.ReadFull(c, header[:]); err != nil {
			return
		}
		length := protocol.Int64At(header[:], 0)
		cmd := header[protocol.LengthFieldSize]

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		switch {
		case cmd == protocol.Quit:
			return
		case s.stall.Load():
			_, _ = io.Copy(io.Discard, c)
			return
		case isUpload(cmd) && s.rejectUploads.Load() != 0:
			prefix := make([]byte, 1+protocol.LengthFieldSize+protocol.FileExtNameMaxLen)
			if _, err := io.ReadFull(c, prefix); err != nil {
				return
			}
			if err := reply(c, byte(s.rejectUploads.Load()), nil); err != nil {
				return
			}
			if _, err := io.CopyN(io.Discard, c, length-int64(len(prefix))); err != nil {
				return
			}
			continue
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(c, body); err != nil {
			return
		}

		if status := byte(s.failNext.Swap(0)); status != 0 {
			if err := reply(c, status, nil); err != nil {
				return
			}
			continue
		}

		out, status := s.handle(cmd, body)
		if err := reply(c, status, out); err != nil {
			return
		}
	}
}

func isUpload(cmd byte) bool {
	return cmd == protocol.StorageUploadFile || cmd == protocol.StorageUploadAppender
}

func reply(w io.Writer, status byte, body []byte) error {
	header := protocol.PackHeader(protocol.Response, status, int64(len(body)))
	if _, err := w.Write(append(header, body...)); err != nil {
		return err
	}
	return nil
}

func (s *Server) handle(cmd byte, body []byte) ([]byte, byte) {
	switch cmd {
	case protocol.ActiveTest:
		return nil, 0
	case protocol.TrackerQueryStoreWithoutGroup:
		return s.endpointReply(s.group, true), 0
	case protocol.TrackerQueryStoreWithGroup:
		if len(body) != protocol.GroupNameMaxLen || field(body) != s.group {
			return nil, StatusNotFound
		}
		return s.endpointReply(s.group, true), 0
	case protocol.TrackerQueryFetchOne, protocol.TrackerQueryUpdate:
		if len(body) < protocol.GroupNameMaxLen || field(body[:protocol.GroupNameMaxLen]) != s.group {
			return nil, StatusNotFound
		}
		return s.endpointReply(s.group, false), 0
	case protocol.TrackerListGroups:
		return s.groupRecord(), 0
	case protocol.TrackerListStorages:
		if len(body) != protocol.GroupNameMaxLen || field(body) != s.group {
			return nil, StatusNotFound
		}
		return s.storageRecord(), 0
	case protocol.StorageUploadFile, protocol.StorageUploadAppender:
		return s.upload(body, cmd == protocol.StorageUploadAppender)
	case protocol.StorageAppendFile:
		return s.modify(body, false)
	case protocol.StorageModifyFile:
		return s.modify(body, true)
	case protocol.StorageDownloadFile:
		return s.download(body)
	case protocol.StorageDeleteFile:
		return s.delete(body)
	case protocol.StorageSetMetadata:
		return s.setMetadata(body)
	case protocol.StorageGetMetadata:
		return s.withFile(body, func(f *storedFile) ([]byte, byte) {
			meta, _ := protocol.EncodeMetadata(f.meta, protocol.UTF8)
			return meta, 0
		})
	case protocol.StorageQueryFileInfo:
		return s.withFile(body, func(f *storedFile) ([]byte, byte) {
			out := make([]byte, 0, protocol.FileInfoWithIPLength)
			out = binary.BigEndian.AppendUint64(out, uint64(len(f.data)))
			out = binary.BigEndian.AppendUint64(out, uint64(f.created.Unix()))
			out = binary.BigEndian.AppendUint64(out, uint64(crc32.ChecksumIEEE(f.data)))
			return append(out, fixed(s.Endpoint().Host, protocol.IPAddrSize)...), 0
		})
	default:
		return nil, StatusInvalid
	}
}

func (s *Server) endpointReply(group string, store bool) []byte {
	ep := s.Endpoint()
	out := fixed(group, protocol.GroupNameMaxLen)
	out = append(out, fixed(ep.Host, protocol.IPAddrSize-1)...)
	out = binary.BigEndian.AppendUint64(out, uint64(ep.Port))
	if store {
		out = append(out, s.storePathIndex)
	}
	return out
}

func (s *Server) upload(body []byte, appender bool) ([]byte, byte) {
	const prefix = 1 + protocol.LengthFieldSize + protocol.FileExtNameMaxLen
	if len(body) < prefix {
		return nil, StatusInvalid
	}
	idx := body[0]
	size := protocol.Int64At(body, 1)
	ext := field(body[1+protocol.LengthFieldSize : prefix])
	data := body[prefix:]
	if int64(len(data)) != size {
		return nil, StatusInvalid
	}

	s.mu.Lock()
	s.seq++
	name := fmt.Sprintf("M%02X/00/00/file%04d", idx, s.seq)
	if ext != "" {
		name += "." + ext
	}
	s.files[s.group+types.FileIDSeparator+name] = &storedFile{
		data:     append([]byte(nil), data...),
		meta:     make(types.Metadata),
		created:  time.Now(),
		appender: appender,
	}
	s.mu.Unlock()

	return append(fixed(s.group, protocol.GroupNameMaxLen), name...), 0
}

// modify handles append (no offset field) and modify
func (s *Server) modify(body []byte, withOffset bool) ([]byte, byte) {
	fields := 2
	if withOffset {
		fields = 3
	}
	head := fields * protocol.LengthFieldSize
	if len(body) < head {
		return nil, StatusInvalid
	}
	nameLen := protocol.Int64At(body, 0)
	var offset int64 = -1
	if withOffset {
		offset = protocol.Int64At(body, protocol.LengthFieldSize)
	}
	size := protocol.Int64At(body, head-protocol.LengthFieldSize)
	if int64(len(body)) != int64(head)+nameLen+size {
		return nil, StatusInvalid
	}
	name := string(body[head : int64(head)+nameLen])
	data := body[int64(head)+nameLen:]

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[s.group+types.FileIDSeparator+name]
	if !ok {
		return nil, StatusNotFound
	}
	if !f.appender {
		return nil, StatusNotAllowed
	}
	if offset < 0 {
		f.data = append(f.data, data...)
		return nil, 0
	}
	if offset > int64(len(f.data)) {
		return nil, StatusInvalid
	}
	if end := offset + int64(len(data)); end > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-int64(len(f.data)))...)
	}
	copy(f.data[offset:], data)
	return nil, 0
}

func (s *Server) download(body []byte) ([]byte, byte) {
	const head = 2 * protocol.LengthFieldSize
	if len(body) < head+protocol.GroupNameMaxLen {
		return nil, StatusInvalid
	}
	offset := protocol.Int64At(body, 0)
	length := protocol.Int64At(body, protocol.LengthFieldSize)
	return s.withFile(body[head:], func(f *storedFile) ([]byte, byte) {
		size := int64(len(f.data))
		if offset > size {
			return nil, StatusInvalid
		}
		end := size
		if length > 0 && offset+length < size {
			end = offset + length
		}
		return append([]byte(nil), f.data[offset:end]...), 0
	})
}

func (s *Server) delete(body []byte) ([]byte, byte) {
	key, ok := fileKey(body)
	if !ok {
		return nil, StatusInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[key]; !ok {
		return nil, StatusNotFound
	}
	delete(s.files, key)
	return nil, 0
}

func (s *Server) setMetadata(body []byte) ([]byte, byte) {
	const head = 2*protocol.LengthFieldSize + 1 + protocol.GroupNameMaxLen
	if len(body) < head {
		return nil, StatusInvalid
	}
	nameLen := protocol.Int64At(body, 0)
	metaLen := protocol.Int64At(body, protocol.LengthFieldSize)
	flag := types.MetadataFlag(body[2*protocol.LengthFieldSize])
	if int64(len(body)) != head+nameLen+metaLen {
		return nil, StatusInvalid
	}
	group := field(body[2*protocol.LengthFieldSize+1 : head])
	name := string(body[head : head+nameLen])
	meta := protocol.DecodeMetadata(body[head+nameLen:], protocol.UTF8)

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[group+types.FileIDSeparator+name]
	if !ok {
		return nil, StatusNotFound
	}
	switch flag {
	case types.MetadataOverwrite:
		f.meta = meta
	case types.MetadataMerge:
		for k, v := range meta {
			f.meta[k] = v
		}
	default:
		return nil, StatusInvalid
	}
	return nil, 0
}

func (s *Server) withFile(body []byte, fn func(*storedFile) ([]byte, byte)) ([]byte, byte) {
	key, ok := fileKey(body)
	if !ok {
		return nil, StatusInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[key]
	if !ok {
		return nil, StatusNotFound
	}
	return fn(f)
}

func (s *Server) groupRecord() []byte {
	ep := s.Endpoint()
	out := fixed(s.group, protocol.GroupNameMaxLen)
	out = append(out, 0)
	for _, v := range []int64{
		1024, 512, 0, // total, free, trunk free MB
		1,                    // storage count
		int64(ep.Port), 8080, // ports
		1, 0, // active count, current write server
		1, 256, 0, // store paths, subdirs, trunk file id
	} {
		out = binary.BigEndian.AppendUint64(out, uint64(v))
	}
	return out
}

func (s *Server) storageRecord() []byte {
	ep := s.Endpoint()
	var b bytes.Buffer
	b.WriteByte(byte(types.StorageStatusActive))
	b.Write(fixed(ep.Host, protocol.IPAddrSize))
	b.Write(fixed("storage.local", protocol.DomainNameMaxSize))
	b.Write(fixed("", protocol.IPAddrSize))
	b.Write(fixed("6.12", protocol.VersionSize))

	put64 := func(v int64) { _ = binary.Write(&b, binary.BigEndian, v) }
	now := time.Now().Unix()
	put64(now - 3600) // join time
	put64(now - 60)   // up time
	for _, v := range []int64{1024, 512, 10, 1, 256, 0, int64(ep.Port), 8080} {
		put64(v)
	}
	for _, v := range []int32{4, 2, 256} {
		_ = binary.Write(&b, binary.BigEndian, v)
	}
	s.mu.Lock()
	files := int64(len(s.files))
	s.mu.Unlock()
	for i := 0; i < 19; i++ {
		put64(files)
		put64(files)
	}
	for i := 0; i < 4; i++ {
		put64(now)
	}
	b.WriteByte(0)

	out := b.Bytes()
	return append(out, make([]byte, protocol.StorageRecordSize-len(out))...)
}

func fileKey(body []byte) (string, bool) {
	if len(body) <= protocol.GroupNameMaxLen {
		return "", false
	}
	return field(body[:protocol.GroupNameMaxLen]) + types.FileIDSeparator + string(body[protocol.GroupNameMaxLen:]), true
}

func field(b []byte) string {
	return protocol.Trim(string(b))
}

func fixed(s string, width int) []byte {
	out := make([]byte, width)
	copy(out, s)
	return out
}
