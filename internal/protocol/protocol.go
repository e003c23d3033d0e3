package protocol

import (
	"encoding/binary"
	"strings"

	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/types"
)

// Field widths on the wire
const (
	HeaderSize        = 10
	LengthFieldSize   = 8
	GroupNameMaxLen   = 16
	IPAddrSize        = 16
	DomainNameMaxSize = 128
	VersionSize       = 6
	FileExtNameMaxLen = 6
)

// Tracker commands
const (
	TrackerListGroups             byte = 91
	TrackerListStorages           byte = 92
	TrackerQueryStoreWithoutGroup byte = 101
	TrackerQueryFetchOne          byte = 102
	TrackerQueryUpdate            byte = 103
	TrackerQueryStoreWithGroup    byte = 104
)

// Storage commands
const (
	StorageUploadFile     byte = 11
	StorageDeleteFile     byte = 12
	StorageSetMetadata    byte = 13
	StorageDownloadFile   byte = 14
	StorageGetMetadata    byte = 15
	StorageQueryFileInfo  byte = 22
	StorageUploadAppender byte = 23
	StorageAppendFile     byte = 24
	StorageModifyFile     byte = 34
)

// Shared commands
const (
	Response   byte = 100
	Quit       byte = 82
	ActiveTest byte = 111
)

// Metadata separators
const (
	RecordSeparator = "\x01"
	FieldSeparator  = "\x02"
)

// Response body lengths
const (
	FetchResponseLength    = GroupNameMaxLen + IPAddrSize - 1 + LengthFieldSize
	StoreResponseLength    = FetchResponseLength + 1
	FileInfoLength         = 3 * LengthFieldSize
	FileInfoWithIPLength   = FileInfoLength + IPAddrSize
	GroupRecordSize        = 105
	StorageRecordSize      = 612
	uploadResponseMinBytes = GroupNameMaxLen + 1
)

// PackHeader encodes a packet header.
func PackHeader(cmd, status byte, bodyLength int64) []byte {
	header := make([]byte, HeaderSize)
	putHeader(header, cmd, status, bodyLength)
	return header
}

func putHeader(dst []byte, cmd, status byte, bodyLength int64) {
	binary.BigEndian.PutUint64(dst[0:LengthFieldSize], uint64(bodyLength))
	dst[LengthFieldSize] = cmd
	dst[LengthFieldSize+1] = status
}

// ParseHeader validates a response header and returns its body length.
// expectedBodyLength <= 0 accepts any length.
func ParseHeader(header []byte, expectedCmd byte, expectedBodyLength int64) (int64, error) {
	if len(header) != HeaderSize {
		return 0, errors.Newf(errors.ErrCodeInvalidHeader, "header must be %d bytes, got %d", HeaderSize, len(header))
	}

	bodyLength := int64(binary.BigEndian.Uint64(header[0:LengthFieldSize]))
	cmd := header[LengthFieldSize]
	status := header[LengthFieldSize+1]

	if status != 0 {
		return 0, errors.Newf(errors.ErrCodeServerStatus, "server returned status %d", status).
			WithDetail("status", status)
	}
	if cmd != expectedCmd {
		return 0, errors.Newf(errors.ErrCodeUnexpectedCommand, "received command %d, expected %d", cmd, expectedCmd).
			WithDetail("command", cmd)
	}
	if bodyLength < 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidHeader, "negative body length %d", bodyLength)
	}
	if expectedBodyLength > 0 && bodyLength != expectedBodyLength {
		return 0, errors.Newf(errors.ErrCodeBodyLengthMismatch, "body length %d, expected %d", bodyLength, expectedBodyLength).
			WithDetail("length", bodyLength)
	}
	return bodyLength, nil
}

// Request builds an outbound packet: header, fixed prefix fields and any
// in-memory body. Streamed payload bytes are counted in the header but not
// stored here.
type Request struct {
	buf []byte
}

// NewRequest allocates a request whose header announces prefixLen+payloadLen
// body bytes.
func NewRequest(cmd byte, prefixLen int, payloadLen int64) *Request {
	buf := make([]byte, HeaderSize, HeaderSize+prefixLen)
	putHeader(buf, cmd, 0, int64(prefixLen)+payloadLen)
	return &Request{buf: buf}
}

// PutInt64 appends a big-endian length field.
func (r *Request) PutInt64(v int64) *Request {
	r.buf = binary.BigEndian.AppendUint64(r.buf, uint64(v))
	return r
}

// PutByte appends a single byte.
func (r *Request) PutByte(b byte) *Request {
	r.buf = append(r.buf, b)
	return r
}

// PutFixed appends b truncated or null-padded to width.
func (r *Request) PutFixed(b []byte, width int) *Request {
	start := len(r.buf)
	r.buf = append(r.buf, make([]byte, width)...)
	copy(r.buf[start:], b)
	return r
}

// PutBytes appends b as is.
func (r *Request) PutBytes(b []byte) *Request {
	r.buf = append(r.buf, b...)
	return r
}

// Bytes returns the encoded request.
func (r *Request) Bytes() []byte {
	return r.buf
}

// PackFileID encodes a request whose body is the group field followed by the
// file name.
func PackFileID(cmd byte, id types.FileID, cs *Charset) ([]byte, error) {
	group, err := cs.Encode(id.Group)
	if err != nil {
		return nil, err
	}
	name, err := cs.Encode(id.Name)
	if err != nil {
		return nil, err
	}
	return NewRequest(cmd, GroupNameMaxLen+len(name), 0).
		PutFixed(group, GroupNameMaxLen).
		PutBytes(name).
		Bytes(), nil
}

// Int64At reads the length field at off.
func Int64At(b []byte, off int) int64 {
	return int64(binary.BigEndian.Uint64(b[off : off+LengthFieldSize]))
}

// Trim strips null padding and surrounding whitespace from a decoded field.
func Trim(s string) string {
	return strings.TrimFunc(s, func(r rune) bool { return r <= ' ' })
}

// EncodeGroup encodes a group name and rejects names wider than the group
// field.
func EncodeGroup(group string, cs *Charset) ([]byte, error) {
	b, err := cs.Encode(group)
	if err != nil {
		return nil, err
	}
	if len(b) > GroupNameMaxLen {
		return nil, errors.Newf(errors.ErrCodeGroupNameTooLong, "group name %q is %d bytes, max %d", group, len(b), GroupNameMaxLen)
	}
	return b, nil
}

// EncodeExt encodes a file extension and rejects extensions wider than the
// extension field.
func EncodeExt(ext string, cs *Charset) ([]byte, error) {
	b, err := cs.Encode(ext)
	if err != nil {
		return nil, err
	}
	if len(b) > FileExtNameMaxLen {
		return nil, errors.Newf(errors.ErrCodeExtensionTooLong, "extension %q is %d bytes, max %d", ext, len(b), FileExtNameMaxLen)
	}
	return b, nil
}
