package storage

import (
	"io"
)

// Source is an upload payload: either a buffer held in memory or a reader
// with a known length.
type Source struct {
	data   []byte
	reader io.Reader
	size   int64
}

// Bytes wraps an in-memory payload. b must not be modified until the
// operation returns.
func Bytes(b []byte) Source {
	return Source{data: b, size: int64(len(b))}
}

// Stream wraps a reader that yields exactly size bytes. The reader is only
// consumed after the request header has been queued.
func Stream(r io.Reader, size int64) Source {
	return Source{reader: r, size: size}
}

// Size returns the payload length announced on the wire
func (s Source) Size() int64 {
	return s.size
}

func (s Source) streamed() bool {
	return s.reader != nil
}
