package protocol

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/objectfs/fdfs/pkg/errors"
)

// Packet is a received response. Body is nil when the body was streamed to a
// sink.
type Packet struct {
	BodyLength int64
	Body       []byte
}

// Session is the read side of a reserved connection. Chunks are delivered in
// arrival order and the channel is closed when the socket closes.
type Session interface {
	Chunks() <-chan []byte
	Recycle(chunk []byte)
	Err() error
}

// maxPrealloc bounds the buffer reserved up front for a buffered body.
const maxPrealloc = 1 << 20

// receiver incrementally assembles one response from socket chunks.
type receiver struct {
	expectedCmd    byte
	expectedLength int64
	sink           io.Writer

	header     [HeaderSize]byte
	headerRead int
	bodyLength int64
	received   int64
	body       *bytes.Buffer
}

func newReceiver(expectedCmd byte, expectedLength int64, sink io.Writer) *receiver {
	return &receiver{
		expectedCmd:    expectedCmd,
		expectedLength: expectedLength,
		sink:           sink,
		bodyLength:     -1,
	}
}

// feed consumes one chunk and reports whether the packet is complete. Bytes
// past the end of the body are dropped.
func (r *receiver) feed(chunk []byte) (bool, error) {
	if r.bodyLength < 0 {
		n := copy(r.header[r.headerRead:], chunk)
		r.headerRead += n
		chunk = chunk[n:]
		if r.headerRead < HeaderSize {
			return false, nil
		}

		length, err := ParseHeader(r.header[:], r.expectedCmd, r.expectedLength)
		if err != nil {
			return false, err
		}
		r.bodyLength = length
		if r.sink == nil {
			r.body = bytes.NewBuffer(make([]byte, 0, int(min(length, maxPrealloc))))
		}
	}

	if remaining := r.bodyLength - r.received; int64(len(chunk)) > remaining {
		chunk = chunk[:remaining]
	}
	if len(chunk) > 0 {
		if r.sink != nil {
			if _, err := r.sink.Write(chunk); err != nil {
				return false, errors.Wrap(err, errors.ErrCodeSinkFailed, "write response body to sink")
			}
		} else {
			r.body.Write(chunk)
		}
		r.received += int64(len(chunk))
	}
	return r.complete(), nil
}

func (r *receiver) complete() bool {
	return r.bodyLength >= 0 && r.received == r.bodyLength
}

// expire is called when the liveness timer fires. A fully received body
// still completes.
func (r *receiver) expire(timeout time.Duration) error {
	if r.complete() {
		return nil
	}
	return errors.Newf(errors.ErrCodeReceiveTimeout, "no data for %s, received %d of %d body bytes", timeout, r.received, r.bodyLength).
		WithDetail("received", r.received)
}

// closed is called when the socket closes before completion.
func (r *receiver) closed(cause error) error {
	if r.complete() {
		return nil
	}
	err := errors.NewError(errors.ErrCodeConnectionClosed, "connection closed before response completed").
		WithDetail("received", r.received)
	if cause != nil && cause != io.EOF {
		err = err.WithCause(cause)
	}
	return err
}

func (r *receiver) packet() *Packet {
	p := &Packet{BodyLength: r.bodyLength}
	if r.body != nil {
		p.Body = r.body.Bytes()
	}
	return p
}

// RecvPacket reads one response from s. When sink is non-nil the body is
// streamed into it instead of being buffered. The timeout is measured from
// the last chunk received.
func RecvPacket(ctx context.Context, s Session, expectedCmd byte, expectedLength int64, sink io.Writer, timeout time.Duration) (*Packet, error) {
	r := newReceiver(expectedCmd, expectedLength, sink)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	chunks := s.Chunks()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if err := r.closed(s.Err()); err != nil {
					return nil, err
				}
				return r.packet(), nil
			}
			done, err := r.feed(chunk)
			s.Recycle(chunk)
			if err != nil {
				return nil, err
			}
			if done {
				return r.packet(), nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

		case <-timer.C:
			if err := r.expire(timeout); err != nil {
				return nil, err
			}
			return r.packet(), nil

		case <-ctx.Done():
			return nil, errors.FromContext(ctx.Err())
		}
	}
}
