package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fdfserrors "github.com/objectfs/fdfs/pkg/errors"
)

// chanSession feeds canned chunks to RecvPacket
type chanSession struct {
	ch       chan []byte
	err      error
	recycled int
}

func newChanSession(chunks ...[]byte) *chanSession {
	s := &chanSession{ch: make(chan []byte, len(chunks)+1)}
	for _, c := range chunks {
		s.ch <- c
	}
	return s
}

func (s *chanSession) Chunks() <-chan []byte { return s.ch }
func (s *chanSession) Recycle([]byte)        { s.recycled++ }
func (s *chanSession) Err() error            { return s.err }

func response(body []byte) []byte {
	return append(PackHeader(Response, 0, int64(len(body))), body...)
}

func TestReceiverSplitChunks(t *testing.T) {
	t.Parallel()

	raw := response([]byte("hello, fastdfs!!!"))
	r := newReceiver(Response, 0, nil)

	// One byte at a time, header included
	for i := 0; i < len(raw)-1; i++ {
		done, err := r.feed(raw[i : i+1])
		require.NoError(t, err)
		require.False(t, done, "completed early at byte %d", i)
	}
	done, err := r.feed(raw[len(raw)-1:])
	require.NoError(t, err)
	require.True(t, done)

	p := r.packet()
	assert.Equal(t, int64(17), p.BodyLength)
	assert.Equal(t, "hello, fastdfs!!!", string(p.Body))
}

func TestReceiverStreamsToSink(t *testing.T) {
	t.Parallel()

	var sink bytes.Buffer
	raw := response([]byte("streamed body"))
	r := newReceiver(Response, 0, &sink)

	done, err := r.feed(raw[:12])
	require.NoError(t, err)
	assert.False(t, done)
	done, err = r.feed(raw[12:])
	require.NoError(t, err)
	assert.True(t, done)

	p := r.packet()
	assert.Nil(t, p.Body)
	assert.Equal(t, int64(13), p.BodyLength)
	assert.Equal(t, "streamed body", sink.String())
}

func TestReceiverDropsTrailingBytes(t *testing.T) {
	t.Parallel()

	raw := append(response([]byte("abc")), "garbage"...)
	r := newReceiver(Response, 0, nil)

	done, err := r.feed(raw)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "abc", string(r.packet().Body))
}

func TestReceiverEmptyBody(t *testing.T) {
	t.Parallel()

	r := newReceiver(Response, 0, nil)
	done, err := r.feed(PackHeader(Response, 0, 0))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestReceiverTimeoutAfterComplete(t *testing.T) {
	t.Parallel()

	r := newReceiver(Response, 0, nil)
	_, err := r.feed(response([]byte("0123456789abcdefg")))
	require.NoError(t, err)

	// Timer fires before the completion branch observes the result
	assert.NoError(t, r.expire(time.Second))
	assert.Equal(t, 17, len(r.packet().Body))
}

func TestReceiverTimeoutIncomplete(t *testing.T) {
	t.Parallel()

	r := newReceiver(Response, 0, nil)
	raw := response([]byte("0123456789"))
	_, err := r.feed(raw[:HeaderSize+3])
	require.NoError(t, err)

	err = r.expire(time.Second)
	assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodeReceiveTimeout))
	assert.True(t, fdfserrors.IsRetryable(err))
}

func TestReceiverServerStatus(t *testing.T) {
	t.Parallel()

	r := newReceiver(Response, 0, nil)
	_, err := r.feed(PackHeader(Response, 22, 0))
	assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodeServerStatus))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestReceiverSinkFailure(t *testing.T) {
	t.Parallel()

	r := newReceiver(Response, 0, failingWriter{})
	_, err := r.feed(response([]byte("x")))
	assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodeSinkFailed))
}

func TestRecvPacket(t *testing.T) {
	t.Parallel()

	raw := response([]byte("payload"))
	s := newChanSession(raw[:5], raw[5:11], raw[11:])

	p, err := RecvPacket(context.Background(), s, Response, 7, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(p.Body))
	assert.Equal(t, 3, s.recycled)
}

func TestRecvPacketTimeout(t *testing.T) {
	t.Parallel()

	raw := response([]byte("payload"))
	s := newChanSession(raw[:HeaderSize+2])

	start := time.Now()
	_, err := RecvPacket(context.Background(), s, Response, 0, nil, 50*time.Millisecond)
	assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodeReceiveTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRecvPacketConnectionClosed(t *testing.T) {
	t.Parallel()

	raw := response([]byte("payload"))
	s := newChanSession(raw[:HeaderSize+2])
	s.err = io.ErrUnexpectedEOF
	close(s.ch)

	_, err := RecvPacket(context.Background(), s, Response, 0, nil, time.Second)
	assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodeConnectionClosed))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRecvPacketCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RecvPacket(ctx, newChanSession(), Response, 0, nil, time.Second)
	assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodeCanceled))
	assert.ErrorIs(t, err, context.Canceled)
}
