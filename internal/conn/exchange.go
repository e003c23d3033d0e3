package conn

import (
	"context"
	"io"
	"time"

	"github.com/objectfs/fdfs/internal/protocol"
	"github.com/objectfs/fdfs/pkg/errors"
)

// Exchange reserves a connection to address, sends req and reads one
// response. The connection is released before returning.
func (p *Pool) Exchange(ctx context.Context, address string, req []byte, expectedLength int64, sink io.Writer, timeout time.Duration) (*protocol.Packet, error) {
	l, err := p.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	defer l.Release()

	return l.Exchange(ctx, req, expectedLength, sink, timeout)
}

// Exchange sends req and reads one response on the leased socket.
func (l *Lease) Exchange(ctx context.Context, req []byte, expectedLength int64, sink io.Writer, timeout time.Duration) (*protocol.Packet, error) {
	if err := l.Write(req); err != nil {
		l.Fail(err)
		return nil, err
	}

	packet, err := protocol.RecvPacket(ctx, l, protocol.Response, expectedLength, sink, timeout)
	if err != nil {
		l.Fail(err)
		return nil, err
	}
	return packet, nil
}

// Fail closes the socket after err unless the stream is still aligned on a
// packet boundary, so the next reservation never reads stale bytes.
func (l *Lease) Fail(err error) {
	if errors.HasCode(err, errors.ErrCodeServerStatus) {
		return
	}
	l.Reset(err)
}
