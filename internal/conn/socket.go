package conn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/objectfs/fdfs/internal/buffer"
	"github.com/objectfs/fdfs/internal/protocol"
	"github.com/objectfs/fdfs/pkg/errors"
)

// chunkBacklog is how many read chunks may wait for a consumer before the
// reader stops pulling from the socket.
const chunkBacklog = 16

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type outbound struct {
	b      []byte
	pooled bool
}

// socket is one physical TCP connection. A reader goroutine turns socket
// reads into pooled chunks and a writer goroutine drains a byte-bounded
// outbound queue.
type socket struct {
	nc       net.Conn
	bufs     *buffer.BytePool
	readSize int
	onClose  func(*socket)

	chunks chan []byte
	done   chan struct{}
	wake   chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	err           error
	queue         []outbound
	queued        int
	enqueued      int64
	highWater     int
	lowWater      int
	drained       chan struct{}
	drainedClosed bool
}

func newSocket(nc net.Conn, cfg *Config, onClose func(*socket)) *socket {
	s := &socket{
		nc:            nc,
		bufs:          cfg.Buffers,
		readSize:      cfg.ReadBufferSize,
		onClose:       onClose,
		chunks:        make(chan []byte, chunkBacklog),
		done:          make(chan struct{}),
		wake:          make(chan struct{}, 1),
		highWater:     cfg.WriteQueueSize,
		lowWater:      cfg.WriteQueueSize / 2,
		drained:       closedCh,
		drainedClosed: true,
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *socket) readLoop() {
	defer close(s.chunks)

	for {
		buf := s.bufs.Get(s.readSize)
		n, err := s.nc.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.done:
				s.bufs.Put(buf)
				return
			}
		} else {
			s.bufs.Put(buf)
		}
		if err != nil {
			s.close(err)
			return
		}
	}
}

func (s *socket) writeLoop() {
	defer s.discardQueue()

	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			for i, ob := range batch {
				_, err := s.nc.Write(ob.b)
				s.written(ob)
				if err != nil {
					for _, rest := range batch[i+1:] {
						s.written(rest)
					}
					s.close(errors.Wrap(err, errors.ErrCodeWriteFailed, "socket write"))
					return
				}
			}
		}
	}
}

// written accounts for a flushed or discarded entry and signals drain once
// the queue falls to the low-water mark.
func (s *socket) written(ob outbound) {
	s.mu.Lock()
	s.queued -= len(ob.b)
	if s.queued <= s.lowWater && !s.drainedClosed {
		close(s.drained)
		s.drainedClosed = true
	}
	s.mu.Unlock()

	if ob.pooled {
		s.bufs.Put(ob.b)
	}
}

func (s *socket) discardQueue() {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, ob := range batch {
		s.written(ob)
	}
}

// enqueue hands b to the writer. b must not be modified afterwards.
func (s *socket) enqueue(b []byte, pooled bool) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		if pooled {
			s.bufs.Put(b)
		}
		return errors.Wrap(err, errors.ErrCodeWriteFailed, "socket closed")
	}
	s.queue = append(s.queue, outbound{b: b, pooled: pooled})
	s.queued += len(b)
	s.enqueued += int64(len(b))
	if s.queued > s.lowWater && s.drainedClosed {
		s.drained = make(chan struct{})
		s.drainedClosed = false
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *socket) writeQueueFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued >= s.highWater
}

// drain returns a channel closed once the queue is at or below the low-water
// mark, or the socket has closed.
func (s *socket) drain() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained
}

// backlog returns the bytes waiting for the writer and the total ever queued
func (s *socket) backlog() (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued, s.enqueued
}

func (s *socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// close tears the socket down. The first cause wins.
func (s *socket) close(cause error) {
	s.closeOnce.Do(func() {
		if cause == nil {
			cause = io.EOF
		}
		s.mu.Lock()
		s.err = cause
		if !s.drainedClosed {
			close(s.drained)
			s.drainedClosed = true
		}
		s.mu.Unlock()

		close(s.done)
		_ = s.nc.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// quit sends the quit command directly on the socket.
func (s *socket) quit(timeout time.Duration) error {
	_ = s.nc.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := s.nc.Write(protocol.PackHeader(protocol.Quit, 0, 0)); err != nil {
		return errors.Wrap(err, errors.ErrCodeWriteFailed, "send quit")
	}
	return nil
}
