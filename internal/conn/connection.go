package conn

import (
	"container/list"
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/objectfs/fdfs/internal/buffer"
	"github.com/objectfs/fdfs/pkg/errors"
)

// State represents the reservation state of a Connection
type State int32

const (
	// StateDisconnected indicates no physical socket
	StateDisconnected State = iota

	// StateConnecting indicates a dial in progress
	StateConnecting

	// StateConnected indicates an idle socket ready to be reserved
	StateConnected

	// StateReserved indicates the socket is held by one caller
	StateReserved
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

type grant struct {
	lease *Lease
	err   error
}

type waiter struct {
	ready    chan grant
	queued   bool
	queuedAt time.Time
}

// Connection owns one physical socket to one address and hands it out to
// one caller at a time. Callers that find it busy or connecting wait in
// FIFO order.
type Connection struct {
	address string
	cfg     *Config
	logger  zerolog.Logger

	mu      sync.Mutex
	state   State
	sock    *socket
	holder  *Lease
	waiters *list.List
	closed  bool

	dials      atomic.Int64
	dialErrors atomic.Int64
}

func newConnection(address string, cfg *Config) *Connection {
	return &Connection{
		address: address,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "conn").Str("address", address).Logger(),
		waiters: list.New(),
	}
}

// Address returns the remote address
func (c *Connection) Address() string {
	return c.address
}

// State returns the current state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Acquire reserves the connection for exclusive use, dialing first if there
// is no socket. The returned Lease must be released exactly once.
func (c *Connection) Acquire(ctx context.Context) (*Lease, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodePoolClosed, "connection pool closed").WithContext("address", c.address)
	}

	switch c.state {
	case StateConnected:
		l := c.reserveLocked()
		c.mu.Unlock()
		return l, nil

	case StateDisconnected:
		if c.holder != nil {
			// The socket died under the holder; its release reconnects and
			// serves the queue in order.
			return c.enqueueLocked(ctx)
		}
		c.state = StateConnecting
		if c.waiters.Len() > 0 {
			go c.reconnect()
			return c.enqueueLocked(ctx)
		}
		c.mu.Unlock()
		return c.connectAndReserve(ctx)

	default:
		return c.enqueueLocked(ctx)
	}
}

// enqueueLocked queues the caller behind existing waiters and unlocks c.mu
func (c *Connection) enqueueLocked(ctx context.Context) (*Lease, error) {
	w := &waiter{ready: make(chan grant, 1), queued: true, queuedAt: time.Now()}
	elem := c.waiters.PushBack(w)
	c.mu.Unlock()
	return c.wait(ctx, w, elem)
}

func (c *Connection) connectAndReserve(ctx context.Context) (*Lease, error) {
	sock, err := c.dial(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if sock != nil {
			sock.close(errors.NewError(errors.ErrCodePoolClosed, "connection pool closed"))
		}
		return nil, errors.NewError(errors.ErrCodePoolClosed, "connection pool closed").WithContext("address", c.address)
	}
	if err != nil {
		c.state = StateDisconnected
		pending := c.takeWaitersLocked()
		c.mu.Unlock()
		failWaiters(pending, err)
		return nil, err
	}
	c.sock = sock
	l := c.reserveLocked()
	c.mu.Unlock()

	if ctx.Err() != nil {
		l.Release()
		return nil, errors.FromContext(ctx.Err())
	}
	return l, nil
}

func (c *Connection) wait(ctx context.Context, w *waiter, elem *list.Element) (*Lease, error) {
	select {
	case g := <-w.ready:
		c.cfg.Observer.ReservationWaited(c.address, time.Since(w.queuedAt))
		return g.lease, g.err

	case <-ctx.Done():
		c.mu.Lock()
		if w.queued {
			c.waiters.Remove(elem)
			w.queued = false
			c.mu.Unlock()
			return nil, errors.FromContext(ctx.Err())
		}
		c.mu.Unlock()

		// Served concurrently with the cancellation
		if g := <-w.ready; g.lease != nil {
			g.lease.Release()
		}
		return nil, errors.FromContext(ctx.Err())
	}
}

func (c *Connection) reserveLocked() *Lease {
	l := &Lease{conn: c, sock: c.sock}
	c.state = StateReserved
	c.holder = l
	return l
}

func (c *Connection) popWaiterLocked() *waiter {
	front := c.waiters.Front()
	if front == nil {
		return nil
	}
	w := c.waiters.Remove(front).(*waiter)
	w.queued = false
	return w
}

func (c *Connection) takeWaitersLocked() []*waiter {
	var pending []*waiter
	for w := c.popWaiterLocked(); w != nil; w = c.popWaiterLocked() {
		pending = append(pending, w)
	}
	return pending
}

func failWaiters(pending []*waiter, err error) {
	for _, w := range pending {
		w.ready <- grant{err: err}
	}
}

// release returns the reservation held by l. A stale lease is ignored.
func (c *Connection) release(l *Lease) {
	c.mu.Lock()
	if c.holder != l || c.closed {
		c.mu.Unlock()
		return
	}
	c.holder = nil

	switch c.state {
	case StateReserved:
		if w := c.popWaiterLocked(); w != nil {
			next := c.reserveLocked()
			c.mu.Unlock()
			w.ready <- grant{lease: next}
			return
		}
		c.state = StateConnected
		c.mu.Unlock()

	case StateDisconnected:
		// The socket died during the reservation
		c.state = StateConnecting
		c.mu.Unlock()
		go c.reconnect()

	default:
		c.mu.Unlock()
	}
}

// reconnect re-establishes the socket after a release found it closed, then
// serves the next waiter. A failed dial fails every waiter.
func (c *Connection) reconnect() {
	c.logger.Debug().Msg("Reconnecting after release")
	sock, err := c.dial(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if sock != nil {
			sock.close(errors.NewError(errors.ErrCodePoolClosed, "connection pool closed"))
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		pending := c.takeWaitersLocked()
		c.mu.Unlock()
		failWaiters(pending, err)
		return
	}
	c.sock = sock
	if w := c.popWaiterLocked(); w != nil {
		next := c.reserveLocked()
		c.mu.Unlock()
		w.ready <- grant{lease: next}
		return
	}
	c.state = StateConnected
	c.mu.Unlock()
}

func (c *Connection) dial(ctx context.Context) (*socket, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConnectTimeout)
	defer cancel()

	c.dials.Add(1)
	start := time.Now()
	nc, err := c.cfg.Dialer(ctx, "tcp", c.address)
	c.cfg.Observer.ConnectionDialed(c.address, err)
	if err != nil {
		c.dialErrors.Add(1)
		c.logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("Connect failed")

		code := errors.ErrCodeConnectionFailed
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			code = errors.ErrCodeConnectTimeout
		}
		return nil, errors.Wrap(err, code, "connect to "+c.address).WithContext("address", c.address)
	}

	c.logger.Debug().Dur("elapsed", time.Since(start)).Msg("Connected")
	return newSocket(nc, c.cfg, c.socketClosed), nil
}

func (c *Connection) socketClosed(s *socket) {
	c.mu.Lock()
	if c.sock == s {
		c.sock = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.cfg.Observer.ConnectionClosed(c.address)
	c.logger.Debug().AnErr("cause", s.Err()).Msg("Socket closed")
}

// shutdown closes the socket, optionally sending quit first, and fails every
// waiter. The connection cannot be used afterwards.
func (c *Connection) shutdown(sendQuit bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.sock = nil
	c.state = StateDisconnected
	c.holder = nil
	pending := c.takeWaitersLocked()
	c.mu.Unlock()

	closedErr := errors.NewError(errors.ErrCodePoolClosed, "connection pool closed").WithContext("address", c.address)
	failWaiters(pending, closedErr)

	if sock == nil {
		return nil
	}
	var err error
	if sendQuit {
		err = sock.quit(c.cfg.ConnectTimeout)
	}
	sock.close(closedErr)
	return err
}

// ConnectionStats is a point-in-time view of one Connection
type ConnectionStats struct {
	State       string `json:"state"`
	Waiters     int    `json:"waiters"`
	Dials       int64  `json:"dials"`
	DialErrors  int64  `json:"dial_errors"`
	QueuedBytes int    `json:"queued_bytes"`
	// SentBytes counts every byte handed to the current socket's writer
	SentBytes int64 `json:"sent_bytes"`
}

// Stats returns current statistics
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	stats := ConnectionStats{
		State:      c.state.String(),
		Waiters:    c.waiters.Len(),
		Dials:      c.dials.Load(),
		DialErrors: c.dialErrors.Load(),
	}
	sock := c.sock
	c.mu.Unlock()

	if sock != nil {
		stats.QueuedBytes, stats.SentBytes = sock.backlog()
	}
	return stats
}

// Lease is one reservation of a Connection. It pins the socket that was
// current when the reservation was granted.
type Lease struct {
	conn *Connection
	sock *socket
	once sync.Once
}

// Address returns the remote address
func (l *Lease) Address() string {
	return l.conn.address
}

// Chunks delivers bytes read from the socket. It is closed when the socket
// closes.
func (l *Lease) Chunks() <-chan []byte {
	return l.sock.chunks
}

// Recycle returns a chunk obtained from Chunks to the buffer pool
func (l *Lease) Recycle(chunk []byte) {
	l.sock.bufs.Put(chunk)
}

// Err returns why the socket closed, if it has
func (l *Lease) Err() error {
	return l.sock.Err()
}

// Write queues b for sending. b must not be modified afterwards.
func (l *Lease) Write(b []byte) error {
	return l.sock.enqueue(b, false)
}

// WritePooled queues a buffer obtained from Buffers; it is returned to the
// pool once written.
func (l *Lease) WritePooled(b []byte) error {
	return l.sock.enqueue(b, true)
}

// Buffers returns the pool backing socket chunks and WritePooled buffers
func (l *Lease) Buffers() *buffer.BytePool {
	return l.sock.bufs
}

// WriteQueueFull reports whether the outbound queue is at its high-water mark
func (l *Lease) WriteQueueFull() bool {
	return l.sock.writeQueueFull()
}

// Drain returns a channel closed once the outbound queue falls to its
// low-water mark or the socket closes
func (l *Lease) Drain() <-chan struct{} {
	return l.sock.drain()
}

// Done is closed when the socket closes
func (l *Lease) Done() <-chan struct{} {
	return l.sock.done
}

// Reset closes the socket. The reservation stays held until Release, which
// then re-establishes the connection.
func (l *Lease) Reset(cause error) {
	l.sock.close(cause)
}

// Release returns the reservation. Further calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.conn.release(l)
	})
}
