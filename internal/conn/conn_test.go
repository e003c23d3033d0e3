package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fdfs/internal/protocol"
	fdfserrors "github.com/objectfs/fdfs/pkg/errors"
)

const testAddr = "127.0.0.1:23000"

// pipeDialer hands out in-memory connections; the server ends are published
// on servers
type pipeDialer struct {
	mu      sync.Mutex
	fail    error
	gate    chan struct{}
	servers chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{servers: make(chan net.Conn, 16)}
}

func (d *pipeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *pipeDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}

	client, server := net.Pipe()
	d.servers <- server
	return client, nil
}

func testConfig(d *pipeDialer, size int) Config {
	return Config{
		PoolSize:       size,
		ConnectTimeout: time.Second,
		WriteQueueSize: 1024,
		ReadBufferSize: 1024,
		Dialer:         d.Dial,
		Logger:         zerolog.Nop(),
	}
}

func TestPoolRoundRobin(t *testing.T) {
	t.Parallel()

	const capacity = 4
	p := NewPool(testConfig(newPipeDialer(), capacity))
	defer p.Close()

	first, err := p.Next(testAddr)
	require.NoError(t, err)

	seen := map[*Connection]bool{first: true}
	for i := 1; i < capacity; i++ {
		c, err := p.Next(testAddr)
		require.NoError(t, err)
		assert.False(t, seen[c], "slot %d repeated early", i)
		seen[c] = true
	}

	again, err := p.Next(testAddr)
	require.NoError(t, err)
	assert.Same(t, first, again, "call K+1 must return slot 0")

	other, err := p.Next("127.0.0.1:23001")
	require.NoError(t, err)
	assert.False(t, seen[other], "addresses must not share connections")
}

func TestPoolCreatesEntryOnce(t *testing.T) {
	t.Parallel()

	p := NewPool(testConfig(newPipeDialer(), 2))
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Next(testAddr)
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, []string{testAddr}, stats.Addresses)
	assert.Equal(t, 2, stats.Connections)
}

func TestConnectionStateTransitions(t *testing.T) {
	t.Parallel()

	d := newPipeDialer()
	p := NewPool(testConfig(d, 1))
	defer p.Close()

	c, err := p.Next(testAddr)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())

	l, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReserved, c.State())

	l.Release()
	assert.Equal(t, StateConnected, c.State())

	// Release is idempotent
	l.Release()
	assert.Equal(t, StateConnected, c.State())

	l2, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer l2.Release()
	assert.Equal(t, int64(1), c.Stats().Dials, "idle socket must be reused")
}

func TestReservationFIFO(t *testing.T) {
	t.Parallel()

	const waiters = 5
	p := NewPool(testConfig(newPipeDialer(), 1))
	defer p.Close()

	c, err := p.Next(testAddr)
	require.NoError(t, err)

	holder, err := c.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			l, err := c.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			order <- i
			l.Release()
		}()
		require.Eventually(t, func() bool { return c.Stats().Waiters == i+1 }, time.Second, time.Millisecond)
	}

	holder.Release()
	for i := 0; i < waiters; i++ {
		select {
		case got := <-order:
			assert.Equal(t, i, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never served", i)
		}
	}
}

func TestReleaseReconnectsDeadSocket(t *testing.T) {
	t.Parallel()

	d := newPipeDialer()
	p := NewPool(testConfig(d, 1))
	defer p.Close()

	c, err := p.Next(testAddr)
	require.NoError(t, err)

	l, err := c.Acquire(context.Background())
	require.NoError(t, err)

	served := make(chan *Lease, 1)
	go func() {
		next, err := c.Acquire(context.Background())
		assert.NoError(t, err)
		served <- next
	}()
	require.Eventually(t, func() bool { return c.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	// Peer closes the socket mid-reservation
	server := <-d.servers
	require.NoError(t, server.Close())
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)

	_, ok := <-l.Chunks()
	assert.False(t, ok, "holder must observe the close")

	l.Release()

	select {
	case next := <-served:
		assert.NotSame(t, l.sock, next.sock)
		assert.Equal(t, StateReserved, c.State())
		assert.Equal(t, int64(2), c.Stats().Dials)
		next.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not served after reconnect")
	}
}

func TestDeadSocketKeepsWaiterOrder(t *testing.T) {
	t.Parallel()

	d := newPipeDialer()
	p := NewPool(testConfig(d, 1))
	defer p.Close()

	c, err := p.Next(testAddr)
	require.NoError(t, err)

	holder, err := c.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan string, 2)
	acquire := func(name string) {
		l, err := c.Acquire(context.Background())
		if !assert.NoError(t, err) {
			return
		}
		order <- name
		l.Release()
	}

	go acquire("queued")
	require.Eventually(t, func() bool { return c.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	server := <-d.servers
	require.NoError(t, server.Close())
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)

	// Arrives while the holder still owns the dead socket
	go acquire("late")
	require.Eventually(t, func() bool { return c.Stats().Waiters == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), c.Stats().Dials, "late caller must not dial ahead of the queue")

	holder.Release()
	for _, want := range []string{"queued", "late"} {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s waiter never served", want)
		}
	}
	assert.Equal(t, int64(2), c.Stats().Dials)
}

func TestReconnectFailureFailsWaiters(t *testing.T) {
	t.Parallel()

	d := newPipeDialer()
	p := NewPool(testConfig(d, 1))
	defer p.Close()

	c, err := p.Next(testAddr)
	require.NoError(t, err)

	l, err := c.Acquire(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Acquire(context.Background())
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Stats().Waiters == 2 }, time.Second, time.Millisecond)

	d.setFail(errors.New("connection refused"))
	l.Reset(io.EOF)
	l.Release()

	for i := 0; i < 2; i++ {
		err := <-errs
		assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodeConnectionFailed))
		assert.True(t, fdfserrors.IsRetryable(err))
	}
	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)
}

func TestConnectFailureFailsQueuedWaiters(t *testing.T) {
	t.Parallel()

	d := newPipeDialer()
	d.gate = make(chan struct{})
	d.fail = errors.New("no route to host")
	p := NewPool(testConfig(d, 1))
	defer p.Close()

	c, err := p.Next(testAddr)
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() {
		_, err := c.Acquire(context.Background())
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.State() == StateConnecting }, time.Second, time.Millisecond)

	go func() {
		_, err := c.Acquire(context.Background())
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	close(d.gate)
	for i := 0; i < 2; i++ {
		assert.True(t, fdfserrors.IsConnection(<-errs))
	}
	assert.Equal(t, int64(1), c.Stats().DialErrors)
}

func TestAcquireCanceledWhileQueued(t *testing.T) {
	t.Parallel()

	p := NewPool(testConfig(newPipeDialer(), 1))
	defer p.Close()

	c, err := p.Next(testAddr)
	require.NoError(t, err)
	holder, err := c.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx)
	assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodeCanceled))
	assert.Equal(t, 0, c.Stats().Waiters)

	holder.Release()
	assert.Equal(t, StateConnected, c.State())
}

func TestLeaseWriteAndRead(t *testing.T) {
	t.Parallel()

	d := newPipeDialer()
	p := NewPool(testConfig(d, 1))
	defer p.Close()

	l, err := p.Get(context.Background(), testAddr)
	require.NoError(t, err)
	defer l.Release()
	server := <-d.servers

	require.NoError(t, l.Write([]byte("ping")))
	got := make([]byte, 4)
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	go func() { _, _ = server.Write(append(protocol.PackHeader(protocol.Response, 0, 4), "pong"...)) }()
	packet, err := protocol.RecvPacket(context.Background(), l, protocol.Response, 4, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(packet.Body))
}

func TestWriteQueueBackpressure(t *testing.T) {
	t.Parallel()

	d := newPipeDialer()
	cfg := testConfig(d, 1)
	cfg.WriteQueueSize = 8
	p := NewPool(cfg)
	defer p.Close()

	l, err := p.Get(context.Background(), testAddr)
	require.NoError(t, err)
	defer l.Release()
	server := <-d.servers

	assert.False(t, l.WriteQueueFull())
	select {
	case <-l.Drain():
	default:
		t.Fatal("empty queue must report drained")
	}

	// Nobody reads the server end yet, so the bytes stay queued
	require.NoError(t, l.Write([]byte("0123456789")))
	assert.True(t, l.WriteQueueFull())
	drain := l.Drain()
	select {
	case <-drain:
		t.Fatal("full queue must not report drained")
	default:
	}

	buf := make([]byte, 10)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)

	select {
	case <-drain:
	case <-time.After(time.Second):
		t.Fatal("drain not signalled")
	}
	assert.False(t, l.WriteQueueFull())
}

func TestWriteAfterCloseFails(t *testing.T) {
	t.Parallel()

	d := newPipeDialer()
	p := NewPool(testConfig(d, 1))
	defer p.Close()

	l, err := p.Get(context.Background(), testAddr)
	require.NoError(t, err)
	defer l.Release()

	l.Reset(io.EOF)
	<-l.Done()
	err = l.Write([]byte("x"))
	assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodeWriteFailed))
}

func TestPoolCloseSendsQuit(t *testing.T) {
	t.Parallel()

	d := newPipeDialer()
	cfg := testConfig(d, 1)
	cfg.SendQuit = true
	p := NewPool(cfg)

	l, err := p.Get(context.Background(), testAddr)
	require.NoError(t, err)
	l.Release()
	server := <-d.servers

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	quit := make([]byte, protocol.HeaderSize)
	_, err = io.ReadFull(server, quit)
	require.NoError(t, err)
	assert.Equal(t, protocol.PackHeader(protocol.Quit, 0, 0), quit)
	require.NoError(t, <-closed)

	_, err = p.Get(context.Background(), testAddr)
	assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodePoolClosed))
	assert.True(t, p.Stats().Closed)
}

func TestRegistryReferenceCounting(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	cfg := testConfig(newPipeDialer(), 1)

	a := r.Open("default", cfg)
	b := r.Open("default", cfg)
	assert.Same(t, a.Pool, b.Pool)
	assert.Equal(t, 2, r.Refs("default"))

	other := r.Open("other", cfg)
	assert.NotSame(t, a.Pool, other.Pool)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "double close drops one reference only")
	assert.Equal(t, 1, r.Refs("default"))

	_, err := b.Next(testAddr)
	assert.NoError(t, err, "pool must stay open while referenced")

	require.NoError(t, b.Close())
	assert.Equal(t, 0, r.Refs("default"))
	_, err = b.Next(testAddr)
	assert.True(t, fdfserrors.HasCode(err, fdfserrors.ErrCodePoolClosed))

	require.NoError(t, other.Close())
}
