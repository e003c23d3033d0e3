package conn

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/objectfs/fdfs/internal/buffer"
	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/types"
)

// Dialer opens a TCP connection
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Config configures a Pool
type Config struct {
	// PoolSize is the number of connections per remote address
	PoolSize int

	// ConnectTimeout bounds each dial
	ConnectTimeout time.Duration

	// WriteQueueSize is the outbound high-water mark in bytes; the low-water
	// mark is half of it
	WriteQueueSize int

	// ReadBufferSize is the size of each socket read
	ReadBufferSize int

	// SendQuit sends the quit command on every socket when the pool closes
	SendQuit bool

	Dialer   Dialer
	Buffers  *buffer.BytePool
	Logger   zerolog.Logger
	Observer types.PoolObserver
}

// ConfigFromOptions derives a pool configuration from engine options
func ConfigFromOptions(opts types.Options, logger zerolog.Logger) Config {
	opts = opts.WithDefaults()
	return Config{
		PoolSize:       opts.PoolSize,
		ConnectTimeout: opts.ConnectTimeout,
		WriteQueueSize: opts.WriteQueueSize,
		ReadBufferSize: opts.ReadBufferSize,
		SendQuit:       true,
		Logger:         logger,
	}
}

func (c Config) withDefaults() Config {
	d := types.DefaultOptions()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = d.WriteQueueSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.Dialer == nil {
		c.Dialer = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}
	if c.Buffers == nil {
		c.Buffers = buffer.Default()
	}
	if c.Observer == nil {
		c.Observer = types.NopPoolObserver{}
	}
	return c
}

// entry is the fixed set of connections to one address
type entry struct {
	conns   []*Connection
	counter atomic.Uint64
}

// next picks connections round-robin starting at slot 0
func (e *entry) next() *Connection {
	i := e.counter.Add(1) - 1
	return e.conns[i%uint64(len(e.conns))]
}

// Pool keeps a fixed number of connections per remote address, created on
// first use of the address
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewPool creates an empty pool
func NewPool(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "pool").Logger(),
		entries: make(map[string]*entry),
	}
}

func (p *Pool) entry(address string) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.NewError(errors.ErrCodePoolClosed, "connection pool closed").WithContext("address", address)
	}
	if e, ok := p.entries[address]; ok {
		return e, nil
	}

	e := &entry{conns: make([]*Connection, p.cfg.PoolSize)}
	for i := range e.conns {
		e.conns[i] = newConnection(address, &p.cfg)
	}
	p.entries[address] = e
	p.logger.Debug().Str("address", address).Int("size", p.cfg.PoolSize).Msg("Created connection set")
	return e, nil
}

// Next returns the next connection for address in round-robin order
func (p *Pool) Next(address string) (*Connection, error) {
	e, err := p.entry(address)
	if err != nil {
		return nil, err
	}
	return e.next(), nil
}

// Get reserves the next connection for address
func (p *Pool) Get(ctx context.Context, address string) (*Lease, error) {
	c, err := p.Next(address)
	if err != nil {
		return nil, err
	}
	return c.Acquire(ctx)
}

// Close shuts down every connection. Connected sockets receive the quit
// command first when SendQuit is set.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var err error
	for _, e := range entries {
		for _, c := range e.conns {
			err = multierr.Append(err, c.shutdown(p.cfg.SendQuit))
		}
	}
	p.logger.Debug().Int("addresses", len(entries)).Err(err).Msg("Pool closed")
	return err
}

// PoolStats tracks connection pool statistics
type PoolStats struct {
	Addresses   []string `json:"addresses"`
	Connections int      `json:"connections"`
	Connected   int      `json:"connected"`
	Reserved    int      `json:"reserved"`
	Waiters     int      `json:"waiters"`
	Dials       int64    `json:"dials"`
	DialErrors  int64    `json:"dial_errors"`
	QueuedBytes int      `json:"queued_bytes"`
	Closed      bool     `json:"closed"`
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	stats := PoolStats{Closed: p.closed}
	var conns []*Connection
	for addr, e := range p.entries {
		stats.Addresses = append(stats.Addresses, addr)
		conns = append(conns, e.conns...)
	}
	p.mu.Unlock()

	sort.Strings(stats.Addresses)
	stats.Connections = len(conns)
	for _, c := range conns {
		cs := c.Stats()
		switch cs.State {
		case StateConnected.String():
			stats.Connected++
		case StateReserved.String():
			stats.Reserved++
		}
		stats.Waiters += cs.Waiters
		stats.Dials += cs.Dials
		stats.DialErrors += cs.DialErrors
		stats.QueuedBytes += cs.QueuedBytes
	}
	return stats
}
