// Package client is the entry point for file operations. A Client holds the
// configured trackers and a connection pool; each operation asks a tracker
// which storage server to use and then runs against that server.
//
// Tracker queries that fail with a connection or timeout error are retried
// on the next tracker in rotation. Storage operations are not retried.
package client

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/objectfs/fdfs/internal/conn"
	"github.com/objectfs/fdfs/internal/protocol"
	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/storage"
	"github.com/objectfs/fdfs/pkg/tracker"
	"github.com/objectfs/fdfs/pkg/types"
)

// Registry shares connection pools between clients by name
type Registry = conn.Registry

// PoolStats is a snapshot of the client's connection pool
type PoolStats = conn.PoolStats

// NewRegistry creates an empty pool registry
func NewRegistry() *Registry {
	return conn.NewRegistry()
}

type settings struct {
	logger   zerolog.Logger
	metrics  types.MetricsCollector
	observer types.PoolObserver
	dialer   conn.Dialer
	registry *Registry
	poolName string
}

// Option customizes a Client
type Option func(*settings)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMetrics sets the operation metrics collector
func WithMetrics(m types.MetricsCollector) Option {
	return func(s *settings) { s.metrics = m }
}

// WithPoolObserver sets the receiver of connection lifecycle events
func WithPoolObserver(o types.PoolObserver) Option {
	return func(s *settings) { s.observer = o }
}

// WithDialer replaces the TCP dialer
func WithDialer(d conn.Dialer) Option {
	return func(s *settings) { s.dialer = d }
}

// WithSharedPool takes a reference to the pool registered under name in
// registry instead of creating a private pool. The pool is closed when the
// last client using it is closed.
func WithSharedPool(registry *Registry, name string) Option {
	return func(s *settings) {
		s.registry = registry
		s.poolName = name
	}
}

// Client runs file operations against a FastDFS cluster
type Client struct {
	opts     types.Options
	charset  *protocol.Charset
	pool     *conn.Pool
	closer   io.Closer
	trackers []*tracker.Tracker
	logger   zerolog.Logger
	metrics  types.MetricsCollector

	mu     sync.Mutex
	cursor int
}

// New creates a client for the trackers in opts. No connection is made
// until the first operation.
func New(opts types.Options, options ...Option) (*Client, error) {
	s := settings{
		logger:  zerolog.Nop(),
		metrics: types.NopMetrics{},
	}
	for _, opt := range options {
		opt(&s)
	}

	opts = opts.WithDefaults()
	if len(opts.Trackers) == 0 {
		return nil, errors.NewError(errors.ErrCodeNoTrackers, "at least one tracker is required").
			WithComponent("client")
	}
	charset, err := protocol.LookupCharset(opts.Charset)
	if err != nil {
		return nil, errors.Annotate(err, "client", "new")
	}

	poolCfg := conn.ConfigFromOptions(opts, s.logger)
	poolCfg.Observer = s.observer
	poolCfg.Dialer = s.dialer

	c := &Client{
		opts:    opts,
		charset: charset,
		logger:  s.logger.With().Str("component", "client").Logger(),
		metrics: s.metrics,
	}
	if s.registry != nil {
		ref := s.registry.Open(s.poolName, poolCfg)
		c.pool, c.closer = ref.Pool, ref
	} else {
		c.pool = conn.NewPool(poolCfg)
		c.closer = c.pool
	}

	trackerCfg := tracker.Config{
		Pool:           c.pool,
		Charset:        charset,
		NetworkTimeout: opts.NetworkTimeout,
		Logger:         s.logger,
		Storage: storage.Config{
			DefaultExt: opts.DefaultExt,
			Metrics:    s.metrics,
		},
	}
	for _, ep := range opts.Trackers {
		c.trackers = append(c.trackers, tracker.New(ep, trackerCfg))
	}

	c.logger.Info().
		Int("trackers", len(c.trackers)).
		Str("charset", charset.Name()).
		Int("pool_size", opts.PoolSize).
		Msg("Client created")
	return c, nil
}

// Options returns the settings the client was created with
func (c *Client) Options() types.Options {
	return c.opts
}

// Stats returns a snapshot of the connection pool
func (c *Client) Stats() PoolStats {
	return c.pool.Stats()
}

// Close releases the client's connections. With a shared pool only the
// last client to close tears the sockets down.
func (c *Client) Close() error {
	return c.closer.Close()
}

// Trackers returns a handle for every configured tracker in configuration
// order
func (c *Client) Trackers() []*tracker.Tracker {
	return append([]*tracker.Tracker(nil), c.trackers...)
}

// Tracker returns the next reachable tracker in rotation
func (c *Client) Tracker(ctx context.Context) (*tracker.Tracker, error) {
	tr, err := c.resolveTracker(ctx, c.logger)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// resolveTracker advances the cursor, probes trackers starting there and
// returns the first that accepts a connection. The cursor then points at
// that tracker. Concurrent resolutions each start one tracker further on.
func (c *Client) resolveTracker(ctx context.Context, logger zerolog.Logger) (*tracker.Tracker, error) {
	n := len(c.trackers)
	c.mu.Lock()
	c.cursor = (c.cursor + 1) % n
	start := c.cursor
	c.mu.Unlock()

	var errs error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		tr := c.trackers[idx]
		addr := tr.Endpoint().String()

		err := tr.Probe(ctx)
		c.metrics.RecordTrackerAttempt(addr, err == nil)
		if err == nil {
			c.mu.Lock()
			c.cursor = idx
			c.mu.Unlock()

			if i > 0 {
				from := c.trackers[start].Endpoint().String()
				c.metrics.RecordFailover(from, addr)
				logger.Info().Str("from", from).Str("to", addr).Msg("Tracker failover")
			}
			return tr, nil
		}

		if ctx.Err() != nil {
			return nil, errors.FromContext(ctx.Err())
		}
		if errors.HasCode(err, errors.ErrCodePoolClosed) {
			return nil, err
		}
		logger.Warn().Err(err).Str("tracker", addr).Msg("Tracker unreachable")
		errs = multierr.Append(errs, err)
	}

	return nil, errors.Newf(errors.ErrCodeTrackersExhausted, "all %d trackers failed", n).
		WithCause(errs).
		WithComponent("client")
}

// query runs fn against trackers in rotation until it succeeds, fails with
// an error that another tracker would not fix, or every tracker was tried.
func (c *Client) query(ctx context.Context, logger zerolog.Logger, fn func(*tracker.Tracker) error) error {
	var errs error
	for attempt := 0; attempt < len(c.trackers); attempt++ {
		tr, err := c.resolveTracker(ctx, logger)
		if err != nil {
			return err
		}

		err = fn(tr)
		if err == nil || !errors.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		logger.Warn().Err(err).Str("tracker", tr.Endpoint().String()).Msg("Tracker query failed, trying next tracker")
		errs = multierr.Append(errs, err)
	}

	return errors.Newf(errors.ErrCodeTrackersExhausted, "query failed on all %d trackers", len(c.trackers)).
		WithCause(errs).
		WithComponent("client")
}

// do runs one logical operation with a request id, logging and metrics.
// fn returns the number of payload bytes moved.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context, zerolog.Logger) (int64, error)) error {
	requestID := uuid.NewString()
	logger := c.logger.With().Str("request_id", requestID).Str("op", op).Logger()

	start := time.Now()
	size, err := fn(ctx, logger)
	duration := time.Since(start)

	c.metrics.RecordOperation(op, duration, size, err == nil)
	if err != nil {
		if fdfsErr, ok := errors.As(err); ok && fdfsErr.RequestID == "" {
			fdfsErr.RequestID = requestID
		}
		c.metrics.RecordError(op, err)
		logger.Debug().Err(err).Dur("duration", duration).Msg("Operation failed")
		return err
	}

	logger.Debug().Int64("size", size).Dur("duration", duration).Msg("Operation completed")
	return nil
}

func (c *Client) storeStorage(ctx context.Context, logger zerolog.Logger, group string) (*storage.Storage, error) {
	var st *storage.Storage
	err := c.query(ctx, logger, func(tr *tracker.Tracker) (err error) {
		st, err = tr.StoreStorage(ctx, group)
		return err
	})
	return st, err
}

func (c *Client) fetchStorage(ctx context.Context, logger zerolog.Logger, id types.FileID) (*storage.Storage, error) {
	var st *storage.Storage
	err := c.query(ctx, logger, func(tr *tracker.Tracker) (err error) {
		st, err = tr.FetchStorage(ctx, id)
		return err
	})
	return st, err
}

func (c *Client) updateStorage(ctx context.Context, logger zerolog.Logger, id types.FileID) (*storage.Storage, error) {
	var st *storage.Storage
	err := c.query(ctx, logger, func(tr *tracker.Tracker) (err error) {
		st, err = tr.UpdateStorage(ctx, id)
		return err
	})
	return st, err
}
