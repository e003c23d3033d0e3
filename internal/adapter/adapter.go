package adapter

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/objectfs/fdfs/internal/config"
	"github.com/objectfs/fdfs/internal/metrics"
	"github.com/objectfs/fdfs/pkg/client"
	"github.com/objectfs/fdfs/pkg/health"
	"github.com/objectfs/fdfs/pkg/tracker"
	"github.com/objectfs/fdfs/pkg/utils"
)

// Adapter assembles a client, its logger and its metrics collector from a
// Configuration and manages their lifecycle
type Adapter struct {
	mu      sync.Mutex
	config  *config.Configuration
	logger  zerolog.Logger
	logFile io.Closer
	metrics *metrics.Collector
	client  *client.Client
	health  *health.Monitor
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

// HealthReport is the /health response body
type HealthReport struct {
	Status   health.State          `json:"status"`
	Trackers []health.ServerHealth `json:"trackers"`
}

type settings struct {
	registry  *client.Registry
	logOutput io.Writer
}

// Option customizes an Adapter
type Option func(*settings)

// WithRegistry makes the client share the pool named by the configured
// pool_name in registry
func WithRegistry(registry *client.Registry) Option {
	return func(s *settings) { s.registry = registry }
}

// WithLogOutput sends logs to w instead of the configured file or stderr
func WithLogOutput(w io.Writer) Option {
	return func(s *settings) { s.logOutput = w }
}

// New validates cfg and builds the components. Nothing listens or connects
// until Start and the first client operation.
func New(cfg *config.Configuration, options ...Option) (*Adapter, error) {
	var s settings
	for _, opt := range options {
		opt(&s)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logFile, err := utils.NewLogger(utils.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Output: s.logOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
	}, logger)
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	clientOpts := []client.Option{
		client.WithLogger(logger),
		client.WithMetrics(collector),
		client.WithPoolObserver(collector),
	}
	if s.registry != nil {
		clientOpts = append(clientOpts, client.WithSharedPool(s.registry, cfg.Client.PoolName))
	}
	c, err := client.New(opts, clientOpts...)
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	a := &Adapter{
		config:  cfg,
		logger:  logger.With().Str("component", "adapter").Logger(),
		logFile: logFile,
		metrics: collector,
		client:  c,
	}
	if cfg.Health.Enabled {
		a.health = health.NewMonitor(health.Config{
			ErrorThreshold:       cfg.Health.ErrorThreshold,
			UnavailableThreshold: cfg.Health.UnavailableThreshold,
			Interval:             cfg.Health.Interval,
			Timeout:              cfg.Health.Timeout,
		})
		for _, tr := range c.Trackers() {
			a.health.Register(tr.Endpoint().String())
		}
		a.health.OnStateChange(func(address string, from, to health.State, err error) {
			a.logger.Warn().Err(err).Str("tracker", address).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Tracker health changed")
		})
		collector.SetHealthCheck(a.healthReport)
	}
	return a, nil
}

// Client returns the configured client
func (a *Adapter) Client() *client.Client {
	return a.client
}

// Metrics returns the metrics collector
func (a *Adapter) Metrics() *metrics.Collector {
	return a.metrics
}

// Logger returns the root logger
func (a *Adapter) Logger() zerolog.Logger {
	return a.logger
}

// Health returns the tracker health monitor, nil when health checks are
// disabled
func (a *Adapter) Health() *health.Monitor {
	return a.health
}

func (a *Adapter) healthReport() (bool, interface{}) {
	report := HealthReport{
		Status:   a.health.Overall(),
		Trackers: a.health.Servers(),
	}
	return report.Status != health.StateUnavailable, report
}

// checkTracker sends an active test to the tracker at address
func (a *Adapter) checkTracker(ctx context.Context, address string) error {
	var tr *tracker.Tracker
	for _, t := range a.client.Trackers() {
		if t.Endpoint().String() == address {
			tr = t
			break
		}
	}
	if tr == nil {
		return fmt.Errorf("unknown tracker %s", address)
	}
	return tr.ActiveTest(ctx)
}

// Start serves metrics when enabled and starts the tracker health checks.
// The first check round runs immediately in the background.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return fmt.Errorf("adapter already stopped")
	}
	if a.started {
		return fmt.Errorf("adapter already started")
	}

	if err := a.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	a.started = true

	if a.health != nil {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.cancel = cancel
		a.done = make(chan struct{})
		go func() {
			defer close(a.done)
			a.health.CheckAll(runCtx, a.checkTracker)
			a.health.Run(runCtx, a.checkTracker)
		}()
	}

	opts := a.client.Options()
	a.logger.Info().
		Int("trackers", len(opts.Trackers)).
		Int("pool_size", opts.PoolSize).
		Str("write_queue", utils.FormatBytes(int64(opts.WriteQueueSize))).
		Bool("metrics", a.config.Metrics.Enabled).
		Bool("health_checks", a.health != nil).
		Msg("Adapter started")
	return nil
}

// Stop ends the health checks, closes the client, stops the metrics server
// and closes the log file. It may be called without Start and more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil
	}
	a.stopped = true

	if a.cancel != nil {
		a.cancel()
		<-a.done
	}

	a.logger.Info().Interface("pool", a.client.Stats()).Msg("Stopping adapter")

	var err error
	err = multierr.Append(err, a.client.Close())
	err = multierr.Append(err, a.metrics.Stop(ctx))
	err = multierr.Append(err, a.logFile.Close())
	return err
}
