package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/types"
)

var (
	_ types.MetricsCollector = (*Collector)(nil)
	_ types.PoolObserver     = (*Collector)(nil)
)

// Collector exports client instrumentation as Prometheus metrics. It is both
// the MetricsCollector handed to the client and the PoolObserver handed to
// its connection pool.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   zerolog.Logger

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	transferBytes     *prometheus.CounterVec
	trackerAttempts   *prometheus.CounterVec
	failoverCounter   *prometheus.CounterVec
	connections       *prometheus.GaugeVec
	dialCounter       *prometheus.CounterVec
	reservationWait   *prometheus.HistogramVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	server   *http.Server
	listener net.Listener
	health   HealthFunc
}

// HealthFunc reports whether the client is usable and a JSON-encodable
// report served by /health
type HealthFunc func() (healthy bool, report interface{})

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// DefaultConfig returns an enabled configuration serving /metrics on 9100
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9100,
		Path:      "/metrics",
		Namespace: "fdfs",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector. A disabled collector
// accepts every call and records nothing.
func NewCollector(config *Config, logger zerolog.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Collector{
		config:     config,
		logger:     logger.With().Str("component", "metrics").Logger(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

// SetHealthCheck replaces the static /health response with fn
func (c *Collector) SetHealthCheck(fn HealthFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = fn
}

// Registry returns the Prometheus registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics and debug endpoints
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.config.Enabled {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start listens on the configured port and serves Handler in the
// background. It returns once the listener is bound.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port %d: %w", c.config.Port, err)
	}

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	c.logger.Info().Str("addr", ln.Addr().String()).Str("path", c.config.Path).Msg("Metrics server started")
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Addr returns the bound metrics address, empty before Start
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server, c.listener = nil, nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records a completed client operation
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, exists := c.operations[operation]
	if !exists {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status(success),
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())

	if size > 0 {
		c.operationSize.With(prometheus.Labels{
			"operation": operation,
		}).Observe(float64(size))
	}
}

// RecordError records a failed operation by error class
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

// RecordFailover records a move from one tracker to another
func (c *Collector) RecordFailover(from, to string) {
	if !c.config.Enabled {
		return
	}
	c.failoverCounter.With(prometheus.Labels{"from": from, "to": to}).Inc()
}

// RecordTrackerAttempt records a tracker probe
func (c *Collector) RecordTrackerAttempt(tracker string, success bool) {
	if !c.config.Enabled {
		return
	}
	c.trackerAttempts.With(prometheus.Labels{"tracker": tracker, "status": status(success)}).Inc()
}

// RecordBytes counts payload bytes moved in direction
func (c *Collector) RecordBytes(direction string, n int64) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.transferBytes.With(prometheus.Labels{"direction": direction}).Add(float64(n))
}

// ConnectionDialed records a connect attempt to address
func (c *Collector) ConnectionDialed(address string, err error) {
	if !c.config.Enabled {
		return
	}
	c.dialCounter.With(prometheus.Labels{"address": address, "status": status(err == nil)}).Inc()
	if err == nil {
		c.connections.With(prometheus.Labels{"address": address}).Inc()
	}
}

// ConnectionClosed records the loss of an open socket to address
func (c *Collector) ConnectionClosed(address string) {
	if !c.config.Enabled {
		return
	}
	c.connections.With(prometheus.Labels{"address": address}).Dec()
}

// ReservationWaited records how long a caller queued for a connection
func (c *Collector) ReservationWaited(address string, wait time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.reservationWait.With(prometheus.Labels{"address": address}).Observe(wait.Seconds())
}

// Operations returns a copy of the per-operation totals
func (c *Collector) Operations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		ops[k] = *v
	}
	return ops
}

// ResetMetrics resets the per-operation totals. Prometheus counters are
// monotonic and keep their values.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "operations_total",
		Help: "Total number of client operations",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_duration_seconds",
		Help:    "Duration of client operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_size_bytes",
		Help:    "Payload size of client operations in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 11), // 1KB to ~1GB
	}, []string{"operation"})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "errors_total",
		Help: "Total number of failed operations by error class",
	}, []string{"operation", "type"})

	c.transferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "transfer_bytes_total",
		Help: "File payload bytes sent to and received from storage servers",
	}, []string{"direction"})

	c.trackerAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "tracker_attempts_total",
		Help: "Tracker connection attempts",
	}, []string{"tracker", "status"})

	c.failoverCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "tracker_failovers_total",
		Help: "Operations served by a tracker other than the first one tried",
	}, []string{"from", "to"})

	c.connections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "open_connections",
		Help: "Open sockets per server address",
	}, []string{"address"})

	c.dialCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "dials_total",
		Help: "Connect attempts per server address",
	}, []string{"address", "status"})

	c.reservationWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "reservation_wait_seconds",
		Help:    "Time callers queued for a busy connection",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"address"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.errorCounter,
		c.transferBytes,
		c.trackerAttempts,
		c.failoverCounter,
		c.connections,
		c.dialCounter,
		c.reservationWait,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// classifyError maps an error onto its category, with context
// cancellation reported separately.
func classifyError(err error) string {
	switch {
	case errors.HasCode(err, errors.ErrCodeCanceled):
		return "canceled"
	case errors.HasCode(err, errors.ErrCodeServerStatus):
		return "server_status"
	case errors.IsTimeout(err):
		return "timeout"
	case errors.IsConnection(err):
		return "connection"
	case errors.IsProtocol(err):
		return "protocol"
	case errors.IsValidation(err):
		return "validation"
	case errors.IsTopology(err):
		return "topology"
	default:
		return "other"
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	fn := c.health
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if fn == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"fdfs-client-metrics"}`))
		return
	}

	healthy, report := fn()
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to write health report")
	}
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()
	ops := c.Operations()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("FastDFS Client Operations\n")
	writef("=========================\n\n")
	writef("Since: %v\n\n", lastReset.Format(time.RFC3339))

	if len(ops) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-16s %10s %10s %14s %12s\n", "Operation", "Count", "Errors", "Avg Duration", "Avg Size")
	for _, name := range names {
		op := ops[name]
		writef("%-16s %10d %10d %14v %12.0f\n", name, op.Count, op.Errors, op.AvgDuration, op.AvgSize)
	}
}
