// Package health tracks the reachability of servers from the results of
// periodic checks and reports an overall state.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the health of one server or of the whole client
type State int

const (
	// StateHealthy means recent checks succeeded
	StateHealthy State = iota

	// StateDegraded means at least ErrorThreshold consecutive checks failed
	StateDegraded

	// StateUnavailable means at least UnavailableThreshold consecutive checks failed
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ServerHealth is the health record of one server
type ServerHealth struct {
	Address           string    `json:"address"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorMessage  string    `json:"last_error_message,omitempty"`
}

// Config configures health tracking behavior
type Config struct {
	// ErrorThreshold is the number of consecutive failures before a server is degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive failures before a server is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// Interval is the time between check rounds
	Interval time.Duration `yaml:"interval" json:"interval"`

	// Timeout bounds a single check
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns a default monitor configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       1,
		UnavailableThreshold: 3,
		Interval:             30 * time.Second,
		Timeout:              5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.UnavailableThreshold < c.ErrorThreshold {
		c.UnavailableThreshold = c.ErrorThreshold
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// CheckFunc checks the server at address
type CheckFunc func(ctx context.Context, address string) error

// StateChangeCallback is called when a server's health state changes
type StateChangeCallback func(address string, oldState, newState State, err error)

// Monitor tracks the health of a set of servers
type Monitor struct {
	mu        sync.RWMutex
	servers   map[string]*ServerHealth
	config    Config
	callbacks []StateChangeCallback
}

// NewMonitor creates a monitor with no servers
func NewMonitor(config Config) *Monitor {
	return &Monitor{
		servers: make(map[string]*ServerHealth),
		config:  config.withDefaults(),
	}
}

// Register adds address in the healthy state
func (m *Monitor) Register(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[address]; !exists {
		now := time.Now()
		m.servers[address] = &ServerHealth{
			Address:         address,
			State:           StateHealthy,
			LastStateChange: now,
		}
	}
}

// OnStateChange registers a callback run synchronously after every change
func (m *Monitor) OnStateChange(callback StateChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// RecordSuccess marks address healthy
func (m *Monitor) RecordSuccess(address string) {
	m.record(address, nil)
}

// RecordError counts a failed check of address
func (m *Monitor) RecordError(address string, err error) {
	m.record(address, err)
}

func (m *Monitor) record(address string, err error) {
	m.mu.Lock()
	h, exists := m.servers[address]
	if !exists {
		m.mu.Unlock()
		return
	}

	oldState := h.State
	h.LastCheck = time.Now()
	if err == nil {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
		h.State = StateHealthy
	} else {
		h.ConsecutiveErrors++
		h.LastErrorMessage = err.Error()
		switch {
		case h.ConsecutiveErrors >= m.config.UnavailableThreshold:
			h.State = StateUnavailable
		case h.ConsecutiveErrors >= m.config.ErrorThreshold:
			h.State = StateDegraded
		}
	}
	newState := h.State
	if newState != oldState {
		h.LastStateChange = h.LastCheck
	}
	callbacks := append([]StateChangeCallback(nil), m.callbacks...)
	m.mu.Unlock()

	if newState != oldState {
		for _, cb := range callbacks {
			cb(address, oldState, newState, err)
		}
	}
}

// State returns the state of address, unavailable when unknown
func (m *Monitor) State(address string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, exists := m.servers[address]; exists {
		return h.State
	}
	return StateUnavailable
}

// Server returns a copy of the record for address
func (m *Monitor) Server(address string) (ServerHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, exists := m.servers[address]
	if !exists {
		return ServerHealth{}, fmt.Errorf("server %s not registered", address)
	}
	return *h, nil
}

// Servers returns copies of every record ordered by address
func (m *Monitor) Servers() []ServerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ServerHealth, 0, len(m.servers))
	for _, h := range m.servers {
		result = append(result, *h)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result
}

// Overall is healthy while every server is healthy, unavailable when no
// server is usable and degraded otherwise. Any one healthy tracker can
// serve every operation.
func (m *Monitor) Overall() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.servers) == 0 {
		return StateHealthy
	}

	usable, healthy := 0, 0
	for _, h := range m.servers {
		if h.State != StateUnavailable {
			usable++
		}
		if h.State == StateHealthy {
			healthy++
		}
	}
	switch {
	case healthy == len(m.servers):
		return StateHealthy
	case usable == 0:
		return StateUnavailable
	default:
		return StateDegraded
	}
}

// CheckAll runs check against every registered server once
func (m *Monitor) CheckAll(ctx context.Context, check CheckFunc) {
	m.mu.RLock()
	addresses := make([]string, 0, len(m.servers))
	for address := range m.servers {
		addresses = append(addresses, address)
	}
	m.mu.RUnlock()
	sort.Strings(addresses)

	for _, address := range addresses {
		checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		err := check(checkCtx, address)
		cancel()
		if ctx.Err() != nil {
			return
		}
		m.record(address, err)
	}
}

// Run checks every server each interval until ctx is done
func (m *Monitor) Run(ctx context.Context, check CheckFunc) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx, check)
		}
	}
}
