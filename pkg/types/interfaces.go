package types

import (
	"time"
)

// MetricsCollector receives instrumentation from the engine
type MetricsCollector interface {
	// Logical operations
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordError(operation string, err error)

	// Topology
	RecordFailover(from, to string)
	RecordTrackerAttempt(tracker string, success bool)

	// Transfer
	RecordBytes(direction string, n int64)
}

// PoolObserver is notified of connection lifecycle events
type PoolObserver interface {
	ConnectionDialed(address string, err error)
	ConnectionClosed(address string)
	ReservationWaited(address string, wait time.Duration)
}

// NopMetrics is a MetricsCollector that discards everything
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (NopMetrics) RecordError(string, error) {}
func (NopMetrics) RecordFailover(string, string) {}
func (NopMetrics) RecordTrackerAttempt(string, bool) {}
func (NopMetrics) RecordBytes(string, int64) {}

// NopPoolObserver is a PoolObserver that discards everything
type NopPoolObserver struct{}

func (NopPoolObserver) ConnectionDialed(string, error) {}
func (NopPoolObserver) ConnectionClosed(string) {}
func (NopPoolObserver) ReservationWaited(string, time.Duration) {}
