/*
Package metrics exports FastDFS client instrumentation to Prometheus.

A Collector implements both types.MetricsCollector and types.PoolObserver,
so one value is handed to the client for operation, topology and transfer
events and to its connection pool for socket lifecycle events:

	collector, err := metrics.NewCollector(cfg, logger)
	if err != nil {
		return err
	}
	c, err := client.New(opts,
		client.WithMetrics(collector),
		client.WithPoolObserver(collector))

Exported series (namespace "fdfs" by default):

	operations_total{operation,status}
	operation_duration_seconds{operation}
	operation_size_bytes{operation}
	errors_total{operation,type}
	transfer_bytes_total{direction}
	tracker_attempts_total{tracker,status}
	tracker_failovers_total{from,to}
	open_connections{address}
	dials_total{address,status}
	reservation_wait_seconds{address}

Start serves the registry on the configured port and path together with
/health and a plain-text /debug/operations summary. A disabled Collector
accepts every call and records nothing.
*/
package metrics
