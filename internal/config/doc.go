/*
Package config loads the client configuration from YAML files and FDFS_*
environment variables.

Sources are applied in order, later ones overriding earlier ones:

	NewDefault()  →  LoadFromFile(path)  →  LoadFromEnv()

A minimal file:

	trackers:
	  - host: 192.168.1.10
	    port: 22122
	  - host: 192.168.1.11
	    port: 22122
	client:
	  network_timeout: 30s
	  default_ext: jpg
	  write_queue_size: 128KB
	logging:
	  level: INFO
	  format: json
	metrics:
	  enabled: true
	  port: 9100

Environment variables:

	FDFS_TRACKERS          comma separated host[:port] list, port defaults to 22122
	FDFS_CHARSET           charset of group names, file names and metadata
	FDFS_CONNECT_TIMEOUT   duration, e.g. 5s
	FDFS_NETWORK_TIMEOUT   per-response inactivity timeout
	FDFS_DEFAULT_EXT       extension used when an upload names none
	FDFS_POOL_SIZE         connections per server
	FDFS_POOL_NAME         registry name when pools are shared
	FDFS_WRITE_QUEUE_SIZE  outbound buffer high water mark, e.g. 64KB
	FDFS_READ_BUFFER_SIZE  socket read chunk size
	FDFS_LOG_LEVEL         DEBUG, INFO, WARN or ERROR
	FDFS_LOG_FORMAT        json or text
	FDFS_LOG_FILE          log file path, stderr when empty
	FDFS_METRICS_ENABLED   true to serve Prometheus metrics
	FDFS_METRICS_PORT      metrics listen port
	FDFS_HEALTH_ENABLED    true to send periodic active tests to every tracker
	FDFS_HEALTH_INTERVAL   time between health check rounds

Sizes accept human readable units ("64KB", "1MB"). Validate reports every
problem as an INVALID_CONFIG error, and Options converts a configuration into
the engine's types.Options with unset fields replaced by their defaults.
*/
package config
