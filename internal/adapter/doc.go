/*
Package adapter wires a FastDFS client together from a config.Configuration.

It builds the zerolog logger described by the logging section, a
Prometheus collector from the metrics section, and a client.Client from the
trackers and client sections with that collector installed as both the
operation metrics sink and the pool observer.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}

	a, err := adapter.New(cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(context.Background())

	id, err := a.Client().UploadFile(ctx, "/tmp/photo.jpg", "")

When the health section is enabled, Start also sends an active test to
every tracker each interval. The results are kept in a health.Monitor, and
the metrics server's /health endpoint answers 503 once no tracker is usable.

With WithRegistry, adapters configured with the same pool_name share one
connection pool, which is closed when the last of them stops.
*/
package adapter
