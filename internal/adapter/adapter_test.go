package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fdfs/internal/config"
	"github.com/objectfs/fdfs/internal/fdfstest"
	"github.com/objectfs/fdfs/internal/protocol"
	"github.com/objectfs/fdfs/pkg/client"
	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/health"
	"github.com/objectfs/fdfs/pkg/storage"
	"github.com/objectfs/fdfs/pkg/types"
)

// createTestConfig points a configuration at srv with metrics on a random port
func createTestConfig(srv *fdfstest.Server) *config.Configuration {
	cfg := config.NewDefault()
	cfg.Trackers = []types.Endpoint{srv.Endpoint()}
	cfg.Client.NetworkTimeout = 2 * time.Second
	cfg.Client.DefaultExt = "dat"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 0
	cfg.Logging.Level = "DEBUG"
	return cfg
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("valid configuration", func(t *testing.T) {
		srv := fdfstest.NewServer(t)
		a, err := New(createTestConfig(srv), WithLogOutput(io.Discard))
		require.NoError(t, err)
		defer a.Stop(ctx)

		opts := a.Client().Options()
		assert.Equal(t, []types.Endpoint{srv.Endpoint()}, opts.Trackers)
		assert.Equal(t, "dat", opts.DefaultExt)
		assert.Equal(t, 64*1024, opts.WriteQueueSize)
		assert.NotNil(t, a.Metrics().Registry())
		assert.Equal(t, int64(0), srv.Accepted(), "nothing connects before the first operation")
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfg := config.NewDefault()
		_, err := New(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
	})

	t.Run("unknown charset", func(t *testing.T) {
		srv := fdfstest.NewServer(t)
		cfg := createTestConfig(srv)
		cfg.Client.Charset = "klingon"
		_, err := New(cfg, WithLogOutput(io.Discard))
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeUnsupportedCharset))
	})
}

func TestAdapterLifecycle(t *testing.T) {
	srv := fdfstest.NewServer(t)
	var logs bytes.Buffer
	ctx := context.Background()

	a, err := New(createTestConfig(srv), WithLogOutput(&logs))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	id, err := a.Client().Upload(ctx, storage.Bytes([]byte("through the adapter")), "")
	require.NoError(t, err)
	assert.Contains(t, id.Name, ".dat")

	resp, err := http.Get("http://" + a.Metrics().Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.Contains(t, string(body), `fdfs_operations_total{operation="upload",status="success"} 1`)

	require.NoError(t, a.Stop(ctx))
	assert.NoError(t, a.Stop(ctx), "stop is idempotent")
	assert.Contains(t, logs.String(), "Adapter started")
	assert.Contains(t, logs.String(), "Stopping adapter")

	_, err = a.Client().Upload(ctx, storage.Bytes([]byte("late")), "")
	assert.True(t, errors.HasCode(err, errors.ErrCodePoolClosed))
}

func TestAdapterDoubleStart(t *testing.T) {
	srv := fdfstest.NewServer(t)
	ctx := context.Background()

	a, err := New(createTestConfig(srv), WithLogOutput(io.Discard))
	require.NoError(t, err)
	defer a.Stop(ctx)

	require.NoError(t, a.Start(ctx))
	err = a.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestAdapterStartAfterStop(t *testing.T) {
	srv := fdfstest.NewServer(t)
	ctx := context.Background()

	a, err := New(createTestConfig(srv), WithLogOutput(io.Discard))
	require.NoError(t, err)
	require.NoError(t, a.Stop(ctx), "stop without start releases resources")

	err = a.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already stopped")
}

func TestAdaptersShareRegistryPool(t *testing.T) {
	srv := fdfstest.NewServer(t)
	registry := client.NewRegistry()
	ctx := context.Background()

	cfg := createTestConfig(srv)
	cfg.Metrics.Enabled = false
	cfg.Client.PoolName = "uploads"

	a, err := New(cfg, WithRegistry(registry), WithLogOutput(io.Discard))
	require.NoError(t, err)
	b, err := New(cfg, WithRegistry(registry), WithLogOutput(io.Discard))
	require.NoError(t, err)
	assert.Equal(t, 2, registry.Refs("uploads"))

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, 1, registry.Refs("uploads"))

	_, err = b.Client().Upload(ctx, storage.Bytes([]byte("still open")), "txt")
	require.NoError(t, err)

	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, 0, registry.Refs("uploads"))
}

func TestAdapterTrackerHealth(t *testing.T) {
	srv := fdfstest.NewServer(t)
	refused, err := types.ParseEndpoint(fdfstest.RefusedAddr(t), types.DefaultTrackerPort)
	require.NoError(t, err)
	ctx := context.Background()

	cfg := createTestConfig(srv)
	cfg.Trackers = append(cfg.Trackers, refused)
	cfg.Client.ConnectTimeout = 500 * time.Millisecond
	cfg.Health.Enabled = true
	cfg.Health.Interval = 20 * time.Millisecond
	cfg.Health.ErrorThreshold = 1
	cfg.Health.UnavailableThreshold = 2

	var logs bytes.Buffer
	a, err := New(cfg, WithLogOutput(&logs))
	require.NoError(t, err)
	require.NotNil(t, a.Health())
	require.NoError(t, a.Start(ctx))

	assert.Eventually(t, func() bool {
		return a.Health().State(refused.String()) == health.StateUnavailable
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, health.StateHealthy, a.Health().State(srv.Endpoint().String()))
	assert.Equal(t, health.StateDegraded, a.Health().Overall())

	resp, err := http.Get("http://" + a.Metrics().Addr() + "/health")
	require.NoError(t, err)
	var report struct {
		Status   string `json:"status"`
		Trackers []struct {
			Address string `json:"address"`
			State   string `json:"state"`
		} `json:"trackers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", report.Status)
	assert.Len(t, report.Trackers, 2)

	assert.Contains(t, srv.Commands(), protocol.ActiveTest)

	require.NoError(t, a.Stop(ctx))
	assert.Contains(t, logs.String(), "Tracker health changed")
}
