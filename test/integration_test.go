package test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkrpc/client"
	"forkrpc/config"
	"forkrpc/diagnostics"
	"forkrpc/message"
	"forkrpc/server"
	"forkrpc/transport"
)

const workerEnv = "FORKRPC_TEST_WORKER"

// The test binary doubles as the worker executable.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		os.Exit(server.Main(os.Args[1:], diagnostics.Catalog()))
	}
	os.Exit(m.Run())
}

func poolConfig(t testing.TB, codecName string, maxWorkers int) config.PoolConfig {
	cfg, err := config.ParsePoolConfig([]byte(fmt.Sprintf(`
command: placeholder
max_workers: %d
codec: %s
log_level: error
pulse: 100ms
context:
  name: diagnostics
worker:
  type: diagnostics.worker
`, maxWorkers, codecName)))
	require.NoError(t, err)
	cfg.Command = os.Args[0]
	cfg.Env = []string{workerEnv + "=1"}
	return cfg
}

// Client → Pool → Process → pipes → Server → diagnostics worker, and back.
func TestFullRoundTrip(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			c, err := client.FromConfig(poolConfig(t, name, 2), diagnostics.Catalog(),
				client.WithRegisterer(prometheus.NewRegistry()),
				client.WithResources(func(res string) ([]byte, bool) {
					return []byte(strings.ToUpper(res)), true
				}))
			require.NoError(t, err)
			defer c.Close()
			ctx := context.Background()

			require.NoError(t, c.Call(ctx, "echo", "x"))

			err = c.Call(ctx, "explode")
			var fault *message.Fault
			require.True(t, errors.As(err, &fault), "got %v", err)
			assert.Equal(t, "boom", fault.Message)

			err = c.Call(ctx, "coded", 404, "not here")
			var coded *diagnostics.CodedError
			require.True(t, errors.As(err, &coded))
			assert.Equal(t, int64(404), coded.Code)

			require.NoError(t, c.Call(ctx, "check", "abc", "ABC"))
			require.NoError(t, c.Ping(ctx))
		})
	}
}

func TestConcurrentCallsShareBoundedPool(t *testing.T) {
	c, err := client.FromConfig(poolConfig(t, "json", 3), diagnostics.Catalog())
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Call(context.Background(), "sleep", 5)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, c.Pool().Live(), 3)

	workers, err := c.Workers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c.Pool().Live(), len(workers))
}

func TestCrashIsolation(t *testing.T) {
	c, err := client.FromConfig(poolConfig(t, "json", 1), diagnostics.Catalog(),
		client.WithRetry(0, 0))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	// A panic is a fault; the same worker keeps serving.
	require.Error(t, c.Call(ctx, "panic", "inside worker"))
	before, err := c.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, before, 1)

	// Process exit is a worker death, never a fault.
	err = c.Call(ctx, "exit", 1)
	assert.True(t, errors.Is(err, transport.ErrWorkerDied), "got %v", err)

	require.NoError(t, c.Call(ctx, "echo", "still here"))
	after, err := c.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].ID, after[0].ID)
	assert.NotEqual(t, before[0].PID, after[0].PID)
}

func TestEtcdPublishedWorkers(t *testing.T) {
	raw := os.Getenv("FORKRPC_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("FORKRPC_ETCD_ENDPOINTS not set")
	}
	cfg := poolConfig(t, "json", 2)
	cfg.Registry.Endpoints = strings.Split(raw, ",")
	cfg.Registry.Pool = "integration-" + time.Now().Format("150405.000000")

	c, err := client.FromConfig(cfg, diagnostics.Catalog())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Warm(ctx, 2))
	workers, err := c.Workers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	require.NoError(t, c.Close())
}
