package pool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"forkrpc/config"
	"forkrpc/diagnostics"
	"forkrpc/message"
	"forkrpc/registry"
	"forkrpc/server"
	"forkrpc/transport"
)

const workerEnv = "FORKRPC_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		os.Exit(server.Main(os.Args[1:], diagnostics.Catalog()))
	}
	goleak.VerifyTestMain(m)
}

func factory(wc config.WorkerConfig) Factory {
	wc.LogLevel = "error"
	return func(ctx context.Context) (*transport.Process, error) {
		return transport.Start(ctx, transport.Options{
			Command:  os.Args[0],
			Env:      []string{workerEnv + "=1"},
			Worker:   wc,
			Catalog:  diagnostics.Catalog(),
			Context:  message.ContextSpec{Name: diagnostics.ContextName},
			Instance: &diagnostics.Worker{},
		})
	}
}

func newPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	if opts.Factory == nil {
		opts.Factory = factory(config.DefaultWorkerConfig())
	}
	opts.Name = "test"
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestGetPutReuses(t *testing.T) {
	p := newPool(t, Options{MaxWorkers: 2})
	ctx := context.Background()

	w, err := p.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Call(ctx, "echo", "x"))
	id := w.ID
	p.Put(w)
	assert.Equal(t, 1, p.Idle())

	w, err = p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, w.ID, "idle worker is reused")
	p.Put(w)
	assert.Equal(t, 1, p.Live())
}

func TestGetBlocksAtCapacity(t *testing.T) {
	p := newPool(t, Options{MaxWorkers: 1})

	w, err := p.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	got := make(chan *Worker)
	go func() {
		w2, err := p.Get(context.Background())
		assert.NoError(t, err)
		got <- w2
	}()
	time.Sleep(50 * time.Millisecond)
	p.Put(w)

	select {
	case w2 := <-got:
		assert.Equal(t, w.ID, w2.ID)
		p.Put(w2)
	case <-time.After(5 * time.Second):
		t.Fatal("Get did not unblock after Put")
	}
}

func TestBrokenWorkerIsRetired(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	p := newPool(t, Options{MaxWorkers: 1, Metrics: metrics})
	ctx := context.Background()

	w, err := p.Get(ctx)
	require.NoError(t, err)
	err = w.Call(ctx, "exit", 3)
	require.True(t, errors.Is(err, transport.ErrWorkerDied))
	p.Put(w)

	assert.Equal(t, 0, p.Live())
	assert.Equal(t, 0, p.Idle())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.retired.WithLabelValues("test", "died")))

	w2, err := p.Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, w.ID, w2.ID)
	p.Put(w2)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.spawned.WithLabelValues("test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.live.WithLabelValues("test")))
}

func TestIdleWorkerDeathIsDetected(t *testing.T) {
	wc := config.DefaultWorkerConfig()
	wc.Pulse = 20 * time.Millisecond
	wc.WaitTimeout = 100 * time.Millisecond
	p := newPool(t, Options{MaxWorkers: 1, Factory: factory(wc)})
	ctx := context.Background()

	w, err := p.Get(ctx)
	require.NoError(t, err)
	p.Put(w)

	<-w.Done() // idle timeout
	w2, err := p.Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, w.ID, w2.ID)
	p.Put(w2)
}

func TestWarmRespectsMaxWorkers(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	p := newPool(t, Options{MaxWorkers: 2, Registry: reg})

	require.NoError(t, p.Warm(context.Background(), 3))
	assert.Equal(t, 2, p.Live())
	assert.Equal(t, 2, p.Idle())

	instances, err := reg.Discover(context.Background(), "test")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.NotZero(t, instances[0].PID)

	require.NoError(t, p.Close())
	instances, err = reg.Discover(context.Background(), "test")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestFactoryFailureFreesSlot(t *testing.T) {
	boom := errors.New("no fork for you")
	p := newPool(t, Options{MaxWorkers: 1, Factory: func(context.Context) (*transport.Process, error) {
		return nil, boom
	}})

	for i := 0; i < 3; i++ {
		_, err := p.Get(context.Background())
		assert.Equal(t, boom, err)
	}
	assert.Equal(t, 0, p.Live())
}

func TestClosedPool(t *testing.T) {
	p := newPool(t, Options{MaxWorkers: 1})
	w, err := p.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	_, err = p.Get(context.Background())
	assert.Equal(t, ErrPoolClosed, err)

	// Checked-out workers are retired on return.
	p.Put(w)
	assert.Equal(t, 0, p.Live())
	<-w.Done()
	assert.Equal(t, server.ExitOK, w.ExitCode())
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{MaxWorkers: 0, Factory: factory(config.DefaultWorkerConfig())})
	assert.Error(t, err)
	_, err = New(Options{MaxWorkers: 1})
	assert.Error(t, err)
}
