package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set FORKRPC_ETCD_ENDPOINTS=127.0.0.1:2379 to run against a live etcd.
func etcdEndpoints(t *testing.T) []string {
	raw := os.Getenv("FORKRPC_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("FORKRPC_ETCD_ENDPOINTS not set")
	}
	return strings.Split(raw, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), nil)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool := "test-" + time.Now().Format("150405.000000")
	w1 := WorkerInstance{ID: "w1", Pool: pool, Host: "localhost", PID: 101, Started: time.Now().UTC()}
	w2 := WorkerInstance{ID: "w2", Pool: pool, Host: "localhost", PID: 102, Started: time.Now().UTC()}

	require.NoError(t, reg.Register(ctx, w1, 10))
	require.NoError(t, reg.Register(ctx, w2, 10))

	instances, err := reg.Discover(ctx, pool)
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	require.NoError(t, reg.Deregister(ctx, pool, w1.ID))

	instances, err = reg.Discover(ctx, pool)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "w2", instances[0].ID)
	assert.Equal(t, 102, instances[0].PID)

	require.NoError(t, reg.Deregister(ctx, pool, w2.ID))
}

func TestEtcdWatch(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), nil)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool := "watch-" + time.Now().Format("150405.000000")
	updates := reg.Watch(ctx, pool)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, reg.Register(ctx, WorkerInstance{ID: "w1", Pool: pool}, 10))
	select {
	case list := <-updates:
		require.Len(t, list, 1)
		assert.Equal(t, "w1", list[0].ID)
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
	require.NoError(t, reg.Deregister(ctx, pool, "w1"))
}

func TestEtcdFailedPutRevokesLease(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), nil)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	before, err := reg.client.Leases(ctx)
	require.NoError(t, err)
	known := make(map[int64]bool, len(before.Leases))
	for _, l := range before.Leases {
		known[int64(l.ID)] = true
	}

	// Larger than any request etcd accepts.
	huge := WorkerInstance{ID: "huge", Pool: "oversize", Host: strings.Repeat("x", 3<<20)}
	require.Error(t, reg.Register(ctx, huge, 10))

	after, err := reg.client.Leases(ctx)
	require.NoError(t, err)
	for _, l := range after.Leases {
		assert.True(t, known[int64(l.ID)], "lease %x left behind", l.ID)
	}
	assert.Empty(t, reg.leases)
}
