package registry

// etcd layout:
//
//	Key:   /forkrpc/workers/{pool}/{id}
//	Value: JSON-encoded WorkerInstance
//
// Each instance gets its own lease. If the parent dies without deregistering, the
// lease expires and its workers disappear with it.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "/forkrpc/workers/"
	revokeTimeout = 5 * time.Second
)

type EtcdRegistry struct {
	client *clientv3.Client
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // by key
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc // stops the keep-alive
}

func NewEtcdRegistry(endpoints []string, log *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, errors.Wrap(err, "registry: connect etcd")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EtcdRegistry{client: c, log: log, leases: make(map[string]lease)}, nil
}

func instanceKey(pool, id string) string {
	return keyPrefix + pool + "/" + id
}

// Register puts the instance under a fresh lease and keeps the lease alive in the
// background until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, inst WorkerInstance, ttl int64) error {
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	granted, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "registry: grant lease")
	}

	key := instanceKey(inst.Pool, inst.ID)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(granted.ID)); err != nil {
		r.revoke(granted.ID)
		return errors.Wrapf(err, "registry: put %s", key)
	}

	// The keep-alive outlives ctx, which only bounds registration.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, granted.ID)
	if err != nil {
		cancel()
		r.revoke(granted.ID)
		return errors.Wrap(err, "registry: keep lease alive")
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	r.leases[key] = lease{id: granted.ID, cancel: cancel}
	r.mu.Unlock()
	return nil
}

// revoke drops a lease that never made it into r.leases. The registration context may
// already be done, so it gets its own deadline.
func (r *EtcdRegistry) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()
	if _, err := r.client.Revoke(ctx, id); err != nil {
		r.log.Warn("revoke abandoned lease", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}

// Deregister revokes the instance's lease, which deletes its key.
func (r *EtcdRegistry) Deregister(ctx context.Context, pool string, id string) error {
	key := instanceKey(pool, id)
	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if !ok {
		_, err := r.client.Delete(ctx, key)
		return errors.Wrapf(err, "registry: delete %s", key)
	}
	l.cancel()
	if _, err := r.client.Revoke(ctx, l.id); err != nil {
		return errors.Wrapf(err, "registry: revoke lease of %s", key)
	}
	return nil
}

func (r *EtcdRegistry) Discover(ctx context.Context, pool string) ([]WorkerInstance, error) {
	resp, err := r.client.Get(ctx, keyPrefix+pool+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "registry: list workers")
	}

	instances := make([]WorkerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst WorkerInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warn("skipping malformed worker entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-reads the whole pool on every change under its prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, pool string) <-chan []WorkerInstance {
	ch := make(chan []WorkerInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, keyPrefix+pool+"/", clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, pool)
			if err != nil {
				r.log.Warn("watch: list workers", zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keep-alive and closes the etcd client. Leases then expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
