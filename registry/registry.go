// Package registry publishes the worker processes a parent keeps alive, so that
// operators and other parents can see which workers exist, where and since when.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// WorkerInstance describes one live worker process.
type WorkerInstance struct {
	ID      string    `json:"id"`
	Pool    string    `json:"pool"`
	Host    string    `json:"host"`
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

type Registry interface {
	// Register publishes inst for ttl seconds, renewed until Deregister.
	Register(ctx context.Context, inst WorkerInstance, ttl int64) error
	Deregister(ctx context.Context, pool string, id string) error
	Discover(ctx context.Context, pool string) ([]WorkerInstance, error)
	// Watch emits the full instance list of pool after every change until ctx ends.
	Watch(ctx context.Context, pool string) <-chan []WorkerInstance
}

// MemoryRegistry keeps instances in process. The TTL is ignored: entries live until
// they are deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	pools    map[string]map[string]WorkerInstance
	watchers map[string][]chan []WorkerInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		pools:    make(map[string]map[string]WorkerInstance),
		watchers: make(map[string][]chan []WorkerInstance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, inst WorkerInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pools[inst.Pool] == nil {
		r.pools[inst.Pool] = make(map[string]WorkerInstance)
	}
	r.pools[inst.Pool][inst.ID] = inst
	r.notify(inst.Pool)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, pool string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[pool][id]; !ok {
		return nil
	}
	delete(r.pools[pool], id)
	r.notify(pool)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, pool string) ([]WorkerInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(pool), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, pool string) <-chan []WorkerInstance {
	ch := make(chan []WorkerInstance, 1)
	r.mu.Lock()
	r.watchers[pool] = append(r.watchers[pool], ch)
	r.mu.Unlock()

	context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[pool]
		for i, w := range ws {
			if w == ch {
				r.watchers[pool] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	})
	return ch
}

// notify hands the latest list to every watcher, replacing a list not yet consumed.
// Called with mu held.
func (r *MemoryRegistry) notify(pool string) {
	list := r.list(pool)
	for _, ch := range r.watchers[pool] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

func (r *MemoryRegistry) list(pool string) []WorkerInstance {
	instances := make([]WorkerInstance, 0, len(r.pools[pool]))
	for _, inst := range r.pools[pool] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances
}
