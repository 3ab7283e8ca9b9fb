// Package pool keeps a bounded set of forked worker processes.
//
// Workers are started lazily and reused. The idle set is a buffered channel, which
// gives FIFO reuse and blocking on empty for free:
//
//	Get:  idle worker? ── yes ──→ PING ── ok ──→ hand out
//	        │ no                    └─ dead ──→ retire, retry
//	        ├─ below MaxWorkers ──→ spawn
//	        └─ at MaxWorkers ─────→ wait for a Put or a retirement
//	Put:  broken or pool closed ──→ retire
//	      otherwise ──────────────→ back to idle
//
// Every live worker is published in a registry.Registry for as long as the pool owns it.
package pool

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forkrpc/registry"
	"forkrpc/transport"
)

var ErrPoolClosed = errors.New("pool: closed")

// Factory starts one worker process.
type Factory func(ctx context.Context) (*transport.Process, error)

// Worker is a pooled worker process. It is owned by the caller between Get and Put.
type Worker struct {
	*transport.Process
	ID      string
	Started time.Time
}

type Options struct {
	Name        string
	MaxWorkers  int
	Factory     Factory
	Registry    registry.Registry // nil: workers are not published
	RegistryTTL int64
	Metrics     *Metrics
	Log         *zap.Logger
}

type Pool struct {
	opts  Options
	log   *zap.Logger
	host  string
	slots chan struct{} // One token per checked-out worker
	idle  chan *Worker

	mu      sync.Mutex
	live    int           // Workers started or being started
	changed chan struct{} // Closed and replaced whenever live drops
	closed  bool
}

func New(opts Options) (*Pool, error) {
	if opts.MaxWorkers <= 0 {
		return nil, errors.Errorf("pool: MaxWorkers must be positive, got %d", opts.MaxWorkers)
	}
	if opts.Factory == nil {
		return nil, errors.New("pool: no factory")
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	host, _ := os.Hostname()
	return &Pool{
		opts:    opts,
		log:     opts.Log.With(zap.String("pool", opts.Name)),
		host:    host,
		slots:   make(chan struct{}, opts.MaxWorkers),
		idle:    make(chan *Worker, opts.MaxWorkers),
		changed: make(chan struct{}),
	}, nil
}

func (p *Pool) Name() string { return p.opts.Name }

// Get checks out a live worker, starting one if needed. It blocks while MaxWorkers
// workers are checked out.
func (p *Pool) Get(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	w, err := p.acquire(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return w, nil
}

func (p *Pool) acquire(ctx context.Context) (*Worker, error) {
	for {
		var w *Worker
		select {
		case w = <-p.idle:
		default:
			ok, changed, err := p.reserve()
			if err != nil {
				return nil, err
			}
			if ok {
				return p.spawn(ctx)
			}
			// Every other worker is idle-bound or still starting.
			select {
			case w = <-p.idle:
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := w.Ping(ctx); err != nil {
			p.retire(w, "dead", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return w, nil
	}
}

// Put returns a worker checked out by Get. Broken workers are retired.
func (p *Pool) Put(w *Worker) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	if !p.closed && w.Err() == nil {
		p.idle <- w
		p.mu.Unlock()
		return
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.retire(w, "closed", nil)
	} else {
		p.retire(w, "died", w.Err())
	}
}

// Warm starts up to n workers concurrently, without exceeding MaxWorkers.
func (p *Pool) Warm(ctx context.Context, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		ok, _, err := p.reserve()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		g.Go(func() error {
			w, err := p.spawn(gctx)
			if err != nil {
				return err
			}
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				p.retire(w, "closed", nil)
				return ErrPoolClosed
			}
			p.idle <- w
			p.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Close retires idle workers; workers still checked out are retired when put back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.changed)
	var idle []*Worker
	for len(p.idle) > 0 {
		idle = append(idle, <-p.idle)
	}
	p.mu.Unlock()

	for _, w := range idle {
		p.retire(w, "closed", nil)
	}
	p.log.Info("pool closed", zap.Int("retired", len(idle)))
	return nil
}

// Live reports how many workers the pool owns, including those starting.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Idle reports how many workers are waiting in the pool.
func (p *Pool) Idle() int {
	return len(p.idle)
}

// reserve claims room for one more worker. When the pool is full it returns a channel
// that is closed once room may have been freed.
func (p *Pool) reserve() (bool, <-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, nil, ErrPoolClosed
	}
	if p.live >= p.opts.MaxWorkers {
		return false, p.changed, nil
	}
	p.live++
	return true, nil, nil
}

func (p *Pool) unreserve() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	if !p.closed {
		close(p.changed)
		p.changed = make(chan struct{})
	}
}

// spawn starts a worker in a reserved slot.
func (p *Pool) spawn(ctx context.Context) (*Worker, error) {
	proc, err := p.opts.Factory(ctx)
	if err != nil {
		p.unreserve()
		p.log.Warn("worker failed to start", zap.Error(err))
		return nil, err
	}
	w := &Worker{Process: proc, ID: uuid.NewString(), Started: time.Now()}
	p.opts.Metrics.workerSpawned(p.opts.Name)
	p.log.Info("worker spawned", zap.String("worker", w.ID), zap.Int("pid", w.PID()))

	if p.opts.Registry != nil {
		inst := registry.WorkerInstance{
			ID:      w.ID,
			Pool:    p.opts.Name,
			Host:    p.host,
			PID:     w.PID(),
			Started: w.Started.UTC(),
		}
		if err := p.opts.Registry.Register(ctx, inst, p.opts.RegistryTTL); err != nil {
			p.log.Warn("cannot publish worker", zap.String("worker", w.ID), zap.Error(err))
		}
	}
	return w, nil
}

// retire closes the worker and frees its slot.
func (p *Pool) retire(w *Worker, reason string, cause error) {
	if err := w.Close(); err != nil {
		p.log.Warn("closing worker", zap.String("worker", w.ID), zap.Error(err))
	}
	p.unreserve()
	p.opts.Metrics.workerRetired(p.opts.Name, reason)
	p.log.Info("worker retired",
		zap.String("worker", w.ID),
		zap.String("reason", reason),
		zap.Int("exit_code", w.ExitCode()),
		zap.NamedError("cause", cause))

	if p.opts.Registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.opts.Registry.Deregister(ctx, p.opts.Name, w.ID); err != nil {
			p.log.Warn("cannot unpublish worker", zap.String("worker", w.ID), zap.Error(err))
		}
	}
}
