// Package client is the parent-side entry point: it borrows a worker from a pool, makes
// the call and gives the worker back, retrying on a fresh worker when one dies.
package client

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"forkrpc/codec"
	"forkrpc/config"
	"forkrpc/execution"
	"forkrpc/pool"
	"forkrpc/registry"
	"forkrpc/transport"
)

const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 100 * time.Millisecond
)

type Client struct {
	pool       *pool.Pool
	registry   registry.Registry
	metrics    *pool.Metrics
	maxRetries int
	baseDelay  time.Duration
	log        *zap.Logger

	// Used by FromConfig only.
	resources  transport.ResourceFunc
	registerer prometheus.Registerer
	stderr     io.Writer

	closers []io.Closer
}

type Option func(*Client)

// WithRetry retries a call up to maxRetries times when its worker dies, waiting
// baseDelay, 2*baseDelay, 4*baseDelay… between attempts.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *pool.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithResources serves RESOURCE requests from workers started by FromConfig.
func WithResources(fn transport.ResourceFunc) Option {
	return func(c *Client) { c.resources = fn }
}

// WithRegisterer makes FromConfig register pool metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}

// WithStderr receives the stderr of workers started by FromConfig.
func WithStderr(w io.Writer) Option {
	return func(c *Client) { c.stderr = w }
}

// New wraps an existing pool.
func New(p *pool.Pool, opts ...Option) *Client {
	c := &Client{
		pool:       p,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig builds the pool described by cfg. Contexts are resolved against catalog,
// which must match the catalog compiled into the worker executable.
func FromConfig(cfg config.PoolConfig, catalog *execution.Catalog, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := New(nil, opts...)

	wc := cfg.WorkerConfig()
	ectx, err := catalog.Resolve(cfg.Context, codec.GetCodec(wc.Codec))
	if err != nil {
		return nil, err
	}
	instance, err := cfg.Worker.Build(ectx)
	if err != nil {
		return nil, errors.Wrap(err, "client: build worker")
	}

	if len(cfg.Registry.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, c.log)
		if err != nil {
			return nil, err
		}
		c.registry = etcd
		c.closers = append(c.closers, etcd)
	} else {
		c.registry = registry.NewMemoryRegistry()
	}
	if c.metrics == nil && c.registerer != nil {
		c.metrics = pool.NewMetrics(c.registerer)
	}

	topts := transport.Options{
		Command:         cfg.Command,
		Args:            cfg.Args,
		Env:             cfg.Env,
		Stderr:          c.stderr,
		Worker:          wc,
		Catalog:         catalog,
		Context:         cfg.Context,
		Instance:        instance,
		AckTimeout:      cfg.AckTimeout,
		StartupTimeout:  cfg.StartupTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Resources:       c.resources,
		Log:             c.log,
	}
	p, err := pool.New(pool.Options{
		Name:       cfg.Registry.Pool,
		MaxWorkers: cfg.MaxWorkers,
		Factory: func(ctx context.Context) (*transport.Process, error) {
			return transport.Start(ctx, topts)
		},
		Registry:    c.registry,
		RegistryTTL: cfg.Registry.TTL,
		Metrics:     c.metrics,
		Log:         c.log,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.pool = p
	return c, nil
}

// Call invokes method on a pooled worker. Faults raised by the operation are returned
// unchanged and never retried; a worker that dies during the call is replaced and the
// call is made again, so operations must tolerate being re-run after a crash.
func (c *Client) Call(ctx context.Context, method string, args ...any) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = c.callOnce(ctx, method, args)
		if err == nil || !retryable(err) || attempt >= c.maxRetries {
			return err
		}

		delay := c.baseDelay * time.Duration(1<<attempt)
		c.log.Warn("worker died during call, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) callOnce(ctx context.Context, method string, args []any) error {
	w, err := c.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(w)

	start := time.Now()
	err = w.Call(ctx, method, args...)
	c.metrics.ObserveCall(c.pool.Name(), outcome(err), time.Since(start).Seconds())
	return err
}

// Ping checks that a worker can be borrowed and answers.
func (c *Client) Ping(ctx context.Context) error {
	w, err := c.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(w)
	return w.Ping(ctx)
}

// Warm starts n workers ahead of the first call.
func (c *Client) Warm(ctx context.Context, n int) error {
	return c.pool.Warm(ctx, n)
}

// Workers lists the live workers of the pool as published in the registry.
func (c *Client) Workers(ctx context.Context) ([]registry.WorkerInstance, error) {
	if c.registry == nil {
		return nil, errors.New("client: no registry")
	}
	return c.registry.Discover(ctx, c.pool.Name())
}

func (c *Client) Pool() *pool.Pool { return c.pool }

func (c *Client) Close() error {
	var first error
	if c.pool != nil {
		first = c.pool.Close()
	}
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func retryable(err error) bool {
	return errors.Is(err, transport.ErrWorkerDied) || errors.Is(err, transport.ErrAckTimeout)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case retryable(err):
		return "died"
	default:
		return "fault"
	}
}
