package transport

import (
	"context"
	"sync"
	"time"
)

// guard kills the worker when a wait outlives its deadline or its context.
// A blocked read then returns, and cause tells why.
type guard struct {
	timer *time.Timer
	stop  func() bool

	mu     sync.Mutex
	reason error
}

// arm starts a guard. A zero d means no deadline.
func (p *Process) arm(ctx context.Context, d time.Duration) *guard {
	g := &guard{}
	if d > 0 {
		g.timer = time.AfterFunc(d, func() {
			g.fire(ErrAckTimeout)
			p.kill()
		})
	}
	g.stop = context.AfterFunc(ctx, func() {
		g.fire(ctx.Err())
		p.kill()
	})
	return g
}

func (g *guard) fire(reason error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reason == nil {
		g.reason = reason
	}
}

func (g *guard) disarm() {
	if g.timer != nil {
		g.timer.Stop()
	}
	g.stop()
}

// cause returns the reason the guard fired, or err if it did not.
func (g *guard) cause(err error) error {
	if err == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reason != nil {
		return g.reason
	}
	return err
}
