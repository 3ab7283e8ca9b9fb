package supervisor

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reason says why the supervisor terminated the process.
type Reason int

const (
	HangTimeout Reason = iota + 1 // A call ran longer than the call timeout
	IdleTimeout                   // No call started within the wait timeout
)

func (r Reason) String() string {
	switch r {
	case HangTimeout:
		return "hang timeout"
	case IdleTimeout:
		return "idle timeout"
	}
	return "unknown"
}

// Process exit codes used by the default termination action.
const (
	ExitHangTimeout = 3
	ExitIdleTimeout = 4
)

// ExitCode maps a reason to the process exit code.
func (r Reason) ExitCode() int {
	if r == HangTimeout {
		return ExitHangTimeout
	}
	return ExitIdleTimeout
}

// TerminateFunc is the action taken when a threshold is exceeded.
type TerminateFunc func(reason Reason)

// Exit is the default termination action: a hard process exit. There is no attempt to
// unwind the request loop or write anything to the parent; the parent sees the stream close.
func Exit(reason Reason) {
	os.Exit(reason.ExitCode())
}

// Config holds the supervisor thresholds. Zero timeouts disable the corresponding check.
type Config struct {
	Pulse       time.Duration // Sampling period
	CallTimeout time.Duration // Longest allowed call
	WaitTimeout time.Duration // Longest allowed idle period
}

// Supervisor samples an Activity and terminates on threshold breach.
type Supervisor struct {
	cfg       Config
	activity  *Activity
	terminate TerminateFunc
	log       *zap.Logger
	once      sync.Once
	fired     chan struct{}
}

type Option func(*Supervisor)

// WithTerminate replaces the default os.Exit action.
func WithTerminate(fn TerminateFunc) Option {
	return func(s *Supervisor) { s.terminate = fn }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(cfg Config, activity *Activity, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		activity:  activity,
		terminate: Exit,
		log:       zap.NewNop(),
		fired:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run samples the activity every pulse until ctx is done or the supervisor fires.
func (s *Supervisor) Run(ctx context.Context) {
	if s.cfg.Pulse <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Pulse)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.fired:
			return
		case now := <-ticker.C:
			if reason, ok := s.Check(now); ok {
				s.Terminate(reason)
				return
			}
		}
	}
}

// Check reports whether a threshold is exceeded at now.
func (s *Supervisor) Check(now time.Time) (Reason, bool) {
	inCall, since := s.activity.Snapshot()
	elapsed := now.Sub(since)
	if inCall {
		if s.cfg.CallTimeout > 0 && elapsed > s.cfg.CallTimeout {
			return HangTimeout, true
		}
		return 0, false
	}
	if s.cfg.WaitTimeout > 0 && elapsed > s.cfg.WaitTimeout {
		return IdleTimeout, true
	}
	return 0, false
}

// Terminate runs the termination action once. Later calls, from any goroutine, are no-ops.
func (s *Supervisor) Terminate(reason Reason) {
	s.once.Do(func() {
		s.log.Error("terminating worker", zap.Stringer("reason", reason))
		close(s.fired)
		s.terminate(reason)
	})
}

// Fired is closed once the supervisor has terminated.
func (s *Supervisor) Fired() <-chan struct{} {
	return s.fired
}
