// Package supervisor watches a worker process for hung calls and idle periods and
// terminates the process when either lasts too long.
//
// The request loop records call boundaries in an Activity. The Supervisor samples it
// every pulse on its own goroutine and never touches the RPC streams; when a threshold
// is exceeded it invokes the termination action, which by default exits the process.
package supervisor

import (
	"sync"
	"time"
)

// Activity is the only state shared between the request loop and the supervisor.
// Both transitions refresh the timestamp, so idle time is measured from the end of the
// last call (or from process start) and call time from the start of the current call.
type Activity struct {
	mu     sync.Mutex
	inCall bool
	since  time.Time
	now    func() time.Time
}

// NewActivity returns an idle Activity stamped with the current time.
func NewActivity() *Activity {
	return newActivity(time.Now)
}

func newActivity(now func() time.Time) *Activity {
	return &Activity{since: now(), now: now}
}

// BeginCall marks the start of a CALL.
func (a *Activity) BeginCall() {
	a.mu.Lock()
	a.inCall = true
	a.since = a.now()
	a.mu.Unlock()
}

// EndCall marks the end of a CALL, whatever its outcome.
func (a *Activity) EndCall() {
	a.mu.Lock()
	a.inCall = false
	a.since = a.now()
	a.mu.Unlock()
}

// Snapshot returns the current state without holding the lock afterwards.
func (a *Activity) Snapshot() (inCall bool, since time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inCall, a.since
}
