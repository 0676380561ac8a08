package serverstate

import (
	"sync/atomic"
	"time"
)

// Status values reported by the health endpoint.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
)

// State is a consistent snapshot of the process lifecycle.
type State struct {
	Status   string
	Draining bool
	Since    time.Time
}

var current atomic.Pointer[State]

func init() {
	Reset()
}

// Reset returns the state to not_ready.
func Reset() {
	current.Store(&State{Status: StatusNotReady, Since: time.Now()})
}

// Load returns the current snapshot.
func Load() State {
	return *current.Load()
}

// SetState sets the server status string. It has no effect once draining
// has started.
func SetState(status string) {
	for {
		old := current.Load()
		if old.Draining {
			return
		}
		next := &State{Status: status, Since: time.Now()}
		if current.CompareAndSwap(old, next) {
			return
		}
	}
}

// GetState returns the current server status.
func GetState() string {
	return current.Load().Status
}

// StartDrain marks the server as draining.
func StartDrain() {
	current.Store(&State{Status: StatusDraining, Draining: true, Since: time.Now()})
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return current.Load().Draining
}
