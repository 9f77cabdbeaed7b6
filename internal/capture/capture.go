// Package capture produces frames from a camera or an inbox directory and
// hands the ones not yet processed to the work queue.
//
// A Source runs on its own goroutine between Start and Stop. It consults the
// dedup ledger read-only; recording a hash as processed is the worker's job.
package capture

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyRunning is returned by Start on a running source.
var ErrAlreadyRunning = errors.New("capture source already running")

// State is the lifecycle state of a Source.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Source is a producer of frames.
type Source interface {
	// Start begins capturing in the background. Setup failures (for example
	// an unopenable camera) are returned and leave the source stopped.
	Start(ctx context.Context) error
	// Stop signals the loop to exit and waits for it. Stopping a stopped
	// source is a no-op.
	Stop() error
	State() State
	Name() string
}

// runner owns the goroutine and state machine shared by every source.
type runner struct {
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *runner) start(ctx context.Context, loop func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStopped {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done, r.state = cancel, done, StateRunning

	go func() {
		defer close(done)
		loop(ctx)

		// loop ended without Stop, e.g. the parent context was cancelled
		r.mu.Lock()
		if r.done == done && r.state == StateRunning {
			r.state = StateStopped
			cancel()
		}
		r.mu.Unlock()
	}()
	return nil
}

// stop cancels the loop and blocks until it returns.
func (r *runner) stop() {
	r.mu.Lock()
	if r.state != StateRunning {
		done := r.done
		r.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	r.state = StateStopping
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	r.state = StateStopped
	r.cancel = nil
	r.mu.Unlock()
}

func (r *runner) current() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
