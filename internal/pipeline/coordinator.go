package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/roadwatch/internal/capture"
	"github.com/linnemanlabs/roadwatch/internal/violation"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("pipeline already started")

// Coordinator owns the capture source, the processing worker and the store
// they share. The work queue is wired between source and worker by the
// caller before construction.
type Coordinator struct {
	source capture.Source
	worker *Worker
	store  violation.Store
	logger log.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{} // closed when the worker returns

	stopOnce sync.Once
	stopErr  error
}

// NewCoordinator creates a coordinator. It takes ownership of store and
// closes it on Stop.
func NewCoordinator(source capture.Source, worker *Worker, store violation.Store, logger log.Logger) *Coordinator {
	if source == nil || worker == nil || store == nil {
		panic(xerrors.New("pipeline.NewCoordinator: source, worker and store are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Coordinator{
		source: source,
		worker: worker,
		store:  store,
		logger: logger,
	}
}

// Start starts capture and the worker, then blocks until ctx is done or Stop
// is called, and returns the result of Stop. A capture source that cannot
// start is fatal: everything is torn down and the start error returned.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	switch {
	case c.started:
		c.mu.Unlock()
		cancel()
		return ErrAlreadyStarted
	case c.stopped:
		c.mu.Unlock()
		cancel()
		return c.Stop()
	}
	done := make(chan struct{})
	c.started, c.cancel, c.done = true, cancel, done
	c.mu.Unlock()

	if err := c.source.Start(ctx); err != nil {
		cancel()
		close(done)
		return errors.Join(fmt.Errorf("start capture source %s: %w", c.source.Name(), err), c.Stop())
	}

	go func() {
		defer close(done)
		c.worker.Run(ctx)
	}()

	c.logger.Info(ctx, "pipeline started", "source", c.source.Name())

	<-ctx.Done()
	return c.Stop()
}

// Stop cancels the worker and waits for it, stops capture, then closes the
// store. Every stage is stopped even if an earlier one fails; the errors are
// joined. Stop is idempotent.
func (c *Coordinator) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		cancel, done := c.cancel, c.done
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}

		var errs []error
		if err := c.source.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop capture source: %w", err))
		}
		errs = append(errs, c.closeStore())
		c.stopErr = errors.Join(errs...)

		L := c.logger
		if c.stopErr != nil {
			L.Error(context.Background(), c.stopErr, "pipeline stopped with errors")
		} else {
			L.Info(context.Background(), "pipeline stopped")
		}
	})
	return c.stopErr
}

func (c *Coordinator) closeStore() error {
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
