package capture

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/roadwatch/internal/frame"
	"github.com/linnemanlabs/roadwatch/internal/queue"
)

// Outcome labels what happened to a captured frame.
const (
	OutcomeEnqueued  = "enqueued"
	OutcomeDuplicate = "duplicate"
	OutcomePending   = "pending"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

// Seen is the read side of the dedup ledger.
type Seen interface {
	Has(ctx context.Context, hash string) (bool, error)
}

// Queue is the producer side of the work queue.
type Queue interface {
	Push(ctx context.Context, f *frame.Frame, timeout time.Duration) error
}

// Hooks holds optional callbacks for metrics.
type Hooks struct {
	OnFrame func(source, outcome string)
}

// emitter applies the dedup check and enqueues a frame.
type emitter struct {
	source  string
	seen    Seen
	queue   Queue
	timeout time.Duration
	hooks   Hooks
	logger  log.Logger

	// verify, when set, runs after the dedup check and before enqueue.
	verify func(data []byte) error
}

func (e *emitter) emit(ctx context.Context, f *frame.Frame) string {
	outcome := e.push(ctx, f)
	if e.hooks.OnFrame != nil {
		e.hooks.OnFrame(e.source, outcome)
	}
	return outcome
}

func (e *emitter) push(ctx context.Context, f *frame.Frame) string {
	L := e.logger.With("frame_id", f.ID, "hash", f.Hash, "origin", f.Origin)

	seen, err := e.seen.Has(ctx, f.Hash)
	if err != nil {
		L.Error(ctx, err, "dedup lookup failed, skipping frame")
		return OutcomeFailed
	}
	if seen {
		L.Info(ctx, "image already processed, skipping")
		return OutcomeDuplicate
	}

	if e.verify != nil {
		if err := e.verify(f.Data); err != nil {
			L.Warn(ctx, "failed to read image", "err", err.Error())
			return OutcomeFailed
		}
	}

	err = e.queue.Push(ctx, f, e.timeout)
	switch {
	case err == nil:
		L.Info(ctx, "image added to queue")
		return OutcomeEnqueued
	case errors.Is(err, queue.ErrPending):
		return OutcomePending
	case errors.Is(err, queue.ErrFull):
		L.Warn(ctx, "queue full, dropping frame")
		return OutcomeDropped
	default:
		// ctx cancelled while waiting for space
		return OutcomeDropped
	}
}
