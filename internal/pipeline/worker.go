package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/roadwatch/internal/frame"
	"github.com/linnemanlabs/roadwatch/internal/queue"
	"github.com/linnemanlabs/roadwatch/internal/snapshot"
	"github.com/linnemanlabs/roadwatch/internal/violation"
)

const tracerName = "github.com/linnemanlabs/roadwatch/internal/pipeline"

const (
	DefaultDequeueTimeout  = time.Second
	DefaultClassifyTimeout = 60 * time.Second
)

// Result labels how the worker finished with a frame.
const (
	ResultNoFinding       = "no_finding"
	ResultFindings        = "findings"
	ResultClassifierError = "classifier_error"
	ResultPersistFailed   = "persist_failed"
	ResultLedgerFailed    = "ledger_failed"
	ResultCanceled        = "canceled"
	ResultPanic           = "panic"
)

// Finding results reported through OnFinding.
const (
	FindingPersisted      = "persisted"
	FindingRejected       = "rejected"
	FindingBelowThreshold = "below_threshold"
	FindingFailed         = "failed"
)

// Source is the consumer side of the work queue.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*frame.Frame, error)
	Done(f *frame.Frame)
}

// WorkerHooks holds optional callbacks for metrics and live feeds.
type WorkerHooks struct {
	OnClassify  func(outcome Outcome, model string, duration float64, usage Usage)
	OnFinding   func(findingType, result string)
	OnProcessed func(result string, duration float64)
	// OnRecord fires after a record has been persisted.
	OnRecord func(r violation.Record)
	OnPanic  func()
}

// WorkerConfig controls per-frame processing.
type WorkerConfig struct {
	DequeueTimeout  time.Duration
	ClassifyTimeout time.Duration
	// ViolationDir receives the source image of every frame with a persisted finding.
	ViolationDir  string
	MinConfidence float64
	Location      *violation.Location
	Recipient     string
}

// Worker is the single consumer of the work queue.
type Worker struct {
	source     Source
	classifier Classifier
	store      violation.Store
	notifier   Notifier
	cfg        WorkerConfig
	hooks      WorkerHooks
	logger     log.Logger
}

// NewWorker creates a worker. notifier may be nil.
func NewWorker(source Source, classifier Classifier, store violation.Store, notifier Notifier, cfg WorkerConfig, hooks WorkerHooks, logger log.Logger) *Worker {
	if source == nil || classifier == nil || store == nil {
		panic(xerrors.New("pipeline.NewWorker: source, classifier and store are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = DefaultDequeueTimeout
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = DefaultClassifyTimeout
	}
	return &Worker{
		source:     source,
		classifier: classifier,
		store:      store,
		notifier:   notifier,
		cfg:        cfg,
		hooks:      hooks,
		logger:     logger,
	}
}

// Run pops and processes frames until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info(ctx, "processing worker started")
	defer w.logger.Info(context.WithoutCancel(ctx), "processing worker stopped")

	for ctx.Err() == nil {
		f, err := w.source.Pop(ctx, w.cfg.DequeueTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			return
		}
		w.Process(ctx, f)
	}
}

// Process handles one frame: classify, persist findings, notify, then mark
// the hash as seen. It never panics; a panic is logged and the frame is
// released so the loop can continue.
func (w *Worker) Process(ctx context.Context, f *frame.Frame) {
	L := w.logger.With("frame_id", f.ID, "hash", f.Hash, "origin", f.Origin)
	start := time.Now()
	result := ResultPanic

	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("frame.id", f.ID),
		attribute.String("frame.hash", f.Hash),
		attribute.String("frame.origin", f.Origin),
	))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			L.Error(ctx, err, "recovered panic while processing frame", "stack", string(debug.Stack()))
			if w.hooks.OnPanic != nil {
				w.hooks.OnPanic()
			}
		}
		span.SetAttributes(attribute.String("pipeline.result", result))
		span.End()
		w.source.Done(f)
		if w.hooks.OnProcessed != nil {
			w.hooks.OnProcessed(result, time.Since(start).Seconds())
		}
	}()

	result = w.process(ctx, L, f)
}

func (w *Worker) process(ctx context.Context, L log.Logger, f *frame.Frame) string {
	span := trace.SpanFromContext(ctx)

	res, err := w.classify(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down; leave the hash unrecorded so the frame is retried
			L.Warn(ctx, "classification interrupted by shutdown")
			return ResultCanceled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier error")
		L.Error(ctx, err, "classification failed, discarding frame")
		return w.markSeen(ctx, L, f, ResultClassifierError)
	}

	span.SetAttributes(
		attribute.String("classifier.outcome", string(res.Outcome)),
		attribute.Int("classifier.findings", len(res.Findings)),
	)

	if res.Outcome != OutcomeFindings || len(res.Findings) == 0 {
		L.Info(ctx, "no violations detected", "model", res.Model)
		return w.markSeen(ctx, L, f, ResultNoFinding)
	}

	if failed := w.persistFindings(ctx, L, f, res.Findings); failed > 0 {
		span.SetStatus(codes.Error, "persist failed")
		L.Warn(ctx, "not marking frame as processed after persist failure", "failed", failed)
		return ResultPersistFailed
	}
	return w.markSeen(ctx, L, f, ResultFindings)
}

func (w *Worker) classify(ctx context.Context, f *frame.Frame) (*Classification, error) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.ClassifyTimeout)
	defer cancel()

	start := time.Now()
	res, err := w.classifier.Classify(cctx, f.Data)
	duration := time.Since(start).Seconds()

	if err == nil && res == nil {
		err = errors.New("classifier returned no result")
	}
	if w.hooks.OnClassify != nil {
		if err != nil {
			w.hooks.OnClassify(OutcomeError, "", duration, Usage{})
		} else {
			w.hooks.OnClassify(res.Outcome, res.Model, duration, res.Usage)
		}
	}
	return res, err
}

// persistFindings stores every acceptable finding and returns how many
// inserts failed.
func (w *Worker) persistFindings(ctx context.Context, L log.Logger, f *frame.Frame, findings []violation.Finding) int {
	var (
		imagePath string
		saved     bool
		failed    int
	)

	for i := range findings {
		fd := &findings[i]
		FL := L.With("index", i, "violation_type", fd.Type, "confidence", fd.Confidence)

		if err := fd.Validate(); err != nil {
			FL.Warn(ctx, "rejecting malformed finding", "err", err.Error())
			w.finding(fd.Type, FindingRejected)
			continue
		}
		if fd.Confidence < w.cfg.MinConfidence {
			FL.Info(ctx, "finding below confidence threshold, not persisting", "min_confidence", w.cfg.MinConfidence)
			w.finding(fd.Type, FindingBelowThreshold)
			continue
		}

		if !saved {
			saved = true
			path, err := snapshot.Save(w.cfg.ViolationDir, f)
			if err != nil {
				L.Error(ctx, err, "failed to save violation image", "dir", w.cfg.ViolationDir)
			} else {
				imagePath = path
			}
		}

		rec := violation.NewRecord(fd, f.CapturedAt, imagePath, f.Hash, w.cfg.Location)
		id, err := w.store.Insert(ctx, rec)
		if err != nil {
			FL.Error(ctx, err, "failed to persist violation")
			w.finding(fd.Type, FindingFailed)
			failed++
			continue
		}
		w.finding(fd.Type, FindingPersisted)

		FL.Info(ctx, "violation logged",
			"violation_id", id,
			"bbox", rec.BBox.String(),
			"image", imagePath,
		)

		if w.hooks.OnRecord != nil {
			w.hooks.OnRecord(*rec)
		}
		w.notify(ctx, FL, rec)
	}
	return failed
}

func (w *Worker) notify(ctx context.Context, L log.Logger, rec *violation.Record) {
	if w.notifier == nil {
		return
	}
	n := &violation.Notification{Recipient: w.cfg.Recipient, Record: rec}
	if err := w.notifier.Notify(ctx, n); err != nil {
		L.Warn(ctx, "failed to send notification", "violation_id", rec.ID, "err", err.Error())
	}
}

func (w *Worker) markSeen(ctx context.Context, L log.Logger, f *frame.Frame, result string) string {
	if err := w.store.Record(ctx, f.Hash); err != nil {
		L.Error(ctx, err, "failed to record processed hash")
		return ResultLedgerFailed
	}
	return result
}

func (w *Worker) finding(findingType, result string) {
	if w.hooks.OnFinding != nil {
		w.hooks.OnFinding(findingType, result)
	}
}
