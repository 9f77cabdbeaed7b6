package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/roadwatch/internal/capture"
	"github.com/linnemanlabs/roadwatch/internal/postgres"
	"github.com/linnemanlabs/roadwatch/internal/violation"
)

// Metrics holds Prometheus metrics for capture, processing and storage.
type Metrics struct {
	FramesTotal         *prometheus.CounterVec
	ProcessedTotal      *prometheus.CounterVec
	ProcessDuration     *prometheus.HistogramVec
	ClassifyDuration    *prometheus.HistogramVec
	ClassifierTokensIn  prometheus.Counter
	ClassifierTokensOut prometheus.Counter
	FindingsTotal       *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	PanicsTotal         prometheus.Counter
	StoreDuration       *prometheus.HistogramVec
	DBQueryDuration     *prometheus.HistogramVec

	reg prometheus.Registerer
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_frames_total",
			Help: "Captured frames by source and outcome.",
		}, []string{"source", "outcome"}),
		ProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_frames_processed_total",
			Help: "Frames handled by the worker by result.",
		}, []string{"result"}),
		ProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roadwatch_process_duration_seconds",
			Help:    "Wall time to process one frame end to end.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"result"}),
		ClassifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roadwatch_classify_duration_seconds",
			Help:    "Duration of classifier calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}, []string{"outcome", "model"}),
		ClassifierTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadwatch_classifier_tokens_input_total",
			Help: "Total classifier input tokens consumed.",
		}),
		ClassifierTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadwatch_classifier_tokens_output_total",
			Help: "Total classifier output tokens consumed.",
		}),
		FindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_findings_total",
			Help: "Findings returned by the classifier by result.",
		}, []string{"type", "result"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_notifications_total",
			Help: "Notification deliveries by channel and status.",
		}, []string{"channel", "status"}),
		PanicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadwatch_worker_panics_total",
			Help: "Panics recovered while processing a frame.",
		}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roadwatch_store_op_duration_seconds",
			Help:    "Duration of violation store operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"backend", "op", "outcome"}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roadwatch_db_query_duration_seconds",
			Help:    "Duration of individual PostgreSQL queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"component", "operation", "outcome"}),
		reg: reg,
	}

	reg.MustRegister(
		m.FramesTotal,
		m.ProcessedTotal,
		m.ProcessDuration,
		m.ClassifyDuration,
		m.ClassifierTokensIn,
		m.ClassifierTokensOut,
		m.FindingsTotal,
		m.NotificationsTotal,
		m.PanicsTotal,
		m.StoreDuration,
		m.DBQueryDuration,
	)

	return m
}

// ObserveQueue registers gauges that sample the queue depth and capacity.
func (m *Metrics) ObserveQueue(depth, capacity func() int) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "roadwatch_queue_depth",
			Help: "Frames waiting in the work queue.",
		}, func() float64 { return float64(depth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "roadwatch_queue_capacity",
			Help: "Capacity of the work queue.",
		}, func() float64 { return float64(capacity()) }),
	)
}

// Hooks returns WorkerHooks that update the corresponding metrics.
func (m *Metrics) Hooks() WorkerHooks {
	return WorkerHooks{
		OnClassify: func(outcome Outcome, model string, duration float64, usage Usage) {
			m.ClassifyDuration.WithLabelValues(string(outcome), model).Observe(duration)
			m.ClassifierTokensIn.Add(float64(usage.InputTokens))
			m.ClassifierTokensOut.Add(float64(usage.OutputTokens))
		},
		OnFinding: func(findingType, result string) {
			m.FindingsTotal.WithLabelValues(findingType, result).Inc()
		},
		OnProcessed: func(result string, duration float64) {
			m.ProcessedTotal.WithLabelValues(result).Inc()
			m.ProcessDuration.WithLabelValues(result).Observe(duration)
		},
		OnPanic: m.PanicsTotal.Inc,
	}
}

// CaptureHooks returns capture.Hooks that count frames by source and outcome.
func (m *Metrics) CaptureHooks() capture.Hooks {
	return capture.Hooks{
		OnFrame: func(source, outcome string) {
			m.FramesTotal.WithLabelValues(source, outcome).Inc()
		},
	}
}

// NotifyResult counts one delivery attempt; it matches notify.New's callback.
func (m *Metrics) NotifyResult(channel string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.NotificationsTotal.WithLabelValues(channel, status).Inc()
}

// StoreObserver returns an observer for violation.Observed labelled with backend.
func (m *Metrics) StoreObserver(backend string) violation.ObserveFunc {
	return func(op, outcome string, dur time.Duration) {
		m.StoreDuration.WithLabelValues(backend, op, outcome).Observe(dur.Seconds())
	}
}

// QueryObserver returns a postgres.QueryObserver feeding DBQueryDuration.
func (m *Metrics) QueryObserver() postgres.QueryObserver {
	return postgres.QueryObserverFunc(
		func(_ context.Context, component, operation, outcome string, dur time.Duration) {
			m.DBQueryDuration.WithLabelValues(component, operation, outcome).Observe(dur.Seconds())
		},
	)
}
