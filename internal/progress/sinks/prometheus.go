package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/portal-harvester/internal/progress"
)

// PrometheusSink exports harvest progress metrics via Prometheus. It owns the
// collectors for runs started/completed/running and per-point outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	points         *prometheus.CounterVec
	pointRetries   prometheus.Counter
	alerts         prometheus.Counter
	pointDuration  *prometheus.HistogramVec
	rowsExtracted  prometheus.Counter
	entitiesMerged prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total harvest runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Total harvest runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Current number of running harvests.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_points_total",
			Help: "Parameter points reaching a terminal state partitioned by outcome.",
		}, []string{"outcome"}),
		pointRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_point_retries_total",
			Help: "Point attempts that were retried after a transient failure.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_alerts_dismissed_total",
			Help: "Blocking alerts dismissed during the sweep.",
		}),
		pointDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_point_duration_seconds",
			Help:    "Point latency including retries partitioned by outcome.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"outcome"}),
		rowsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_rows_extracted_total",
			Help: "Table rows extracted from successful points.",
		}),
		entitiesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_entities_merged_total",
			Help: "Entity tables merged and persisted.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.points,
		s.pointRetries,
		s.alerts,
		s.pointDuration,
		s.rowsExtracted,
		s.entitiesMerged,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StagePointDone:
		s.points.WithLabelValues("done").Inc()
		s.rowsExtracted.Add(float64(evt.Rows))
		s.observePoint(evt, "done")
	case progress.StagePointFailed:
		s.points.WithLabelValues("failed").Inc()
		s.observePoint(evt, "failed")
	case progress.StagePointRetry:
		s.pointRetries.Inc()
	case progress.StagePointAlert:
		s.alerts.Inc()
	case progress.StageEntityMerged:
		s.entitiesMerged.Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageRunStart && s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) observePoint(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.pointDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
