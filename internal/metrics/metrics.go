// Package metrics holds the prometheus collectors of an engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Note outcomes.
const (
	OutcomePlayed   = "played"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

type Metrics struct {
	// Gauges
	ActiveNotes prometheus.Gauge
	QueueDepth  prometheus.Gauge

	// Counters
	TasksTotal      prometheus.Counter
	TaskPanicsTotal prometheus.Counter
	NotesTotal      *prometheus.CounterVec
	ReleasesTotal   *prometheus.CounterVec

	// Histograms
	SynthSeconds prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and embedded engines want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveNotes: f.NewGauge(prometheus.GaugeOpts{
			Name: "tonebox_active_notes",
			Help: "Number of notes holding backend resources",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "tonebox_dispatcher_queue_depth",
			Help: "Tasks waiting on the dispatcher queue",
		}),
		TasksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tonebox_dispatcher_tasks_total",
			Help: "Tasks executed by the dispatcher worker",
		}),
		TaskPanicsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tonebox_dispatcher_task_panics_total",
			Help: "Tasks that panicked on the dispatcher worker",
		}),
		NotesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tonebox_notes_total",
			Help: "Note requests by outcome",
		}, []string{"outcome"}),
		ReleasesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tonebox_note_releases_total",
			Help: "Released notes by reason",
		}, []string{"reason"}),
		SynthSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tonebox_synth_seconds",
			Help:    "Time spent synthesizing one note buffer",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
	}
}
