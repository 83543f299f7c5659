// Package metric exposes prometheus counters of dataflow executors.
package metric

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dataflow"

// Label names.
const (
	ExecutorLabel = "executor"
	StageLabel    = "stage"
	TaskLabel     = "task"
	StatusLabel   = "status"
)

// Metrics contains collectors of one registry. All methods are safe for
// concurrent use.
type Metrics struct {
	// Frames counts frames processed by stages.
	Frames *prometheus.CounterVec
	// Busy accumulates processing time of stages in seconds.
	Busy *prometheus.CounterVec
	// Latency is the time between two last processed frames.
	Latency *prometheus.GaugeVec
	// Calls counts task calls by status.
	Calls *prometheus.CounterVec
	// Threads is the number of running stage goroutines.
	Threads *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// New creates collectors and registers them. Nil registerer creates
// unregistered collectors.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Number of frames processed by stage.",
		}, []string{ExecutorLabel, StageLabel}),
		Busy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_seconds_total",
			Help:      "Time spent in task execution by stage.",
		}, []string{ExecutorLabel, StageLabel}),
		Latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latency_seconds",
			Help:      "Time between two last frames processed by stage.",
		}, []string{ExecutorLabel, StageLabel}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_calls_total",
			Help:      "Number of task calls by status.",
		}, []string{ExecutorLabel, TaskLabel, StatusLabel}),
		Threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threads",
			Help:      "Number of running stage goroutines.",
		}, []string{ExecutorLabel, StageLabel}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Frames, m.Busy, m.Latency, m.Calls, m.Threads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Default returns collectors registered in the default prometheus
// registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		var err error
		if defaultMetrics, err = New(prometheus.DefaultRegisterer); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// ResetFunc returns new Measure closure. This closure is needed to
// postpone metrics capture until the stage is actually running.
type ResetFunc func() MeasureFunc

// MeasureFunc captures metrics when a frame is processed. Busy is the
// time spent executing tasks of the frame.
type MeasureFunc func(busy time.Duration)

// Meter creates new meter closure to capture stage counters.
func (m *Metrics) Meter(executor, stage string) ResetFunc {
	frames := m.Frames.WithLabelValues(executor, stage)
	busySeconds := m.Busy.WithLabelValues(executor, stage)
	latency := m.Latency.WithLabelValues(executor, stage)
	return func() MeasureFunc {
		calledAt := time.Now()
		return func(busy time.Duration) {
			latency.Set(time.Since(calledAt).Seconds())
			frames.Inc()
			busySeconds.Add(busy.Seconds())
			calledAt = time.Now()
		}
	}
}

// Call counts the task call with provided status.
func (m *Metrics) Call(executor, task, status string) {
	m.Calls.WithLabelValues(executor, task, status).Inc()
}

// Running changes the number of running goroutines of the stage.
func (m *Metrics) Running(executor, stage string, delta int) {
	m.Threads.WithLabelValues(executor, stage).Add(float64(delta))
}
