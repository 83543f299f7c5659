// Package profile measures task durations to feed the scheduler. The graph
// is executed as a single-thread sequence one frame at a time and every
// frame gives one sample per task.
package profile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/log"
	"pipelined.dev/dataflow/otac"
	"pipelined.dev/dataflow/sequence"
)

// DefaultFrames is the number of profiled frames if none is provided.
const DefaultFrames = 100

type (
	// Entry contains durations of one task in microseconds.
	Entry struct {
		Task    *dataflow.Task
		Samples []float64
		Mean    float64
		StdDev  float64
		Median  float64
	}

	// Report is the result of profiling, entries are in execution order.
	Report struct {
		Frames  int
		Entries []Entry
	}

	// Option configures profiling.
	Option func(*profiler)

	profiler struct {
		frames int
		warmup int
		logger logrus.FieldLogger
	}
)

// WithFrames sets the number of profiled frames.
func WithFrames(n int) Option {
	return func(p *profiler) {
		p.frames = n
	}
}

// WithWarmup sets the number of frames executed before profiling.
func WithWarmup(n int) Option {
	return func(p *profiler) {
		p.warmup = n
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *profiler) {
		p.logger = l
	}
}

// Run profiles the graph reachable from the first tasks. Modules are
// reset after profiling. Profiling stops early if a source is exhausted.
func Run(ctx context.Context, first []*dataflow.Task, options ...Option) (*Report, error) {
	p := profiler{frames: DefaultFrames}
	for _, option := range options {
		option(&p)
	}
	p.logger = log.OrDiscard(p.logger)
	if p.frames < 1 || p.warmup < 0 {
		return nil, fmt.Errorf("%w: profile %d frames, %d warmup", dataflow.ErrInvalidArgument, p.frames, p.warmup)
	}
	s, err := sequence.New(first, sequence.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}
	defer s.Close()

	tasks := s.Tasks()
	for _, t := range tasks {
		t.EnableStats(true)
		t.ResetStats()
	}
	if p.warmup > 0 {
		if err := s.ExecN(ctx, p.warmup); err != nil {
			return nil, err
		}
	}

	samples := make([][]float64, len(tasks))
	last := totals(tasks)
	frames := 0
	for frames < p.frames {
		executed := s.Frames()
		if err := s.ExecN(ctx, 1); err != nil {
			return nil, err
		}
		if s.Frames() == executed {
			p.logger.WithField("frames", frames).Debug("profiling stopped early")
			break
		}
		current := totals(tasks)
		for i := range tasks {
			samples[i] = append(samples[i], float64(current[i]-last[i])/float64(time.Microsecond))
		}
		last = current
		frames++
	}
	s.Reset()
	if frames == 0 {
		return nil, fmt.Errorf("%w: no frames profiled", dataflow.ErrProcessingAborted)
	}

	r := &Report{Frames: frames, Entries: make([]Entry, len(tasks))}
	for i, t := range tasks {
		r.Entries[i] = newEntry(t, samples[i])
		p.logger.WithFields(logrus.Fields{
			"task":   t.FullName(),
			"mean":   r.Entries[i].Mean,
			"stddev": r.Entries[i].StdDev,
		}).Debug("task profiled")
	}
	return r, nil
}

func newEntry(t *dataflow.Task, samples []float64) Entry {
	e := Entry{Task: t, Samples: samples}
	e.Mean, e.StdDev = stat.MeanStdDev(samples, nil)
	if len(samples) < 2 {
		e.StdDev = 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	e.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	return e
}

func totals(tasks []*dataflow.Task) []time.Duration {
	d := make([]time.Duration, len(tasks))
	for i, t := range tasks {
		d[i] = t.Stats().Total
	}
	return d
}

// Entry returns the entry of provided task.
func (r *Report) Entry(t *dataflow.Task) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Task == t {
			return e, true
		}
	}
	return Entry{}, false
}

// Chain profiles the linear chain and returns its descriptions for the
// scheduler. Durations are mean call durations in microseconds.
func Chain(ctx context.Context, chain []*dataflow.Task, options ...Option) ([]otac.TaskDesc, *Report, error) {
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("%w: empty chain", dataflow.ErrInvalidArgument)
	}
	r, err := Run(ctx, chain[:1], options...)
	if err != nil {
		return nil, nil, err
	}
	if len(r.Entries) != len(chain) {
		return nil, nil, fmt.Errorf("%w: chain has %d tasks, graph has %d", dataflow.ErrInvalidArgument, len(chain), len(r.Entries))
	}
	durations := make([]float64, len(chain))
	for i, t := range chain {
		e, ok := r.Entry(t)
		if !ok {
			return nil, nil, fmt.Errorf("%w: task %s is not reachable", dataflow.ErrInvalidArgument, t.FullName())
		}
		durations[i] = e.Mean
	}
	descs, err := otac.Describe(chain, durations)
	if err != nil {
		return nil, nil, err
	}
	return descs, r, nil
}
