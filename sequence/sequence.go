// Package sequence executes task graphs by traversing the whole graph for
// every frame. Graphs can contain loops built with switchers.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/internal/barrier"
	"pipelined.dev/dataflow/internal/execution"
	"pipelined.dev/dataflow/log"
	"pipelined.dev/dataflow/metric"
)

type (
	// Sequence executes the graph discovered from the first tasks. Every
	// worker traverses the whole graph for its frames, workers 1..n-1
	// own clones of all modules.
	Sequence struct {
		id       string
		line     *execution.Line
		workers  []*worker
		lockstep bool
		barrier  *barrier.Barrier
		logger   logrus.FieldLogger
		metrics  *metric.Metrics
		frames   int64
		threads  int
		seed     *int64
	}

	// Option configures the sequence.
	Option func(*Sequence)

	worker struct {
		id      int
		cursor  *execution.Cursor
		replica *dataflow.Replica
		modules []dataflow.Module
		exec    func(*dataflow.Task) error
		logger  logrus.FieldLogger
	}
)

// WithThreads sets the number of workers.
func WithThreads(n int) Option {
	return func(s *Sequence) {
		s.threads = n
	}
}

// WithLockstep makes workers wait for each other after every frame.
func WithLockstep() Option {
	return func(s *Sequence) {
		s.lockstep = true
	}
}

// WithSeed seeds modules that implement dataflow.Seeder on creation and
// on every reset. Every module of every worker gets its own seed derived
// from provided one.
func WithSeed(seed int64) Option {
	return func(s *Sequence) {
		s.seed = &seed
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Sequence) {
		s.logger = l
	}
}

// WithMetrics enables prometheus metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Sequence) {
		s.metrics = m
	}
}

// New compiles the graph reachable from the first tasks. Every worker
// except the first one gets a replica of the graph, so all tasks must be
// replicable if more than one thread is used.
func New(first []*dataflow.Task, options ...Option) (*Sequence, error) {
	if len(first) == 0 {
		return nil, errors.New("sequence: no first tasks")
	}
	s := &Sequence{
		id:      xid.New().String(),
		threads: 1,
	}
	for _, option := range options {
		option(s)
	}
	if s.threads < 1 {
		return nil, errors.New("sequence: threads must be positive")
	}
	s.logger = log.Executor(s.logger, "sequence", s.id)

	tasks := dataflow.Discover(first)
	line, err := execution.Compile(first, tasks, true)
	if err != nil {
		return nil, err
	}
	s.line = line
	s.barrier = barrier.New(s.threads)
	for i := 0; i < s.threads; i++ {
		w := &worker{
			id:     i,
			logger: s.logger.WithField("worker", i),
		}
		if i == 0 {
			w.modules = dataflow.Modules(tasks)
		} else {
			if w.replica, err = dataflow.Replicate(tasks); err != nil {
				s.Close()
				return nil, err
			}
			w.modules = w.replica.Modules
		}
		w.cursor = line.Cursor(w.replica)
		w.exec = s.execFunc(w)
		s.workers = append(s.workers, w)
	}
	s.seedModules()
	s.logger.WithFields(logrus.Fields{
		"tasks":   len(tasks),
		"threads": s.threads,
		"loops":   line.Loops(),
	}).Debug("sequence compiled")
	return s, nil
}

func (s *Sequence) seedModules() {
	if s.seed == nil {
		return
	}
	for _, w := range s.workers {
		for i, m := range w.modules {
			if sd, ok := m.(dataflow.Seeder); ok {
				sd.Seed(*s.seed + int64(w.id*len(w.modules)+i))
			}
		}
	}
}

func (s *Sequence) execFunc(w *worker) func(*dataflow.Task) error {
	return func(t *dataflow.Task) error {
		status, err := t.Exec(dataflow.AllFrames, true)
		if s.metrics != nil {
			s.metrics.Call(s.id, t.FullName(), status.String())
		}
		if err != nil {
			return err
		}
		if status != dataflow.Success {
			w.logger.WithField("task", t.FullName()).Warn("task returned failure")
		}
		return nil
	}
}

// Exec executes frames until stop returns true, a source is exhausted or
// the context is done. Stop is evaluated before every frame, calls are
// serialized. Nil stop runs until a source is exhausted.
func (s *Sequence) Exec(ctx context.Context, stop func() bool) error {
	var m sync.Mutex
	return s.run(ctx, func() bool {
		if stop == nil {
			return true
		}
		m.Lock()
		defer m.Unlock()
		return !stop()
	})
}

// ExecN executes n frames in total.
func (s *Sequence) ExecN(ctx context.Context, n int) error {
	left := int64(n)
	return s.run(ctx, func() bool {
		return atomic.AddInt64(&left, -1) >= 0
	})
}

func (s *Sequence) run(ctx context.Context, admit func() bool) error {
	var (
		stopped int32
		errs    error
		m       sync.Mutex
	)
	if len(s.workers) == 0 {
		return fmt.Errorf("sequence %s: %w", s.id, dataflow.ErrClosed)
	}
	if s.lockstep {
		// parties of an interrupted run may be left on the barrier
		s.barrier.Reset()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			var err error
			if s.lockstep {
				err = s.lockstepLoop(gctx, w, admit, &stopped)
			} else {
				err = s.loop(gctx, w, admit, &stopped)
			}
			if err == nil {
				return nil
			}
			// context errors are consequences of cancellation
			if !isContextErr(err) {
				m.Lock()
				errs = multierr.Append(errs, err)
				m.Unlock()
			}
			return err
		})
	}
	// worker errors are collected above
	_ = g.Wait()
	return errs
}

func (s *Sequence) loop(ctx context.Context, w *worker, admit func() bool, stopped *int32) error {
	meter := s.meter(w)
	for {
		if atomic.LoadInt32(stopped) == 1 || ctx.Err() != nil {
			return nil
		}
		if !admit() {
			atomic.StoreInt32(stopped, 1)
			return nil
		}
		if err := s.iterate(w, meter); err != nil {
			if dataflow.IsAborted(err) {
				w.logger.Debug("source exhausted")
				atomic.StoreInt32(stopped, 1)
				return nil
			}
			return err
		}
	}
}

// lockstepLoop executes frames in generations: every worker executes one
// frame, then all of them wait on the barrier. The stop flag is written
// only before the first barrier phase and read only between the phases,
// so all workers agree on the generation that ends the run.
func (s *Sequence) lockstepLoop(ctx context.Context, w *worker, admit func() bool, stopped *int32) error {
	meter := s.meter(w)
	for {
		if ctx.Err() != nil || !admit() {
			atomic.StoreInt32(stopped, 1)
		} else if err := s.iterate(w, meter); err != nil {
			if !dataflow.IsAborted(err) {
				return err
			}
			w.logger.Debug("source exhausted")
			atomic.StoreInt32(stopped, 1)
		}
		if err := s.barrier.Await(ctx); err != nil {
			return err
		}
		if atomic.LoadInt32(stopped) == 1 {
			return nil
		}
		if err := s.barrier.Await(ctx); err != nil {
			return err
		}
	}
}

func (s *Sequence) iterate(w *worker, meter metric.MeasureFunc) error {
	start := time.Now()
	if err := w.cursor.Run(w.exec); err != nil {
		w.cursor.Rewind()
		return err
	}
	atomic.AddInt64(&s.frames, 1)
	if meter != nil {
		meter(time.Since(start))
	}
	return nil
}

func (s *Sequence) meter(w *worker) metric.MeasureFunc {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Meter(s.id, strconv.Itoa(w.id))()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ID returns unique id of the sequence.
func (s *Sequence) ID() string {
	return s.id
}

// Threads returns number of workers.
func (s *Sequence) Threads() int {
	return len(s.workers)
}

// Frames returns number of frames executed since creation or reset.
func (s *Sequence) Frames() int64 {
	return atomic.LoadInt64(&s.frames)
}

// Tasks returns tasks of the first worker in execution order.
func (s *Sequence) Tasks() []*dataflow.Task {
	return s.line.Tasks()
}

// Modules returns modules executed by provided worker.
func (s *Sequence) Modules(worker int) []dataflow.Module {
	return s.workers[worker].modules
}

// WorkerTask returns the task executed by provided worker instead of the
// original one.
func (s *Sequence) WorkerTask(worker int, t *dataflow.Task) *dataflow.Task {
	w := s.workers[worker]
	if w.replica == nil {
		return t
	}
	return w.replica.Task(t)
}

// Reset rewinds all workers, resets modules that implement
// dataflow.Resetter and seeds them again if the seed is set.
func (s *Sequence) Reset() {
	for _, w := range s.workers {
		w.cursor.Rewind()
		for _, m := range w.modules {
			if r, ok := m.(dataflow.Resetter); ok {
				r.Reset()
			}
		}
	}
	s.seedModules()
	s.barrier.Reset()
	atomic.StoreInt64(&s.frames, 0)
}

// ExportDOT writes the graph in Graphviz format.
func (s *Sequence) ExportDOT(w io.Writer) error {
	return dataflow.WriteDOT(w, "sequence", s.line.Tasks())
}

// Close unbinds the replicas of the graph. The sequence can't be used
// after close.
func (s *Sequence) Close() error {
	for _, w := range s.workers {
		if w.replica != nil {
			w.replica.Close()
		}
	}
	s.workers = nil
	return nil
}

// Stepper executes the graph of one worker task by task.
type Stepper struct {
	s      *Sequence
	worker int
}

// Stepper returns single-step executor of provided worker. It must not
// be used concurrently with Exec.
func (s *Sequence) Stepper(worker int) *Stepper {
	return &Stepper{s: s, worker: worker}
}

// Step executes the next task. It returns true when the traversal of the
// graph is completed and the next step starts a new frame.
func (st *Stepper) Step() (bool, error) {
	if len(st.s.workers) == 0 {
		return false, fmt.Errorf("sequence %s: %w", st.s.id, dataflow.ErrClosed)
	}
	if st.worker < 0 || st.worker >= len(st.s.workers) {
		return false, fmt.Errorf("%w: worker %d of %d", dataflow.ErrInvalidArgument, st.worker, len(st.s.workers))
	}
	w := st.s.workers[st.worker]
	completed, err := w.cursor.Step(w.exec)
	if err != nil {
		w.cursor.Rewind()
		return false, err
	}
	if completed {
		atomic.AddInt64(&st.s.frames, 1)
	}
	return completed, nil
}
