// Package pipeline executes task graphs split into stages. Every stage
// has its own pool of goroutines and stages are connected with bounded
// sync buffers, so stages process different frames at the same time.
//
// Frame f is processed by thread f mod n of the stage with n threads.
// Every pair of threads of adjacent stages is connected with a single
// producer single consumer buffer, which keeps the order of frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/internal/execution"
	"pipelined.dev/dataflow/log"
	"pipelined.dev/dataflow/metric"
	"pipelined.dev/dataflow/pin"
)

// ErrBackEdge is returned if the stage has a loop or a binding goes from
// a later stage to an earlier one.
var ErrBackEdge = execution.ErrBackEdge

// ErrSplitSwitch is returned if commute and select tasks of a switch are
// assigned to different stages. The committed path is module state and
// can't be shared by the goroutines of two stages.
var ErrSplitSwitch = errors.New("switch is split between stages")

type (
	// Pipeline executes stages concurrently.
	Pipeline struct {
		id      string
		stages  []*Stage
		sizes   []int
		modes   []WaitMode
		policy  string
		pinner  pin.Pinner
		logger  logrus.FieldLogger
		metrics *metric.Metrics
		frames  int64
		closed  bool
	}

	// Option configures the pipeline.
	Option func(*Pipeline)
)

// WithBufferSize sets capacity of sync buffers. A single value is used
// for all boundaries, otherwise there must be a value per boundary.
func WithBufferSize(sizes ...int) Option {
	return func(p *Pipeline) {
		p.sizes = sizes
	}
}

// WithWaitMode sets wait mode of sync buffers. A single value is used for
// all boundaries, otherwise there must be a value per boundary.
func WithWaitMode(modes ...WaitMode) Option {
	return func(p *Pipeline) {
		p.modes = modes
	}
}

// WithPinningPolicy sets cores of pinned stages. See package pin for the
// policy format.
func WithPinningPolicy(policy string) Option {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// WithPinner sets the affinity capability used to pin stage threads.
func WithPinner(pinner pin.Pinner) Option {
	return func(p *Pipeline) {
		p.pinner = pinner
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithMetrics enables prometheus metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New validates the stages and prepares per-thread replicas of the graph.
func New(specs []StageSpec, options ...Option) (*Pipeline, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: pipeline without stages", dataflow.ErrInvalidArgument)
	}
	p := &Pipeline{
		id:     xid.New().String(),
		pinner: pin.Default(),
	}
	for _, option := range options {
		option(p)
	}
	p.logger = log.Executor(p.logger, "pipeline", p.id)
	if err := p.checkBoundaries(len(specs) - 1); err != nil {
		return nil, err
	}

	stageOf, err := p.discover(specs)
	if err != nil {
		return nil, err
	}
	if err := p.checkEdges(stageOf); err != nil {
		return nil, err
	}
	p.crossings(stageOf)
	if err := p.resolveCores(specs); err != nil {
		return nil, err
	}

	for i, spec := range specs {
		s := p.stages[i]
		for id := 0; id < spec.Threads; id++ {
			th, err := s.newThread(id)
			if err != nil {
				p.Close()
				return nil, err
			}
			s.threads = append(s.threads, th)
		}
		p.logger.WithFields(logrus.Fields{
			"stage":   i,
			"tasks":   len(s.tasks),
			"threads": spec.Threads,
			"in":      len(s.in),
			"out":     len(s.out),
		}).Debug("stage created")
	}
	return p, nil
}

func (p *Pipeline) checkBoundaries(n int) error {
	if len(p.sizes) == 0 {
		p.sizes = []int{DefaultBufferSize}
	}
	if len(p.modes) == 0 {
		p.modes = []WaitMode{Passive}
	}
	if len(p.sizes) != 1 && len(p.sizes) != n {
		return fmt.Errorf("%w: %d buffer sizes for %d boundaries", dataflow.ErrInvalidArgument, len(p.sizes), n)
	}
	if len(p.modes) != 1 && len(p.modes) != n {
		return fmt.Errorf("%w: %d wait modes for %d boundaries", dataflow.ErrInvalidArgument, len(p.modes), n)
	}
	for _, size := range p.sizes {
		if size < 1 {
			return fmt.Errorf("%w: buffer size %d", dataflow.ErrInvalidArgument, size)
		}
	}
	return nil
}

func (p *Pipeline) bufferSize(boundary int) int {
	if len(p.sizes) == 1 {
		return p.sizes[0]
	}
	return p.sizes[boundary]
}

func (p *Pipeline) waitMode(boundary int) WaitMode {
	if len(p.modes) == 1 {
		return p.modes[0]
	}
	return p.modes[boundary]
}

// discover assigns tasks to stages and compiles every stage.
func (p *Pipeline) discover(specs []StageSpec) (map[*dataflow.Task]int, error) {
	firsts := make(map[*dataflow.Task]int)
	for i, spec := range specs {
		if spec.Threads < 1 {
			return nil, fmt.Errorf("%w: stage %d threads %d", dataflow.ErrInvalidArgument, i, spec.Threads)
		}
		if len(spec.First) == 0 {
			return nil, fmt.Errorf("%w: stage %d has no first tasks", dataflow.ErrInvalidArgument, i)
		}
		for _, t := range spec.First {
			if j, ok := firsts[t]; ok && j != i {
				return nil, fmt.Errorf("%w: task %s is first in stages %d and %d", dataflow.ErrInvalidArgument, t.FullName(), j, i)
			}
			firsts[t] = i
		}
	}

	stageOf := make(map[*dataflow.Task]int)
	for i, spec := range specs {
		tasks := discover(spec, i, firsts, stageOf)
		for _, t := range tasks {
			stageOf[t] = i
		}
		line, err := execution.Compile(spec.First, tasks, false)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		if spec.Threads > 1 {
			for _, t := range tasks {
				if !t.Replicable() {
					return nil, fmt.Errorf("stage %d with %d threads: %w: %s", i, spec.Threads, dataflow.ErrNotReplicable, t.FullName())
				}
			}
		}
		p.stages = append(p.stages, &Stage{
			index:  i,
			first:  spec.First,
			tasks:  tasks,
			line:   line,
			pinned: spec.Pinned,
		})
	}
	return stageOf, nil
}

// checkEdges verifies that data and control flow goes from earlier stages
// to later ones.
func (p *Pipeline) checkEdges(stageOf map[*dataflow.Task]int) error {
	for _, s := range p.stages {
		for _, t := range s.tasks {
			for _, sock := range t.Sockets() {
				up := sock.Upstream()
				if up == nil {
					continue
				}
				j, ok := stageOf[up.Task()]
				if !ok {
					return fmt.Errorf("%w: %s is bound to %s outside of the pipeline",
						dataflow.ErrInvalidArgument, sock.FullName(), up.FullName())
				}
				if j > s.index {
					return fmt.Errorf("%w: %s in stage %d is bound to %s in stage %d",
						ErrBackEdge, sock.FullName(), s.index, up.FullName(), j)
				}
			}
			for _, d := range t.Dependencies() {
				if j, ok := stageOf[d]; ok && j > s.index {
					return fmt.Errorf("%w: %s in stage %d runs after %s in stage %d",
						ErrBackEdge, t.FullName(), s.index, d.FullName(), j)
				}
			}
			for _, n := range t.Successors() {
				if _, ok := stageOf[n]; !ok {
					return fmt.Errorf("%w: %s follows %s in stage %d but is not assigned to any stage",
						dataflow.ErrInvalidArgument, n.FullName(), t.FullName(), s.index)
				}
			}
			if sw, ok := t.Module().(dataflow.Switch); ok {
				for _, other := range sw.Tasks() {
					if j, ok := stageOf[other]; ok && j != s.index {
						return fmt.Errorf("%w: %s in stage %d, %s in stage %d",
							ErrSplitSwitch, t.FullName(), s.index, other.FullName(), j)
					}
				}
			}
		}
	}
	return nil
}

// crossings finds sockets sent over every boundary: sockets of earlier
// stages that have readers in later stages.
func (p *Pipeline) crossings(stageOf map[*dataflow.Task]int) {
	for b := 0; b < len(p.stages)-1; b++ {
		var sent []*dataflow.Socket
		for _, s := range p.stages[:b+1] {
			for _, t := range s.tasks {
				for _, sock := range t.Sockets() {
					for _, r := range sock.Readers() {
						if j, ok := stageOf[r.Task()]; ok && j > b {
							sent = append(sent, sock)
							break
						}
					}
				}
			}
		}
		p.stages[b].out = sent
		p.stages[b+1].in = sent
	}
}

// resolveCores assigns cores to threads of pinned stages.
func (p *Pipeline) resolveCores(specs []StageSpec) error {
	threads := make([]int, len(specs))
	pinned := false
	for i, spec := range specs {
		threads[i] = spec.Threads
		pinned = pinned || spec.Pinned
	}
	if !pinned {
		return nil
	}
	var (
		policy pin.Policy
		err    error
	)
	if p.policy != "" {
		if policy, err = pin.Parse(p.policy); err != nil {
			return err
		}
		if err := policy.Check(threads); err != nil {
			return err
		}
	} else {
		policy = pin.Sequential(threads, runtime.NumCPU())
	}
	for i, s := range p.stages {
		if s.pinned {
			s.cores = policy[i]
		}
	}
	return nil
}

// ID returns unique id of the pipeline.
func (p *Pipeline) ID() string {
	return p.id
}

// Stages returns stages of the pipeline.
func (p *Pipeline) Stages() []*Stage {
	return p.stages
}

// Frames returns number of frames that exited the pipeline.
func (p *Pipeline) Frames() int64 {
	return atomic.LoadInt64(&p.frames)
}

// RunN executes n frames.
func (p *Pipeline) RunN(ctx context.Context, n int) error {
	admitted := 0
	return p.Run(ctx, func() bool {
		if admitted == n {
			return true
		}
		admitted++
		return false
	})
}

// Run executes frames until stop returns true, a source is exhausted or
// the context is done. Stop is evaluated before every frame enters the
// pipeline, calls are serialized. Frames that already entered the
// pipeline are processed to completion. Nil stop runs until a source is
// exhausted.
func (p *Pipeline) Run(ctx context.Context, stop func() bool) error {
	if p.closed {
		return fmt.Errorf("pipeline %s: %w", p.id, dataflow.ErrClosed)
	}
	// buffers of every boundary, indexed by producer and consumer threads
	buffers := make([][][]syncBuffer, len(p.stages)-1)
	for b := range buffers {
		sizes := make([]int, len(p.stages[b].out))
		for i, s := range p.stages[b].out {
			sizes[i] = s.Bytes()
		}
		producers, consumers := p.stages[b].Threads(), p.stages[b+1].Threads()
		buffers[b] = make([][]syncBuffer, producers)
		for i := range buffers[b] {
			buffers[b][i] = make([]syncBuffer, consumers)
			for j := range buffers[b][i] {
				buffers[b][i][j] = newBuffer(p.waitMode(b), p.bufferSize(b), sizes)
			}
		}
	}

	r := &run{
		p:    p,
		ctx:  ctx,
		stop: stop,
		turn: make([]chan struct{}, p.stages[0].Threads()),
	}
	for i := range r.turn {
		r.turn[i] = make(chan struct{}, 1)
	}
	r.turn[0] <- struct{}{}

	// sync buffers are not interrupted by the caller context, so frames
	// in flight are drained once admission is stopped
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, s := range p.stages {
		for _, th := range s.threads {
			w := &worker{
				run:    r,
				stage:  s,
				thread: th,
				logger: p.logger.WithFields(logrus.Fields{"stage": s.index, "thread": th.id}),
			}
			if s.index > 0 {
				w.in = make([]syncBuffer, len(buffers[s.index-1]))
				for i := range w.in {
					w.in[i] = buffers[s.index-1][i][th.id]
				}
			}
			if s.index < len(p.stages)-1 {
				w.out = buffers[s.index][th.id]
			}
			g.Go(func() error {
				err := w.loop(gctx)
				if err != nil && !isContextErr(err) {
					r.fail(err)
				}
				return err
			})
		}
	}
	// errors are collected by workers
	_ = g.Wait()
	for b := range buffers {
		for i := range buffers[b] {
			for _, buf := range buffers[b][i] {
				buf.free()
			}
		}
	}
	return r.errs
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ExportDOT writes the graph in Graphviz format, stages are rendered as
// clusters.
func (p *Pipeline) ExportDOT(w io.Writer) error {
	groups := make([][]*dataflow.Task, len(p.stages))
	for i, s := range p.stages {
		groups[i] = s.Tasks()
	}
	return dataflow.WriteDOT(w, "pipeline", groups...)
}

// Close removes replicas of the graph and payload bindings. The pipeline
// can't be used after close.
func (p *Pipeline) Close() error {
	for _, s := range p.stages {
		for _, th := range s.threads {
			th.close()
		}
	}
	p.closed = true
	return nil
}

// run contains state shared by workers of one run.
type run struct {
	p    *Pipeline
	ctx  context.Context
	stop func() bool
	// turn passes the admission right between threads of the first stage.
	turn    []chan struct{}
	stopped int32

	m    sync.Mutex
	errs error
}

func (r *run) fail(err error) {
	r.m.Lock()
	r.errs = multierr.Append(r.errs, err)
	r.m.Unlock()
}

// admit waits for the turn of the thread and decides if the frame enters
// the pipeline. The turn is passed to the next thread in any case.
func (r *run) admit(ctx context.Context, thread int) (bool, error) {
	select {
	case <-r.turn[thread]:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() {
		r.turn[(thread+1)%len(r.turn)] <- struct{}{}
	}()
	if atomic.LoadInt32(&r.stopped) == 1 {
		return false, nil
	}
	if r.ctx.Err() != nil || (r.stop != nil && r.stop()) {
		atomic.StoreInt32(&r.stopped, 1)
		return false, nil
	}
	return true, nil
}

// worker executes frames of one stage thread.
type worker struct {
	*run
	stage  *Stage
	thread *thread
	in     []syncBuffer
	out    []syncBuffer
	logger logrus.FieldLogger
}

func (w *worker) loop(ctx context.Context) error {
	if err := w.pin(); err != nil {
		return err
	}
	if w.stage.pinned {
		defer runtime.UnlockOSThread()
	}
	// payload storage goes back to the pool after the run
	defer w.thread.unbind()
	var (
		stageLabel = strconv.Itoa(w.stage.index)
		meter      metric.MeasureFunc
	)
	if w.p.metrics != nil {
		meter = w.p.metrics.Meter(w.p.id, stageLabel)()
		w.p.metrics.Running(w.p.id, stageLabel, 1)
		defer w.p.metrics.Running(w.p.id, stageLabel, -1)
	}
	last := len(w.p.stages) - 1
	for f := w.thread.id; ; f += w.stage.Threads() {
		var in *payload
		if w.stage.index == 0 {
			ok, err := w.admit(ctx, w.thread.id)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		} else {
			var err error
			src := w.in[f%len(w.in)]
			if in, err = src.pull(ctx); err != nil {
				return err
			}
			if in.kind == eos {
				src.release(in)
				break
			}
		}

		k := data
		if in != nil {
			k = in.kind
		}
		if k == data {
			start := time.Now()
			if err := w.execute(in); err != nil {
				if !dataflow.IsAborted(err) {
					return err
				}
				w.logger.WithField("frame", f).Debug("source exhausted")
				atomic.StoreInt32(&w.stopped, 1)
				k = skip
			} else if meter != nil {
				meter(time.Since(start))
			}
		}

		if w.stage.index < last {
			dst := w.out[f%len(w.out)]
			out, err := dst.acquire(ctx)
			if err != nil {
				return err
			}
			out.frame, out.kind = f, k
			if k == data {
				w.thread.fill(in, out)
			}
			dst.push(out)
		} else if k == data {
			atomic.AddInt64(&w.p.frames, 1)
		}
		if in != nil {
			w.in[f%len(w.in)].release(in)
		}
	}

	// end of stream for every consumer
	for _, dst := range w.out {
		out, err := dst.acquire(ctx)
		if err != nil {
			return err
		}
		out.kind = eos
		dst.push(out)
	}
	w.logger.Debug("stage thread done")
	return nil
}

func (w *worker) pin() error {
	if !w.stage.pinned {
		return nil
	}
	runtime.LockOSThread()
	cores := w.stage.cores[w.thread.id]
	if err := w.p.pinner.Pin(cores); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("stage %d thread %d: %w", w.stage.index, w.thread.id, err)
	}
	w.logger.WithField("cores", cores.String()).Debug("thread pinned")
	return nil
}

func (w *worker) execute(in *payload) error {
	if in != nil {
		if err := w.thread.bind(in); err != nil {
			return err
		}
	}
	err := w.thread.cursor.Run(func(t *dataflow.Task) error {
		status, err := t.Exec(dataflow.AllFrames, true)
		if w.p.metrics != nil {
			w.p.metrics.Call(w.p.id, t.FullName(), status.String())
		}
		if err != nil {
			return err
		}
		if status != dataflow.Success {
			w.logger.WithField("task", t.FullName()).Warn("task returned failure")
		}
		return nil
	})
	if err != nil {
		w.thread.cursor.Rewind()
	}
	return err
}
