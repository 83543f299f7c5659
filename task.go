package dataflow

import (
	"fmt"
	"time"
)

// AllFrames is the frame id to execute all waves of the module.
const AllFrames = -1

type (
	// Status is the result of codelet execution.
	Status int

	// Codelet is the computation closure of the task. Frame is the first
	// frame of the wave being processed.
	Codelet func(m Module, t *Task, frame int) (Status, error)

	// Task is a named unit of work owned by a module.
	Task struct {
		module     Module
		name       string
		sockets    []*Socket
		codelet    Codelet
		replicable bool
		stateful   bool

		// control dependencies.
		after  []*Task
		before []*Task

		statsOn bool
		stats   Stats
	}

	// Stats contains execution statistics of the task.
	Stats struct {
		Calls    uint64
		Failures uint64
		Total    time.Duration
		Min      time.Duration
		Max      time.Duration
	}
)

// Codelet statuses.
const (
	Success Status = iota
	Failure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Average returns average duration of a call.
func (s Stats) Average() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Calls)
}

// Name returns task name.
func (t *Task) Name() string {
	return t.name
}

// FullName returns task name prefixed with module name.
func (t *Task) FullName() string {
	if t.module == nil {
		return t.name
	}
	return t.module.core().displayName() + "." + t.name
}

// Module returns owner of the task.
func (t *Task) Module() Module {
	return t.module
}

// Sockets returns ordered sockets of the task.
func (t *Task) Sockets() []*Socket {
	return t.sockets
}

// Socket returns socket by name. Nil is returned if there is no such
// socket.
func (t *Task) Socket(name string) *Socket {
	for _, s := range t.sockets {
		if s.name == name {
			return s
		}
	}
	return nil
}

// Replicable returns true if the task has no cross-frame shared mutable
// state and can be executed concurrently on clones.
func (t *Task) Replicable() bool {
	return t.replicable
}

// SetReplicable marks the task as replicable.
func (t *Task) SetReplicable(v bool) {
	t.replicable = v
}

// Stateful returns true if the task keeps private state that must be
// copied on clone.
func (t *Task) Stateful() bool {
	return t.stateful
}

// SetStateful marks the task as stateful.
func (t *Task) SetStateful(v bool) {
	t.stateful = v
}

// SetCodelet replaces computation closure of the task.
func (t *Task) SetCodelet(c Codelet) {
	t.codelet = c
}

// CreateIn adds input socket to the task.
func (t *Task) CreateIn(name string, dt Datatype, elements int) (*Socket, error) {
	return t.createSocket(name, In, dt, elements)
}

// CreateOut adds output socket to the task. Its storage is allocated
// immediately.
func (t *Task) CreateOut(name string, dt Datatype, elements int) (*Socket, error) {
	return t.createSocket(name, Out, dt, elements)
}

// CreateInOut adds in-place socket to the task.
func (t *Task) CreateInOut(name string, dt Datatype, elements int) (*Socket, error) {
	return t.createSocket(name, InOut, dt, elements)
}

// CreateFwd adds forward socket to the task.
func (t *Task) CreateFwd(name string, dt Datatype, elements int) (*Socket, error) {
	return t.createSocket(name, Fwd, dt, elements)
}

func (t *Task) createSocket(name string, dir Direction, dt Datatype, elements int) (*Socket, error) {
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: empty socket name in task %s", ErrInvalidArgument, t.FullName())
	case elements <= 0:
		return nil, fmt.Errorf("%w: socket %s.%s elements %d", ErrInvalidArgument, t.FullName(), name, elements)
	case dt.Size() == 0:
		return nil, fmt.Errorf("%w: socket %s.%s datatype %v", ErrInvalidArgument, t.FullName(), name, dt)
	case t.Socket(name) != nil:
		return nil, fmt.Errorf("%w: socket %s.%s already exists", ErrInvalidArgument, t.FullName(), name)
	}
	s := newSocket(t, name, dir, dt, elements, t.module.core().nFrames)
	t.sockets = append(t.sockets, s)
	return s, nil
}

// Bind binds the socket at provided position to the upstream socket.
func (t *Task) Bind(pos int, upstream *Socket) error {
	if pos < 0 || pos >= len(t.sockets) {
		return fmt.Errorf("%w: task %s has no socket %d", ErrInvalidArgument, t.FullName(), pos)
	}
	return t.sockets[pos].Bind(upstream)
}

// After adds control dependency: the task will be executed after the
// provided one even if there is no data binding between them.
func (t *Task) After(prev *Task) error {
	if prev == nil || prev == t {
		return fmt.Errorf("%w: task %s can't depend on itself", ErrInvalidArgument, t.FullName())
	}
	for _, p := range t.after {
		if p == prev {
			return nil
		}
	}
	t.after = append(t.after, prev)
	prev.before = append(prev.before, t)
	return nil
}

// Dependencies returns tasks added with After.
func (t *Task) Dependencies() []*Task {
	return t.after
}

// Unbind removes all bindings of the task: its inputs upstreams, its
// outputs readers and control dependencies.
func (t *Task) Unbind() {
	for _, s := range t.sockets {
		s.Unbind()
		for _, r := range s.Readers() {
			r.Unbind()
		}
	}
	for _, p := range t.after {
		p.before = remove(p.before, t)
	}
	for _, n := range t.before {
		n.after = remove(n.after, t)
	}
	t.after, t.before = nil, nil
}

// Successors returns tasks that depend on this one by data binding or
// control dependency. Every task is listed once, in sockets order.
func (t *Task) Successors() []*Task {
	var succ []*Task
	for _, s := range t.sockets {
		if !s.dir.writes() {
			continue
		}
		for _, r := range s.readers {
			succ = appendUnique(succ, r.task)
		}
	}
	for _, n := range t.before {
		succ = appendUnique(succ, n)
	}
	return succ
}

// Predecessors returns tasks this one depends on.
func (t *Task) Predecessors() []*Task {
	var pred []*Task
	for _, s := range t.sockets {
		if s.upstream != nil {
			pred = appendUnique(pred, s.upstream.task)
		}
	}
	for _, p := range t.after {
		pred = appendUnique(pred, p)
	}
	return pred
}

// EnableStats turns execution statistics on or off.
func (t *Task) EnableStats(v bool) {
	t.statsOn = v
}

// Stats returns execution statistics of the task.
func (t *Task) Stats() Stats {
	return t.stats
}

// ResetStats clears execution statistics.
func (t *Task) ResetStats() {
	t.stats = Stats{}
}

// Exec executes the task for provided frame. If frame is AllFrames, all
// waves are executed. When managed is true, runtime owns output storage
// and every input must be bound. Otherwise the caller must bind external
// buffers to every output, the runtime reads and writes through them
// directly.
func (t *Task) Exec(frame int, managed bool) (Status, error) {
	if t.codelet == nil {
		return Failure, t.execError(frame, fmt.Errorf("%w: task has no codelet", ErrUnsupported))
	}
	if err := t.checkSockets(managed); err != nil {
		return Failure, t.execError(frame, err)
	}
	c := t.module.core()
	w0, w1 := 0, c.NWaves()
	if frame != AllFrames {
		if frame < 0 || frame >= c.nFrames {
			return Failure, t.execError(frame, fmt.Errorf("%w: %d frames", ErrInvalidArgument, c.nFrames))
		}
		w0 = frame / c.perWave
		w1 = w0 + 1
	}

	status := Success
	for w := w0; w < w1; w++ {
		s, err := t.call(w * c.perWave)
		if err != nil {
			// the call produced data, the end of stream is reported by
			// the next one
			if w > w0 && IsAborted(err) {
				return status, nil
			}
			return Failure, t.execError(frame, err)
		}
		if s != Success {
			status = s
		}
	}
	return status, nil
}

func (t *Task) call(frame int) (Status, error) {
	if !t.statsOn {
		return t.codelet(t.module, t, frame)
	}
	start := time.Now()
	s, err := t.codelet(t.module, t, frame)
	d := time.Since(start)
	t.stats.Calls++
	if s != Success {
		t.stats.Failures++
	}
	t.stats.Total += d
	if t.stats.Min == 0 || d < t.stats.Min {
		t.stats.Min = d
	}
	if d > t.stats.Max {
		t.stats.Max = d
	}
	return s, err
}

func (t *Task) checkSockets(managed bool) error {
	for _, s := range t.sockets {
		switch {
		case !managed && s.ext == nil && !(s.dir != Out && s.upstream != nil):
			return fmt.Errorf("%w: %s needs external buffer", ErrUnbound, s.FullName())
		case s.dir.reads() && !s.Bound():
			return fmt.Errorf("%w: %s", ErrUnbound, s.FullName())
		case len(s.Data()) != s.Bytes():
			return fmt.Errorf("%w: %s storage has %d bytes, expected %d", ErrSize, s.FullName(), len(s.Data()), s.Bytes())
		}
	}
	return nil
}

func (t *Task) execError(frame int, err error) error {
	module := ""
	if t.module != nil {
		module = t.module.core().displayName()
	}
	return &ExecError{
		Module: module,
		Task:   t.name,
		Frame:  frame,
		Err:    err,
	}
}

func (t *Task) String() string {
	return t.FullName()
}

// ExecWith binds provided buffers to the task sockets in order and
// executes the task with external memory.
func ExecWith(t *Task, frame int, buffers ...[]byte) (Status, error) {
	if len(buffers) != len(t.sockets) {
		return Failure, fmt.Errorf("%w: task %s has %d sockets, got %d buffers",
			ErrInvalidArgument, t.FullName(), len(t.sockets), len(buffers))
	}
	for i, b := range buffers {
		if err := t.sockets[i].BindBuffer(b); err != nil {
			return Failure, err
		}
	}
	return t.Exec(frame, false)
}

func appendUnique(tasks []*Task, t *Task) []*Task {
	for _, e := range tasks {
		if e == t {
			return tasks
		}
	}
	return append(tasks, t)
}

func remove(tasks []*Task, t *Task) []*Task {
	for i := range tasks {
		if tasks[i] == t {
			return append(tasks[:i], tasks[i+1:]...)
		}
	}
	return tasks
}
