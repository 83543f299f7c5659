// Package ctrl provides control flow modules: controller to produce the
// path index, switcher to route data between paths and iterator to bound
// loops.
package ctrl

import (
	"fmt"

	"pipelined.dev/dataflow"
)

// Datatype is the datatype of control sockets.
const Datatype = dataflow.Int32

// Switcher routes data to one of its paths. The commute task writes its
// "data" input into the "data<i>" output selected by the "ctrl" input.
// The select task forwards its "data<i>" input of the last committed
// path into the "data" output. Initial path is the last one, so loops
// are entered through the last select input.
type Switcher struct {
	dataflow.Core
	paths    int
	dt       dataflow.Datatype
	elements int
	path     int

	commute *dataflow.Task
	sel     *dataflow.Task
	in      *dataflow.Socket
	ctrl    *dataflow.Socket
	outs    []*dataflow.Socket
	ins     []*dataflow.Socket
	out     *dataflow.Socket
}

var _ dataflow.Switch = (*Switcher)(nil)

// NewSwitcher returns switcher with provided number of paths.
func NewSwitcher(paths int, dt dataflow.Datatype, elements int) (*Switcher, error) {
	if paths < 2 {
		return nil, fmt.Errorf("%w: switcher needs at least 2 paths, got %d", dataflow.ErrInvalidArgument, paths)
	}
	m := &Switcher{
		paths:    paths,
		dt:       dt,
		elements: elements,
		path:     paths - 1,
	}
	if err := m.Init(m, "Switcher"); err != nil {
		return nil, err
	}
	var err error
	if m.commute, err = m.CreateTask("commute", m.doCommute); err != nil {
		return nil, err
	}
	m.commute.SetStateful(true)
	if m.in, err = m.commute.CreateIn("data", dt, elements); err != nil {
		return nil, err
	}
	if m.ctrl, err = m.commute.CreateIn("ctrl", Datatype, 1); err != nil {
		return nil, err
	}
	for i := 0; i < paths; i++ {
		s, err := m.commute.CreateOut(fmt.Sprintf("data%d", i), dt, elements)
		if err != nil {
			return nil, err
		}
		m.outs = append(m.outs, s)
	}

	if m.sel, err = m.CreateTask("select", m.doSelect); err != nil {
		return nil, err
	}
	m.sel.SetStateful(true)
	for i := 0; i < paths; i++ {
		s, err := m.sel.CreateIn(fmt.Sprintf("data%d", i), dt, elements)
		if err != nil {
			return nil, err
		}
		m.ins = append(m.ins, s)
	}
	if m.out, err = m.sel.CreateOut("data", dt, elements); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Switcher) doCommute(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
	path := int(dataflow.Frame[int32](m.ctrl, frame)[0])
	if path < 0 || path >= m.paths {
		return dataflow.Failure, fmt.Errorf("%w: switcher %s path %d of %d", dataflow.ErrInvalidArgument, m, path, m.paths)
	}
	m.path = path
	copyFrames(m.outs[path], m.in, frame, m.WaveFrames(frame))
	return dataflow.Success, nil
}

func (m *Switcher) doSelect(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
	copyFrames(m.out, m.ins[m.path], frame, m.WaveFrames(frame))
	return dataflow.Success, nil
}

func copyFrames(dst, src *dataflow.Socket, frame, n int) {
	fb := src.FrameBytes()
	copy(dst.Data()[frame*fb:(frame+n)*fb], src.Data()[frame*fb:(frame+n)*fb])
}

// Commute returns commute task.
func (m *Switcher) Commute() *dataflow.Task {
	return m.commute
}

// Select returns select task.
func (m *Switcher) Select() *dataflow.Task {
	return m.sel
}

// IsCommute implements dataflow.Switch.
func (m *Switcher) IsCommute(t *dataflow.Task) bool {
	return t == m.commute
}

// IsSelect implements dataflow.Switch.
func (m *Switcher) IsSelect(t *dataflow.Task) bool {
	return t == m.sel
}

// Path implements dataflow.Switch.
func (m *Switcher) Path() int {
	return m.path
}

// PathOf implements dataflow.Switch.
func (m *Switcher) PathOf(s *dataflow.Socket) int {
	for i := range m.outs {
		if m.outs[i] == s || m.ins[i] == s {
			return i
		}
	}
	return -1
}

// Paths returns number of paths.
func (m *Switcher) Paths() int {
	return m.paths
}

// Reset implements dataflow.Resetter.
func (m *Switcher) Reset() {
	m.path = m.paths - 1
}

// Spawn implements dataflow.Spawner.
func (m *Switcher) Spawn() (dataflow.Module, error) {
	return NewSwitcher(m.paths, m.dt, m.elements)
}

// CopyState implements dataflow.StateCopier.
func (m *Switcher) CopyState(dst dataflow.Module) error {
	c, ok := dst.(*Switcher)
	if !ok {
		return fmt.Errorf("%w: %T is not a switcher", dataflow.ErrInvalidArgument, dst)
	}
	c.path = m.path
	return nil
}

// Controller writes the path index into its "ctrl" output. If cycle is
// greater than zero, the path is incremented after the last wave of every
// execution and wraps around after cycle paths. All frames of one
// execution get the same path.
type Controller struct {
	dataflow.Core
	path  int
	init  int
	cycle int
	out   *dataflow.Socket
}

// NewController returns controller that starts with provided path.
func NewController(path, cycle int) (*Controller, error) {
	if path < 0 || cycle < 0 || (cycle > 0 && path >= cycle) {
		return nil, fmt.Errorf("%w: controller path %d cycle %d", dataflow.ErrInvalidArgument, path, cycle)
	}
	m := &Controller{path: path, init: path, cycle: cycle}
	if err := m.Init(m, "Controller"); err != nil {
		return nil, err
	}
	t, err := m.CreateTask("control", func(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
		n := m.WaveFrames(frame)
		for f := frame; f < frame+n; f++ {
			dataflow.Frame[int32](m.out, f)[0] = int32(m.path)
		}
		if m.cycle > 0 && frame+n == m.NFrames() {
			m.path = (m.path + 1) % m.cycle
		}
		return dataflow.Success, nil
	})
	if err != nil {
		return nil, err
	}
	if cycle > 0 {
		t.SetStateful(true)
	}
	if m.out, err = t.CreateOut("ctrl", Datatype, 1); err != nil {
		return nil, err
	}
	return m, nil
}

// SetPath sets the path written on the next call.
func (m *Controller) SetPath(path int) {
	m.path = path
}

// Reset implements dataflow.Resetter.
func (m *Controller) Reset() {
	m.path = m.init
}

// Spawn implements dataflow.Spawner.
func (m *Controller) Spawn() (dataflow.Module, error) {
	return NewController(m.init, m.cycle)
}

// CopyState implements dataflow.StateCopier.
func (m *Controller) CopyState(dst dataflow.Module) error {
	c, ok := dst.(*Controller)
	if !ok {
		return fmt.Errorf("%w: %T is not a controller", dataflow.ErrInvalidArgument, dst)
	}
	c.path = m.path
	return nil
}

// Iterator bounds loops. Its "iterate" task writes 0 into "ctrl" output
// while the number of executions is less than the limit. Then it writes 1
// and starts over. Executions are counted on the last wave, so all frames
// of one execution get the same value.
type Iterator struct {
	dataflow.Core
	limit int
	calls int
	out   *dataflow.Socket
}

// NewIterator returns iterator with provided limit.
func NewIterator(limit int) (*Iterator, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: iterator limit %d", dataflow.ErrInvalidArgument, limit)
	}
	m := &Iterator{limit: limit}
	if err := m.Init(m, "Iterator"); err != nil {
		return nil, err
	}
	t, err := m.CreateTask("iterate", func(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
		var path int32
		if m.calls >= m.limit {
			path = 1
		}
		n := m.WaveFrames(frame)
		for f := frame; f < frame+n; f++ {
			dataflow.Frame[int32](m.out, f)[0] = path
		}
		if frame+n < m.NFrames() {
			return dataflow.Success, nil
		}
		if path == 0 {
			m.calls++
		} else {
			m.calls = 0
		}
		return dataflow.Success, nil
	})
	if err != nil {
		return nil, err
	}
	t.SetStateful(true)
	if m.out, err = t.CreateOut("ctrl", Datatype, 1); err != nil {
		return nil, err
	}
	return m, nil
}

// Reset implements dataflow.Resetter.
func (m *Iterator) Reset() {
	m.calls = 0
}

// Spawn implements dataflow.Spawner.
func (m *Iterator) Spawn() (dataflow.Module, error) {
	return NewIterator(m.limit)
}

// CopyState implements dataflow.StateCopier.
func (m *Iterator) CopyState(dst dataflow.Module) error {
	c, ok := dst.(*Iterator)
	if !ok {
		return fmt.Errorf("%w: %T is not an iterator", dataflow.ErrInvalidArgument, dst)
	}
	c.calls = m.calls
	return nil
}
