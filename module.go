package dataflow

import (
	"fmt"

	"github.com/rs/xid"
)

type (
	// Module owns tasks and carries cross-task state. Implementations
	// embed Core and call Init in their constructors.
	Module interface {
		Name() string
		Tasks() []*Task
		core() *Core
	}

	// Core implements common module behaviour: tasks ownership and
	// frames configuration.
	Core struct {
		self       Module
		id         string
		name       string
		customName string
		tasks      []*Task
		nFrames    int
		perWave    int
	}
)

type (
	// Spawner produces a fresh instance of the module with the same
	// configuration and the same tasks and sockets layout.
	Spawner interface {
		Spawn() (Module, error)
	}

	// StateCopier copies private state of the module into the spawned
	// instance. Modules with stateful tasks must implement it to be
	// cloned.
	StateCopier interface {
		CopyState(dst Module) error
	}

	// FramesResizer is notified when the number of frames is changed. It
	// allows to resize private per-frame state.
	FramesResizer interface {
		ResizeFrames(from, to int)
	}

	// Resetter resets module state to the initial one.
	Resetter interface {
		Reset()
	}

	// Seeder sets the seed of module random streams.
	Seeder interface {
		Seed(seed int64)
	}

	// Completer reports if the module has no more data to produce.
	Completer interface {
		Done() bool
	}

	// Switch is implemented by modules that route data between
	// alternative paths. The commute task writes its input into the
	// output of the selected path, the select task reads the input of the
	// last committed path. Executors use it to skip untaken paths and to
	// jump back along loops.
	Switch interface {
		Module
		IsCommute(t *Task) bool
		IsSelect(t *Task) bool
		// Path returns the last committed path.
		Path() int
		// PathOf returns the path of commute output or select input
		// socket, -1 for any other socket.
		PathOf(s *Socket) int
	}
)

// Init initializes the core. It must be called before any task is
// created. Module is the structure that embeds the core.
func (c *Core) Init(m Module, name string) error {
	if m == nil {
		return fmt.Errorf("%w: nil module", ErrInvalidArgument)
	}
	if name == "" {
		return fmt.Errorf("%w: empty module name", ErrInvalidArgument)
	}
	c.self = m
	c.id = xid.New().String()
	c.name = name
	c.nFrames = 1
	c.perWave = 1
	return nil
}

func (c *Core) core() *Core {
	return c
}

// ID returns unique id of the module instance.
func (c *Core) ID() string {
	return c.id
}

// Name returns module name.
func (c *Core) Name() string {
	return c.name
}

// CustomName returns name set by user.
func (c *Core) CustomName() string {
	return c.customName
}

// SetCustomName sets a name to distinguish module instances in logs and
// graph exports.
func (c *Core) SetCustomName(name string) {
	c.customName = name
}

func (c *Core) displayName() string {
	if c.customName != "" {
		return c.customName
	}
	return c.name
}

// Tasks returns tasks of the module in creation order.
func (c *Core) Tasks() []*Task {
	return c.tasks
}

// Task returns the task by name. Nil is returned if there is no such
// task.
func (c *Core) Task(name string) *Task {
	for _, t := range c.tasks {
		if t.name == name {
			return t
		}
	}
	return nil
}

// CreateTask adds a new task to the module. Created task is replicable
// and stateless.
func (c *Core) CreateTask(name string, codelet Codelet) (*Task, error) {
	if c.self == nil {
		return nil, fmt.Errorf("%w: module core is not initialized", ErrInvalidArgument)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty task name in module %s", ErrInvalidArgument, c.displayName())
	}
	if c.Task(name) != nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrDuplicateTask, c.displayName(), name)
	}
	t := &Task{
		module:     c.self,
		name:       name,
		codelet:    codelet,
		replicable: true,
	}
	c.tasks = append(c.tasks, t)
	return t, nil
}

// NFrames returns number of frames processed by one execution.
func (c *Core) NFrames() int {
	return c.nFrames
}

// SetNFrames changes number of frames. Storage of all sockets is
// resized: data of existing frames is preserved, new frames are zeroed.
// Modules that implement FramesResizer are notified to resize their
// private state the same way.
func (c *Core) SetNFrames(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: module %s frames %d", ErrInvalidArgument, c.displayName(), n)
	}
	old := c.nFrames
	if old == n {
		return nil
	}
	for _, t := range c.tasks {
		for _, s := range t.sockets {
			s.resize(n)
		}
	}
	c.nFrames = n
	if c.perWave > n {
		c.perWave = n
	}
	if r, ok := c.self.(FramesResizer); ok {
		r.ResizeFrames(old, n)
	}
	return nil
}

// NFramesPerWave returns number of frames processed by one codelet call.
func (c *Core) NFramesPerWave() int {
	return c.perWave
}

// SetNFramesPerWave changes number of frames processed by one codelet
// call. It can't exceed number of frames.
func (c *Core) SetNFramesPerWave(n int) error {
	if n <= 0 || n > c.nFrames {
		return fmt.Errorf("%w: module %s frames per wave %d with %d frames",
			ErrInvalidArgument, c.displayName(), n, c.nFrames)
	}
	c.perWave = n
	return nil
}

// NWaves returns number of codelet calls to process all frames. The last
// wave can be partial.
func (c *Core) NWaves() int {
	return (c.nFrames + c.perWave - 1) / c.perWave
}

// SingleWave returns true if all frames are processed by one call.
func (c *Core) SingleWave() bool {
	return c.NWaves() == 1
}

// WaveFrames returns number of frames in the wave that starts with
// provided frame.
func (c *Core) WaveFrames(frame int) int {
	if left := c.nFrames - frame; left < c.perWave {
		return left
	}
	return c.perWave
}

// Replicable returns true if all tasks of the module are replicable.
func (c *Core) Replicable() bool {
	for _, t := range c.tasks {
		if !t.replicable {
			return false
		}
	}
	return true
}

// Stateful returns true if any task of the module is stateful.
func (c *Core) Stateful() bool {
	for _, t := range c.tasks {
		if t.stateful {
			return true
		}
	}
	return false
}

func (c *Core) String() string {
	return c.displayName()
}

// Clone returns a deep copy of the module. The module must implement
// Spawner and, if any of its tasks is stateful, StateCopier. Otherwise
// ErrUnsupported is returned. Bindings are not cloned.
func Clone(m Module) (Module, error) {
	src := m.core()
	sp, ok := m.(Spawner)
	if !ok {
		return nil, fmt.Errorf("%w: module %s can't be spawned", ErrUnsupported, src.displayName())
	}
	var cp StateCopier
	if src.Stateful() {
		if cp, ok = m.(StateCopier); !ok {
			return nil, fmt.Errorf("%w: module %s has no state copier", ErrUnsupported, src.displayName())
		}
	}
	clone, err := sp.Spawn()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", src.displayName(), err)
	}
	dst := clone.core()
	if err := sameLayout(src, dst); err != nil {
		return nil, err
	}
	dst.customName = src.customName
	if err := dst.SetNFrames(src.nFrames); err != nil {
		return nil, err
	}
	dst.perWave = src.perWave
	for i, t := range src.tasks {
		d := dst.tasks[i]
		d.replicable = t.replicable
		d.stateful = t.stateful
		d.statsOn = t.statsOn
	}
	if cp != nil {
		if err := cp.CopyState(clone); err != nil {
			return nil, fmt.Errorf("copy state of %s: %w", src.displayName(), err)
		}
	}
	return clone, nil
}

func sameLayout(src, dst *Core) error {
	if len(src.tasks) != len(dst.tasks) {
		return fmt.Errorf("%w: spawned %s has %d tasks, expected %d",
			ErrUnsupported, src.displayName(), len(dst.tasks), len(src.tasks))
	}
	for i, t := range src.tasks {
		d := dst.tasks[i]
		if t.name != d.name || len(t.sockets) != len(d.sockets) {
			return fmt.Errorf("%w: spawned %s has different task %s", ErrUnsupported, src.displayName(), t.name)
		}
		for j, s := range t.sockets {
			ds := d.sockets[j]
			if s.name != ds.name || s.dir != ds.dir || s.dt != ds.dt || s.elements != ds.elements {
				return fmt.Errorf("%w: spawned %s has different socket %s", ErrUnsupported, src.displayName(), s.FullName())
			}
		}
	}
	return nil
}
