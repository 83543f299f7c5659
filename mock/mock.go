// Package mock provides simple modules to build graphs and execute
// integration tests.
package mock

import (
	"fmt"
	"math/rand"
	"time"

	"pipelined.dev/dataflow"
)

// Counter counts codelet calls and processed frames.
type Counter struct {
	Calls  int
	Frames int
}

func (c *Counter) advance(frames int) {
	c.Calls++
	c.Frames += frames
}

func (c *Counter) reset() {
	c.Calls, c.Frames = 0, 0
}

// Initializer fills its output with a constant value.
type Initializer[T dataflow.Elem] struct {
	dataflow.Core
	Counter
	elements int
	value    T
	out      *dataflow.Socket
}

// NewInitializer returns initializer that writes provided value into
// every element of its output.
func NewInitializer[T dataflow.Elem](elements int, value T) (*Initializer[T], error) {
	m := &Initializer[T]{elements: elements, value: value}
	if err := m.Init(m, "Initializer"); err != nil {
		return nil, err
	}
	t, err := m.CreateTask("initialize", func(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
		n := m.WaveFrames(frame)
		out := dataflow.Frames[T](m.out, frame, n)
		for i := range out {
			out[i] = m.value
		}
		m.advance(n)
		return dataflow.Success, nil
	})
	if err != nil {
		return nil, err
	}
	if m.out, err = t.CreateOut("out", dataflow.DatatypeOf[T](), elements); err != nil {
		return nil, err
	}
	return m, nil
}

// SetValue changes initialization value.
func (m *Initializer[T]) SetValue(v T) {
	m.value = v
}

// Spawn implements dataflow.Spawner.
func (m *Initializer[T]) Spawn() (dataflow.Module, error) {
	return NewInitializer[T](m.elements, m.value)
}

// Incrementer adds one to every element of its input.
type Incrementer[T dataflow.Elem] struct {
	dataflow.Core
	Counter
	// Latency is slept on every call to emulate the workload.
	Latency  time.Duration
	elements int
	in, out  *dataflow.Socket
}

// NewIncrementer returns incrementer with provided number of elements.
func NewIncrementer[T dataflow.Elem](elements int) (*Incrementer[T], error) {
	m := &Incrementer[T]{elements: elements}
	if err := m.Init(m, "Incrementer"); err != nil {
		return nil, err
	}
	t, err := m.CreateTask("increment", func(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
		n := m.WaveFrames(frame)
		in := dataflow.Frames[T](m.in, frame, n)
		out := dataflow.Frames[T](m.out, frame, n)
		for i := range in {
			out[i] = in[i] + 1
		}
		if m.Latency > 0 {
			time.Sleep(m.Latency)
		}
		m.advance(n)
		return dataflow.Success, nil
	})
	if err != nil {
		return nil, err
	}
	dt := dataflow.DatatypeOf[T]()
	if m.in, err = t.CreateIn("in", dt, elements); err != nil {
		return nil, err
	}
	if m.out, err = t.CreateOut("out", dt, elements); err != nil {
		return nil, err
	}
	return m, nil
}

// Spawn implements dataflow.Spawner.
func (m *Incrementer[T]) Spawn() (dataflow.Module, error) {
	c, err := NewIncrementer[T](m.elements)
	if err != nil {
		return nil, err
	}
	c.Latency = m.Latency
	return c, nil
}

// Relayer forwards its data in place after the latency.
type Relayer[T dataflow.Elem] struct {
	dataflow.Core
	Counter
	// Latency is slept on every call to emulate the workload.
	Latency  time.Duration
	elements int
}

// NewRelayer returns relayer with forward socket of provided size.
func NewRelayer[T dataflow.Elem](elements int, latency time.Duration) (*Relayer[T], error) {
	m := &Relayer[T]{elements: elements, Latency: latency}
	if err := m.Init(m, "Relayer"); err != nil {
		return nil, err
	}
	t, err := m.CreateTask("relay", func(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
		if m.Latency > 0 {
			time.Sleep(m.Latency)
		}
		m.advance(m.WaveFrames(frame))
		return dataflow.Success, nil
	})
	if err != nil {
		return nil, err
	}
	if _, err = t.CreateFwd("fwd", dataflow.DatatypeOf[T](), elements); err != nil {
		return nil, err
	}
	return m, nil
}

// Spawn implements dataflow.Spawner.
func (m *Relayer[T]) Spawn() (dataflow.Module, error) {
	return NewRelayer[T](m.elements, m.Latency)
}

// Source produces frames filled with the frame sequence number: 0 for
// the first produced frame, 1 for the second and so on. Once the limit
// is reached, it returns dataflow.ErrProcessingAborted unless AutoReset
// is set. Zero limit means infinite source.
type Source[T dataflow.Elem] struct {
	dataflow.Core
	Counter
	Limit     int
	AutoReset bool
	// ErrorOnCall is returned by codelet if set.
	ErrorOnCall error
	elements    int
	next        int
	out         *dataflow.Socket
}

// NewSource returns new source with provided limit of frames.
func NewSource[T dataflow.Elem](elements, limit int) (*Source[T], error) {
	m := &Source[T]{elements: elements, Limit: limit}
	if err := m.Init(m, "Source"); err != nil {
		return nil, err
	}
	t, err := m.CreateTask("generate", m.generate)
	if err != nil {
		return nil, err
	}
	t.SetReplicable(false)
	t.SetStateful(true)
	if m.out, err = t.CreateOut("out", dataflow.DatatypeOf[T](), elements); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Source[T]) generate(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
	if m.ErrorOnCall != nil {
		return dataflow.Failure, m.ErrorOnCall
	}
	n := m.WaveFrames(frame)
	produced := 0
	for f := frame; f < frame+n; f++ {
		if m.Done() {
			if !m.AutoReset {
				break
			}
			m.next = 0
		}
		out := dataflow.Frame[T](m.out, f)
		for i := range out {
			out[i] = T(m.next)
		}
		m.next++
		produced++
	}
	// frames after the end of stream are zero padded
	pad := dataflow.Frames[T](m.out, frame+produced, n-produced)
	for i := range pad {
		pad[i] = 0
	}
	if produced == 0 {
		return dataflow.Failure, fmt.Errorf("source %s: %w", m.Name(), dataflow.ErrProcessingAborted)
	}
	m.advance(produced)
	return dataflow.Success, nil
}

// ResizeFrames implements dataflow.FramesResizer. Source generates all
// frames of a call in one wave.
func (m *Source[T]) ResizeFrames(_, to int) {
	// to is positive and equals the number of frames
	_ = m.SetNFramesPerWave(to)
}

// Done implements dataflow.Completer.
func (m *Source[T]) Done() bool {
	return m.Limit > 0 && m.next >= m.Limit
}

// Reset implements dataflow.Resetter.
func (m *Source[T]) Reset() {
	m.next = 0
	m.reset()
}

// Spawn implements dataflow.Spawner.
func (m *Source[T]) Spawn() (dataflow.Module, error) {
	c, err := NewSource[T](m.elements, m.Limit)
	if err != nil {
		return nil, err
	}
	c.AutoReset = m.AutoReset
	c.ErrorOnCall = m.ErrorOnCall
	return c, nil
}

// CopyState implements dataflow.StateCopier.
func (m *Source[T]) CopyState(dst dataflow.Module) error {
	c, ok := dst.(*Source[T])
	if !ok {
		return fmt.Errorf("%w: %T is not %T", dataflow.ErrInvalidArgument, dst, m)
	}
	c.next = m.next
	c.Counter = m.Counter
	return nil
}

// Finalizer records the data it receives. Recorded values are not
// thread-safe and should not be checked while the graph is executed.
type Finalizer[T dataflow.Elem] struct {
	dataflow.Core
	Counter
	// Discard disables recording of the history.
	Discard  bool
	elements int
	last     []T
	history  [][]T
	in       *dataflow.Socket
}

// NewFinalizer returns finalizer with provided input size.
func NewFinalizer[T dataflow.Elem](elements int) (*Finalizer[T], error) {
	m := &Finalizer[T]{elements: elements}
	if err := m.Init(m, "Finalizer"); err != nil {
		return nil, err
	}
	t, err := m.CreateTask("finalize", func(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
		n := m.WaveFrames(frame)
		for f := frame; f < frame+n; f++ {
			in := dataflow.Frame[T](m.in, f)
			if m.last == nil {
				m.last = make([]T, len(in))
			}
			copy(m.last, in)
			if !m.Discard {
				m.history = append(m.history, append([]T(nil), in...))
			}
		}
		m.advance(n)
		return dataflow.Success, nil
	})
	if err != nil {
		return nil, err
	}
	t.SetReplicable(false)
	t.SetStateful(true)
	if m.in, err = t.CreateIn("in", dataflow.DatatypeOf[T](), elements); err != nil {
		return nil, err
	}
	return m, nil
}

// Final returns the last received frame.
func (m *Finalizer[T]) Final() []T {
	return m.last
}

// History returns all received frames in order.
func (m *Finalizer[T]) History() [][]T {
	return m.history
}

// Reset implements dataflow.Resetter.
func (m *Finalizer[T]) Reset() {
	m.last = nil
	m.history = nil
	m.reset()
}

// Spawn implements dataflow.Spawner.
func (m *Finalizer[T]) Spawn() (dataflow.Module, error) {
	c, err := NewFinalizer[T](m.elements)
	if err != nil {
		return nil, err
	}
	c.Discard = m.Discard
	return c, nil
}

// CopyState implements dataflow.StateCopier.
func (m *Finalizer[T]) CopyState(dst dataflow.Module) error {
	c, ok := dst.(*Finalizer[T])
	if !ok {
		return fmt.Errorf("%w: %T is not %T", dataflow.ErrInvalidArgument, dst, m)
	}
	c.last = append([]T(nil), m.last...)
	c.history = make([][]T, len(m.history))
	for i := range m.history {
		c.history[i] = append([]T(nil), m.history[i]...)
	}
	c.Counter = m.Counter
	return nil
}

// Delayer outputs the data received on the previous call. It keeps one
// frame of history per frame slot.
type Delayer[T dataflow.Elem] struct {
	dataflow.Core
	elements int
	memory   []T
	in, out  *dataflow.Socket
}

// NewDelayer returns delay line with provided frame size.
func NewDelayer[T dataflow.Elem](elements int) (*Delayer[T], error) {
	m := &Delayer[T]{elements: elements}
	if err := m.Init(m, "Delayer"); err != nil {
		return nil, err
	}
	t, err := m.CreateTask("delay", func(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
		n := m.WaveFrames(frame)
		in := dataflow.Frames[T](m.in, frame, n)
		out := dataflow.Frames[T](m.out, frame, n)
		mem := m.memory[frame*m.elements : (frame+n)*m.elements]
		copy(out, mem)
		copy(mem, in)
		return dataflow.Success, nil
	})
	if err != nil {
		return nil, err
	}
	t.SetReplicable(false)
	t.SetStateful(true)
	dt := dataflow.DatatypeOf[T]()
	if m.in, err = t.CreateIn("in", dt, elements); err != nil {
		return nil, err
	}
	if m.out, err = t.CreateOut("out", dt, elements); err != nil {
		return nil, err
	}
	m.memory = make([]T, elements*m.NFrames())
	return m, nil
}

// Memory returns the history of the delay line.
func (m *Delayer[T]) Memory() []T {
	return m.memory
}

// SetMemory fills the history with provided value.
func (m *Delayer[T]) SetMemory(v T) {
	for i := range m.memory {
		m.memory[i] = v
	}
}

// ResizeFrames implements dataflow.FramesResizer. History of existing
// frames is preserved, new frames are zeroed.
func (m *Delayer[T]) ResizeFrames(_, to int) {
	memory := make([]T, m.elements*to)
	copy(memory, m.memory)
	m.memory = memory
}

// Reset implements dataflow.Resetter.
func (m *Delayer[T]) Reset() {
	for i := range m.memory {
		m.memory[i] = 0
	}
}

// Spawn implements dataflow.Spawner.
func (m *Delayer[T]) Spawn() (dataflow.Module, error) {
	return NewDelayer[T](m.elements)
}

// CopyState implements dataflow.StateCopier.
func (m *Delayer[T]) CopyState(dst dataflow.Module) error {
	c, ok := dst.(*Delayer[T])
	if !ok {
		return fmt.Errorf("%w: %T is not %T", dataflow.ErrInvalidArgument, dst, m)
	}
	if len(c.memory) != len(m.memory) {
		c.memory = make([]T, len(m.memory))
	}
	copy(c.memory, m.memory)
	return nil
}

// Noise adds pseudo-random offsets in [0, Amplitude) to every element of
// its input. The stream is reproducible: equal seeds give equal offsets.
type Noise[T dataflow.Elem] struct {
	dataflow.Core
	Counter
	amplitude int
	elements  int
	seed      int64
	draws     int
	rng       *rand.Rand
	in, out   *dataflow.Socket
}

// NewNoise returns noise generator with provided amplitude and seed.
func NewNoise[T dataflow.Elem](elements, amplitude int, seed int64) (*Noise[T], error) {
	if amplitude < 1 {
		return nil, fmt.Errorf("%w: noise amplitude %d", dataflow.ErrInvalidArgument, amplitude)
	}
	m := &Noise[T]{elements: elements, amplitude: amplitude}
	m.Seed(seed)
	if err := m.Init(m, "Noise"); err != nil {
		return nil, err
	}
	t, err := m.CreateTask("add", func(_ dataflow.Module, _ *dataflow.Task, frame int) (dataflow.Status, error) {
		n := m.WaveFrames(frame)
		in := dataflow.Frames[T](m.in, frame, n)
		out := dataflow.Frames[T](m.out, frame, n)
		for i := range in {
			out[i] = in[i] + T(m.rng.Intn(m.amplitude))
		}
		m.draws += len(in)
		m.advance(n)
		return dataflow.Success, nil
	})
	if err != nil {
		return nil, err
	}
	t.SetStateful(true)
	dt := dataflow.DatatypeOf[T]()
	if m.in, err = t.CreateIn("in", dt, elements); err != nil {
		return nil, err
	}
	if m.out, err = t.CreateOut("out", dt, elements); err != nil {
		return nil, err
	}
	return m, nil
}

// Seed implements dataflow.Seeder. The stream starts over.
func (m *Noise[T]) Seed(seed int64) {
	m.seed = seed
	m.draws = 0
	m.rng = rand.New(rand.NewSource(seed))
}

// SeedValue returns the current seed.
func (m *Noise[T]) SeedValue() int64 {
	return m.seed
}

// Reset implements dataflow.Resetter.
func (m *Noise[T]) Reset() {
	m.Seed(m.seed)
	m.reset()
}

// Spawn implements dataflow.Spawner.
func (m *Noise[T]) Spawn() (dataflow.Module, error) {
	return NewNoise[T](m.elements, m.amplitude, m.seed)
}

// CopyState implements dataflow.StateCopier. The clone replays the draws,
// so it continues the same stream.
func (m *Noise[T]) CopyState(dst dataflow.Module) error {
	c, ok := dst.(*Noise[T])
	if !ok {
		return fmt.Errorf("%w: %T is not %T", dataflow.ErrInvalidArgument, dst, m)
	}
	c.Seed(m.seed)
	for i := 0; i < m.draws; i++ {
		c.rng.Intn(c.amplitude)
	}
	c.draws = m.draws
	c.Counter = m.Counter
	return nil
}

// Chain binds tasks sequentially: the first socket of every next task
// is bound to the last socket of the previous one.
func Chain(tasks ...*dataflow.Task) error {
	for i := 1; i < len(tasks); i++ {
		prev := tasks[i-1].Sockets()
		if err := tasks[i].Bind(0, prev[len(prev)-1]); err != nil {
			return err
		}
	}
	return nil
}
