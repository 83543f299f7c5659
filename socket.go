package dataflow

import (
	"fmt"
)

// Direction of the socket.
type Direction uint8

// Socket directions.
const (
	In Direction = iota
	Out
	InOut
	Fwd
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case InOut:
		return "inout"
	case Fwd:
		return "fwd"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// reads returns true if socket consumes upstream data.
func (d Direction) reads() bool {
	return d == In || d == InOut || d == Fwd
}

// writes returns true if socket can be bound downstream.
func (d Direction) writes() bool {
	return d == Out || d == Fwd
}

// Socket is a typed data port of the task. Storage of the socket is
// resolved in the following order: external buffer, upstream socket,
// owned buffer.
type Socket struct {
	task     *Task
	name     string
	dir      Direction
	dt       Datatype
	elements int
	nFrames  int

	own      []byte
	ext      []byte
	upstream *Socket
	readers  []*Socket
}

func newSocket(t *Task, name string, dir Direction, dt Datatype, elements, nFrames int) *Socket {
	s := &Socket{
		task:     t,
		name:     name,
		dir:      dir,
		dt:       dt,
		elements: elements,
		nFrames:  nFrames,
	}
	if dir == Out {
		s.own = Alloc(s.Bytes())
	}
	return s
}

// Name returns socket name.
func (s *Socket) Name() string {
	return s.name
}

// FullName returns socket name prefixed with module and task names.
func (s *Socket) FullName() string {
	if s == nil {
		return "<nil>"
	}
	if s.task == nil {
		return s.name
	}
	return s.task.FullName() + "." + s.name
}

// Task returns owner of the socket.
func (s *Socket) Task() *Task {
	return s.task
}

// Direction returns direction of the socket.
func (s *Socket) Direction() Direction {
	return s.dir
}

// Datatype returns datatype of the socket elements.
func (s *Socket) Datatype() Datatype {
	return s.dt
}

// Elements returns number of elements per frame.
func (s *Socket) Elements() int {
	return s.elements
}

// NFrames returns number of frames the socket storage holds.
func (s *Socket) NFrames() int {
	return s.nFrames
}

// FrameBytes returns number of bytes per frame.
func (s *Socket) FrameBytes() int {
	return s.elements * s.dt.Size()
}

// Bytes returns total number of bytes of socket storage.
func (s *Socket) Bytes() int {
	return s.FrameBytes() * s.nFrames
}

// Data returns the storage socket reads from or writes to. Nil is
// returned if socket has no storage.
func (s *Socket) Data() []byte {
	if s.ext != nil {
		return s.ext
	}
	if s.upstream != nil {
		return s.upstream.Data()
	}
	return s.own
}

// Upstream returns the socket this one is bound to.
func (s *Socket) Upstream() *Socket {
	return s.upstream
}

// Readers returns sockets bound to this one.
func (s *Socket) Readers() []*Socket {
	readers := make([]*Socket, len(s.readers))
	copy(readers, s.readers)
	return readers
}

// Bound returns true if socket has upstream or external buffer.
func (s *Socket) Bound() bool {
	return s.upstream != nil || s.ext != nil
}

// Bind connects the socket to the upstream one. Upstream must be Out or
// Fwd, this socket must be In, InOut or Fwd. Datatypes and total sizes
// must be equal. Input can be bound only once, unbind it first to rebind.
func (s *Socket) Bind(upstream *Socket) error {
	if err := s.checkBind(upstream); err != nil {
		return &BindError{
			From: upstream.FullName(),
			To:   s.FullName(),
			Err:  err,
		}
	}
	s.upstream = upstream
	upstream.readers = append(upstream.readers, s)
	return nil
}

func (s *Socket) checkBind(upstream *Socket) error {
	switch {
	case upstream == nil:
		return fmt.Errorf("%w: nil upstream", ErrInvalidArgument)
	case upstream == s:
		return fmt.Errorf("%w: socket bound to itself", ErrInvalidArgument)
	case !upstream.dir.writes():
		return fmt.Errorf("%w: upstream is %v", ErrDirection, upstream.dir)
	case !s.dir.reads():
		return fmt.Errorf("%w: socket is %v", ErrDirection, s.dir)
	case upstream.dt != s.dt:
		return fmt.Errorf("%w: %v != %v", ErrDatatype, upstream.dt, s.dt)
	case upstream.Bytes() != s.Bytes():
		return fmt.Errorf("%w: %d elements x %d frames != %d elements x %d frames",
			ErrSize, upstream.elements, upstream.nFrames, s.elements, s.nFrames)
	case s.upstream == upstream:
		return fmt.Errorf("%w: already bound to %s", ErrAlreadyBound, upstream.FullName())
	case s.upstream != nil:
		return fmt.Errorf("%w: bound to %s", ErrAlreadyBound, s.upstream.FullName())
	}
	return nil
}

// Unbind disconnects the socket from its upstream. It's no-op for
// unbound sockets.
func (s *Socket) Unbind() {
	if s.upstream == nil {
		return
	}
	readers := s.upstream.readers
	for i := range readers {
		if readers[i] == s {
			s.upstream.readers = append(readers[:i], readers[i+1:]...)
			break
		}
	}
	s.upstream = nil
}

// BindBuffer binds external storage to the socket. Buffer length must
// match the socket size. External storage takes precedence over
// upstream and owned storage until UnbindBuffer is called.
func (s *Socket) BindBuffer(b []byte) error {
	if len(b) != s.Bytes() {
		return &BindError{
			From: "buffer",
			To:   s.FullName(),
			Err:  fmt.Errorf("%w: %d bytes != %d bytes", ErrSize, len(b), s.Bytes()),
		}
	}
	s.ext = b
	return nil
}

// UnbindBuffer removes external storage. It's no-op if no buffer is bound.
func (s *Socket) UnbindBuffer() {
	s.ext = nil
}

// resize changes number of frames, preserving the data of the first
// min(old, new) frames.
func (s *Socket) resize(nFrames int) {
	if nFrames == s.nFrames {
		return
	}
	s.nFrames = nFrames
	if s.own != nil {
		own := Alloc(s.Bytes())
		copy(own, s.own)
		s.own = own
	}
}

func (s *Socket) String() string {
	return fmt.Sprintf("%s(%v %v[%d]x%d)", s.FullName(), s.dir, s.dt, s.elements, s.nFrames)
}
