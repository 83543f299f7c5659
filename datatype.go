package dataflow

import (
	"fmt"
	"unsafe"
)

// Datatype identifies the type of socket elements.
type Datatype uint8

// Supported datatypes.
const (
	Int8 Datatype = iota + 1
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
)

// Elem is a constraint for types that can be stored in sockets.
type Elem interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// Size returns the number of bytes in one element.
func (d Datatype) Size() int {
	switch d {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

func (d Datatype) String() string {
	switch d {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("datatype(%d)", uint8(d))
}

// DatatypeOf returns datatype of type parameter.
func DatatypeOf[T Elem]() Datatype {
	var v T
	switch any(v).(type) {
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return 0
}

// Slice returns typed view of the whole socket storage. It panics if T
// doesn't match the socket datatype. Nil is returned if socket has no
// storage.
func Slice[T Elem](s *Socket) []T {
	return view[T](s, s.Data())
}

// Frame returns typed view of the socket storage for a single frame.
func Frame[T Elem](s *Socket, frame int) []T {
	b := s.Data()
	if b == nil {
		return nil
	}
	fb := s.FrameBytes()
	return view[T](s, b[frame*fb:(frame+1)*fb])
}

// Frames returns typed view of the socket storage for n frames starting
// at the provided one.
func Frames[T Elem](s *Socket, frame, n int) []T {
	b := s.Data()
	if b == nil {
		return nil
	}
	fb := s.FrameBytes()
	return view[T](s, b[frame*fb:(frame+n)*fb])
}

func view[T Elem](s *Socket, b []byte) []T {
	if dt := DatatypeOf[T](); dt != s.dt {
		panic(fmt.Sprintf("socket %s has datatype %v, requested %v", s.FullName(), s.dt, dt))
	}
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/s.dt.Size())
}

// Alloc returns zeroed storage of n bytes aligned to 8 bytes, so it can
// be viewed as any Elem type.
func Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
