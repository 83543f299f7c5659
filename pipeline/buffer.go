package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"pipelined.dev/dataflow/internal/pool"
)

// WaitMode defines how stage goroutines wait on sync buffers.
type WaitMode int

const (
	// Passive mode blocks the goroutine.
	Passive WaitMode = iota
	// Active mode spins and yields the processor.
	Active
)

func (m WaitMode) String() string {
	switch m {
	case Passive:
		return "passive"
	case Active:
		return "active"
	}
	return fmt.Sprintf("waitmode(%d)", int(m))
}

// DefaultBufferSize is the capacity of sync buffers if not set.
const DefaultBufferSize = 2

type kind uint8

const (
	// data payload must be executed.
	data kind = iota
	// skip payload is forwarded without execution.
	skip
	// eos marks the end of stream.
	eos
)

// payload carries copies of sockets that cross the stage boundary.
type payload struct {
	frame int
	kind  kind
	data  [][]byte
}

// syncBuffer is a bounded single producer single consumer queue of
// payloads. Producer acquires a free slot, fills it and pushes it.
// Consumer pulls the oldest slot and releases it when it's not needed
// anymore. Slots are released in the order they were pulled.
type syncBuffer interface {
	acquire(ctx context.Context) (*payload, error)
	push(p *payload)
	pull(ctx context.Context) (*payload, error)
	release(p *payload)
	// free returns slots storage to the pools. Buffer can't be used
	// after that.
	free()
}

// slots is the storage of buffer payloads.
type slots []payload

func newSlots(capacity int, sizes []int) slots {
	s := make(slots, capacity)
	for i := range s {
		s[i].data = make([][]byte, len(sizes))
		for j, size := range sizes {
			s[i].data[j] = pool.Get(size).Alloc()
		}
	}
	return s
}

func (s slots) free() {
	for i := range s {
		for j, b := range s[i].data {
			pool.Get(len(b)).Free(b)
			s[i].data[j] = nil
		}
	}
}

func newBuffer(mode WaitMode, capacity int, sizes []int) syncBuffer {
	s := newSlots(capacity, sizes)
	if mode == Active {
		return &activeBuffer{slots: s}
	}
	b := &passiveBuffer{
		slots: s,
		empty: make(chan *payload, capacity),
		full:  make(chan *payload, capacity),
	}
	for i := range s {
		b.empty <- &s[i]
	}
	return b
}

type passiveBuffer struct {
	slots
	empty chan *payload
	full  chan *payload
}

func (b *passiveBuffer) acquire(ctx context.Context) (*payload, error) {
	select {
	case p := <-b.empty:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// push never blocks, there are no more slots than capacity.
func (b *passiveBuffer) push(p *payload) {
	b.full <- p
}

func (b *passiveBuffer) pull(ctx context.Context) (*payload, error) {
	select {
	case p := <-b.full:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *passiveBuffer) release(p *payload) {
	b.empty <- p
}

// activeBuffer is a ring of slots. Head is only advanced by consumer,
// tail is only advanced by producer.
type activeBuffer struct {
	slots
	head  atomic.Uint64
	tail  atomic.Uint64
}

func (b *activeBuffer) acquire(ctx context.Context) (*payload, error) {
	n := uint64(len(b.slots))
	for b.tail.Load()-b.head.Load() == n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runtime.Gosched()
	}
	return &b.slots[b.tail.Load()%n], nil
}

func (b *activeBuffer) push(*payload) {
	b.tail.Add(1)
}

func (b *activeBuffer) pull(ctx context.Context) (*payload, error) {
	for b.head.Load() == b.tail.Load() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runtime.Gosched()
	}
	return &b.slots[b.head.Load()%uint64(len(b.slots))], nil
}

func (b *activeBuffer) release(*payload) {
	b.head.Add(1)
}
