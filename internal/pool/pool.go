// Package pool caches storage of payload slots. Pipelines with the same
// boundary layout share pools, so repeated runs don't allocate.
package pool

import (
	"sync"

	"pipelined.dev/dataflow"
)

// Pool allocates zeroed byte slices of the same size.
type Pool struct {
	size int
	pool sync.Pool
}

var m = struct {
	sync.Mutex
	pools map[int]*Pool
}{
	pools: map[int]*Pool{},
}

// Get returns pool for provided size. Pools are cached, so multiple calls
// with the same size return the same instance.
func Get(size int) *Pool {
	m.Lock()
	defer m.Unlock()
	if p, ok := m.pools[size]; ok {
		return p
	}
	p := New(size)
	m.pools[size] = p
	return p
}

// New returns a pool that is not cached.
func New(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := dataflow.Alloc(size)
		return &b
	}
	return p
}

// Size returns size of allocated slices.
func (p *Pool) Size() int {
	return p.size
}

// Alloc returns slice from the pool. Content of reused slices is not
// cleared.
func (p *Pool) Alloc() []byte {
	return *p.pool.Get().(*[]byte)
}

// Free returns slice to the pool. Slices of other sizes are dropped.
func (p *Pool) Free(b []byte) {
	if len(b) != p.size {
		return
	}
	p.pool.Put(&b)
}
