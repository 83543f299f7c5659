// Package barrier implements counting barrier for goroutines that
// process frames in lockstep.
package barrier

import (
	"context"
	"sync"
)

// Barrier blocks parties until all of them arrive. It's reusable: once
// the last party arrives, the next generation starts.
type Barrier struct {
	parties int
	m       sync.Mutex
	arrived int
	release chan struct{}
}

// New returns barrier for provided number of parties.
func New(parties int) *Barrier {
	if parties < 1 {
		parties = 1
	}
	return &Barrier{
		parties: parties,
		release: make(chan struct{}),
	}
}

// Parties returns number of parties.
func (b *Barrier) Parties() int {
	return b.parties
}

// Arrive registers arrival of one party. The returned channel is closed
// when all parties of the current generation arrived.
func (b *Barrier) Arrive() <-chan struct{} {
	b.m.Lock()
	defer b.m.Unlock()
	release := b.release
	b.arrived++
	if b.arrived == b.parties {
		close(release)
		b.arrived = 0
		b.release = make(chan struct{})
	}
	return release
}

// Wait blocks until the generation is released or context is done.
func Wait(ctx context.Context, release <-chan struct{}) error {
	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await arrives and waits for other parties.
func (b *Barrier) Await(ctx context.Context) error {
	return Wait(ctx, b.Arrive())
}

// Reset releases parties of the current generation and starts a new one.
func (b *Barrier) Reset() {
	b.m.Lock()
	defer b.m.Unlock()
	close(b.release)
	b.arrived = 0
	b.release = make(chan struct{})
}
