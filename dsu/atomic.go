package dsu

import (
	"sync/atomic"

	"github.com/hupe1980/streamcc/core"
)

// AtomicDSU is a union-find whose parent slots are updated with
// compare-exchange, so ingest threads may race unions for different edges.
// Sizes are advisory (they only steer union order), so plain atomic adds
// suffice for them.
type AtomicDSU struct {
	parent []atomic.Uint32
	size   []atomic.Uint32
}

// NewAtomic creates an AtomicDSU with every vertex in its own set.
func NewAtomic(n uint32) *AtomicDSU {
	d := &AtomicDSU{
		parent: make([]atomic.Uint32, n),
		size:   make([]atomic.Uint32, n),
	}
	d.Reset()
	return d
}

// Reset returns every vertex to its own singleton set. Not safe to run
// concurrently with Find or Union.
func (d *AtomicDSU) Reset() {
	for i := range d.parent {
		d.parent[i].Store(uint32(i))
		d.size[i].Store(1)
	}
}

// Find returns the set representative of x. Path halving is applied with
// compare-exchange; a lost race just skips that halving step.
func (d *AtomicDSU) Find(x core.NodeID) core.NodeID {
	for {
		p := d.parent[x].Load()
		if core.NodeID(p) == x {
			return x
		}
		gp := d.parent[p].Load()
		if gp != p {
			d.parent[x].CompareAndSwap(p, gp)
		}
		x = core.NodeID(p)
	}
}

// Union merges the sets of a and b, retrying the find on a lost
// compare-exchange. Returns true if this call performed the merge.
func (d *AtomicDSU) Union(a, b core.NodeID) bool {
	for {
		ra, rb := d.Find(a), d.Find(b)
		if ra == rb {
			return false
		}
		if d.size[ra].Load() < d.size[rb].Load() {
			ra, rb = rb, ra
		}
		if d.parent[rb].CompareAndSwap(uint32(rb), uint32(ra)) {
			d.size[ra].Add(d.size[rb].Load())
			return true
		}
	}
}

// SameSet reports whether a and b share a representative at the moment of
// the call.
func (d *AtomicDSU) SameSet(a, b core.NodeID) bool {
	return d.Find(a) == d.Find(b)
}
