// Package dsu provides disjoint-set union structures: a plain variant for
// single-threaded phases and an atomic variant whose parent slots tolerate
// concurrent unions from ingest threads.
package dsu

import (
	"github.com/hupe1980/streamcc/core"
)

// DSU is a sequential union-find over vertices [0, n) with path halving
// and union by size.
type DSU struct {
	parent []core.NodeID
	size   []core.NodeID
}

// New creates a DSU with every vertex in its own set.
func New(n uint32) *DSU {
	d := &DSU{
		parent: make([]core.NodeID, n),
		size:   make([]core.NodeID, n),
	}
	d.Reset()
	return d
}

// Reset returns every vertex to its own singleton set.
func (d *DSU) Reset() {
	for i := range d.parent {
		d.parent[i] = core.NodeID(i)
		d.size[i] = 1
	}
}

// Find returns the set representative of x, halving the path as it goes.
func (d *DSU) Find(x core.NodeID) core.NodeID {
	for d.parent[x] != x {
		d.parent[x] = d.parent[d.parent[x]]
		x = d.parent[x]
	}
	return x
}

// Union merges the sets of a and b. Returns true if they were separate.
func (d *DSU) Union(a, b core.NodeID) bool {
	ra, rb := d.Find(a), d.Find(b)
	if ra == rb {
		return false
	}
	if d.size[ra] < d.size[rb] {
		ra, rb = rb, ra
	}
	d.parent[rb] = ra
	d.size[ra] += d.size[rb]
	return true
}

// SameSet reports whether a and b share a representative.
func (d *DSU) SameSet(a, b core.NodeID) bool {
	return d.Find(a) == d.Find(b)
}
