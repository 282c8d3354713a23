package gutter

import (
	"sync"

	"github.com/hupe1980/streamcc/core"
)

// standAlone keeps one in-memory buffer per source vertex. Full buffers are
// handed to the worker pool; Flush dispatches the partials.
type standAlone struct {
	gutters []vertexGutter
	bufSize int
	pool    *pool
}

type vertexGutter struct {
	mu   sync.Mutex
	dsts []core.NodeID
}

func newStandAlone(n uint32, cfg Config, workers int, apply ApplyFunc, newDelta DeltaFunc) *standAlone {
	return &standAlone{
		gutters: make([]vertexGutter, n),
		bufSize: cfg.BufferSize,
		pool:    newPool(workers, apply, newDelta),
	}
}

func (g *standAlone) Insert(src, dst core.NodeID, _ int) error {
	vg := &g.gutters[src]

	vg.mu.Lock()
	if vg.dsts == nil {
		vg.dsts = make([]core.NodeID, 0, g.bufSize)
	}
	vg.dsts = append(vg.dsts, dst)
	if len(vg.dsts) < g.bufSize {
		vg.mu.Unlock()
		return nil
	}
	full := vg.dsts
	vg.dsts = make([]core.NodeID, 0, g.bufSize)
	vg.mu.Unlock()

	g.pool.submit(batch{src: src, dsts: full})
	return nil
}

func (g *standAlone) Flush() error {
	for i := range g.gutters {
		vg := &g.gutters[i]
		vg.mu.Lock()
		if len(vg.dsts) == 0 {
			vg.mu.Unlock()
			continue
		}
		pending := vg.dsts
		vg.dsts = make([]core.NodeID, 0, g.bufSize)
		vg.mu.Unlock()

		g.pool.submit(batch{src: core.NodeID(i), dsts: pending})
	}
	g.pool.drain()
	return nil
}

func (g *standAlone) Close() error {
	if err := g.Flush(); err != nil {
		return err
	}
	g.pool.close()
	return nil
}
