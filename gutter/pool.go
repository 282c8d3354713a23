package gutter

import (
	"sync"
	"sync/atomic"

	"github.com/hupe1980/streamcc/core"
	"github.com/hupe1980/streamcc/sketch"
)

type batch struct {
	src  core.NodeID
	dsts []core.NodeID
}

// pool is a fixed set of worker goroutines draining batches from a shared
// channel. Each worker owns one scratch delta supernode for its lifetime,
// so applying a batch never allocates sketch state.
type pool struct {
	workCh   chan batch
	wg       sync.WaitGroup
	inflight sync.WaitGroup
	closed   atomic.Bool
}

func newPool(numWorkers int, apply ApplyFunc, newDelta DeltaFunc) *pool {
	p := &pool{
		workCh: make(chan batch, numWorkers*2),
	}

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		GoSafe(func() {
			p.worker(apply, newDelta)
		})
	}
	return p
}

func (p *pool) worker(apply ApplyFunc, newDelta DeltaFunc) {
	defer p.wg.Done()

	delta := newDelta()
	for b := range p.workCh {
		p.runBatch(apply, delta, b)
	}
}

// runBatch applies one batch. The inflight count is released in a defer so
// a panicking callback cannot wedge a flush barrier.
func (p *pool) runBatch(apply ApplyFunc, delta *sketch.Supernode, b batch) {
	defer p.inflight.Done()
	apply(b.src, b.dsts, delta)
}

// submit enqueues a batch. The caller must not submit after close.
func (p *pool) submit(b batch) {
	p.inflight.Add(1)
	p.workCh <- b
}

// drain blocks until every submitted batch has been applied.
func (p *pool) drain() {
	p.inflight.Wait()
}

// close stops the workers after the queue empties. Idempotent.
func (p *pool) close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.workCh)
	p.wg.Wait()
}
