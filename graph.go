package streamcc

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/streamcc/blobstore"
	"github.com/hupe1980/streamcc/core"
	"github.com/hupe1980/streamcc/dsu"
	"github.com/hupe1980/streamcc/gutter"
	"github.com/hupe1980/streamcc/resource"
	"github.com/hupe1980/streamcc/sketch"
	"github.com/hupe1980/streamcc/stream"
)

// openGraph guards the process-wide single-graph invariant. New and
// NewFromSnapshot claim it; Close releases it.
var openGraph atomic.Bool

// Graph is the streaming connected-components engine: one supernode sketch
// per vertex, a guttering buffer batching updates into them, and a
// union-find tracking a live spanning forest while it stays valid.
//
// Update may be called from many ingest threads. PointQuery,
// ConnectedComponents, WriteBinary and Close belong to a single controlling
// thread.
type Graph struct {
	numNodes uint32
	seed     uint64

	supernodes []*sketch.Supernode
	nodeMu     []sync.Mutex // serialises sketch merges per vertex

	dsu      *dsu.AtomicDSU
	dsuValid atomic.Bool

	// forest[src] holds the confirmed tree-edge endpoints hung off src,
	// where src is the smaller endpoint. Guarded by forestMu[src].
	forest   []*roaring.Bitmap
	forestMu []sync.Mutex

	gts          gutter.System
	numUpdates   atomic.Uint64
	updateLocked atomic.Bool

	queryMu sync.Mutex // serialises the controlling thread's operations

	config  Config
	logger  *Logger
	metrics MetricsCollector
	store   blobstore.BlobStore
	ctrl    *resource.Controller

	closed atomic.Bool

	// failRound forces a CCFailureError in the given Borůvka round, before
	// that round samples.
	// Test-only, set through the package's test exports.
	failRound int
}

// New creates a graph over numNodes vertices labelled 0..numNodes-1.
// Only one graph may be open per process; a second New fails with
// ErrMultipleGraphs until the first is closed.
func New(numNodes uint32, opts ...Option) (*Graph, error) {
	if numNodes == 0 {
		return nil, fmt.Errorf("graph must have at least one node")
	}
	if !openGraph.CompareAndSwap(false, true) {
		return nil, ErrMultipleGraphs
	}

	g, err := newGraph(numNodes, opts)
	if err != nil {
		openGraph.Store(false)
		return nil, err
	}
	return g, nil
}

func newGraph(numNodes uint32, opts []Option) (*Graph, error) {
	g := &Graph{
		numNodes: numNodes,
		config:   DefaultConfig(),
		logger:   NoopLogger(),
		metrics:  NoopMetricsCollector{},
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.config.NumGroups < 1 {
		g.logger.Warn("num_groups out of bounds, defaulting to 1", "num_groups", g.config.NumGroups)
		g.config.NumGroups = 1
	}
	if g.config.GroupSize < 1 {
		g.logger.Warn("group_size out of bounds, defaulting to 1", "group_size", g.config.GroupSize)
		g.config.GroupSize = 1
	}
	if g.config.Seed == 0 {
		g.config.Seed = uint64(time.Now().UnixNano())
	}
	g.seed = g.config.Seed

	if g.store == nil {
		store, err := blobstore.NewLocalStore(g.config.DiskDir)
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		g.store = store
	}

	g.supernodes = make([]*sketch.Supernode, numNodes)
	for i := range g.supernodes {
		g.supernodes[i] = sketch.NewSupernode(core.NodeID(i), numNodes, g.seed)
	}
	g.nodeMu = make([]sync.Mutex, numNodes)
	g.forest = make([]*roaring.Bitmap, numNodes)
	g.forestMu = make([]sync.Mutex, numNodes)
	g.dsu = dsu.NewAtomic(numNodes)
	g.dsuValid.Store(true)

	gts, err := gutter.NewSystem(numNodes, gutter.Config{
		Kind:       g.config.GutterSystem,
		NumGroups:  g.config.NumGroups,
		GroupSize:  g.config.GroupSize,
		BufferSize: g.config.GutterBufferSize,
		DiskDir:    g.config.DiskDir,
		Controller: g.ctrl,
	}, g.applyBatch, func() *sketch.Supernode {
		return sketch.NewSupernode(0, numNodes, g.seed)
	})
	if err != nil {
		return nil, err
	}
	g.gts = gts

	return g, nil
}

// NewFromStream creates a graph sized by the stream file's header and
// ingests the whole file with one reader goroutine per available CPU.
func NewFromStream(path string, opts ...Option) (*Graph, error) {
	s, err := stream.Open(path, 1<<20)
	if err != nil {
		return nil, err
	}
	numNodes := s.Nodes()
	s.Close()

	g, err := New(numNodes, opts...)
	if err != nil {
		return nil, err
	}
	if err := g.IngestStream(path, runtime.GOMAXPROCS(0)); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// Nodes returns the vertex count.
func (g *Graph) Nodes() uint32 { return g.numNodes }

// NumUpdates returns the count of accepted updates.
func (g *Graph) NumUpdates() uint64 { return g.numUpdates.Load() }

// Seed returns the sketch seed in use.
func (g *Graph) Seed() uint64 { return g.seed }

func (g *Graph) checkNode(v core.NodeID) error {
	if uint32(v) >= g.numNodes {
		return &NodeRangeError{Node: v, Nodes: g.numNodes}
	}
	return nil
}

// Update applies one edge insertion or deletion. threadID names the calling
// ingest thread and is passed on to the gutter; the current gutter backends
// do not use it. Fails with ErrUpdateLocked once a
// terminal connected-components run has started.
func (g *Graph) Update(upd core.Update, threadID int) error {
	if g.closed.Load() {
		return ErrClosed
	}
	if g.updateLocked.Load() {
		return ErrUpdateLocked
	}
	if upd.Kind != core.KindInsert && upd.Kind != core.KindDelete {
		return fmt.Errorf("unexpected update kind %s", upd.Kind)
	}

	e := upd.Edge
	if err := g.checkNode(e.Src); err != nil {
		return err
	}
	if err := g.checkNode(e.Dst); err != nil {
		return err
	}
	if e.Src == e.Dst {
		return fmt.Errorf("self-loop on node %d rejected", e.Src)
	}

	// Both orientations: the update must reach both endpoints' supernodes
	// so a later merge cancels it.
	if err := g.gts.Insert(e.Src, e.Dst, threadID); err != nil {
		return err
	}
	if err := g.gts.Insert(e.Dst, e.Src, threadID); err != nil {
		return err
	}

	switch {
	case upd.Kind == core.KindDelete:
		// Deleting a tree edge breaks the forest; non-tree deletions could
		// keep it, but the forest alone cannot tell them apart.
		g.dsuValid.Store(false)
	case g.config.EagerDSU:
		g.eagerInsert(e)
	default:
		g.dsuValid.Store(false)
	}

	g.numUpdates.Add(1)
	g.metrics.RecordUpdate(nil)
	return nil
}

// eagerInsert advances the live spanning forest for an insertion.
func (g *Graph) eagerInsert(e core.Edge) {
	if !g.dsuValid.Load() {
		return
	}

	src, dst := e.Src, e.Dst
	if src > dst {
		src, dst = dst, src
	}

	g.forestMu[src].Lock()
	defer g.forestMu[src].Unlock()

	f := g.forest[src]
	if f == nil {
		f = roaring.New()
		g.forest[src] = f
	}
	if f.Contains(uint32(dst)) {
		// A duplicate of a recorded tree edge closes a cycle relative to
		// the forest; the forest can no longer witness connectivity.
		g.dsuValid.Store(false)
		return
	}
	if g.dsu.Union(src, dst) {
		f.Add(uint32(dst))
	}
}

// applyBatch is the gutter worker callback: it generates a delta supernode
// for the batch in the worker's scratch slot, then folds it into the live
// supernode under the vertex lock.
func (g *Graph) applyBatch(src core.NodeID, dsts []core.NodeID, delta *sketch.Supernode) {
	delta.Reset(src)
	delta.BatchUpdate(src, dsts)

	g.nodeMu[src].Lock()
	err := g.supernodes[src].Merge(delta)
	g.nodeMu[src].Unlock()

	if err != nil {
		g.logger.Error("batch merge failed", "node", uint32(src), "error", err)
	}
}

// flush drains the gutter so every accepted update is reflected in the
// supernodes. Idempotent.
func (g *Graph) flush() error {
	start := time.Now()
	err := g.gts.Flush()
	g.metrics.RecordFlush(time.Since(start), err)
	g.logger.LogFlush(g.numUpdates.Load(), time.Since(start), err)
	return err
}

// PointQuery reports whether a and b are in the same connected component at
// the current point of the stream. While the live spanning forest is valid
// the answer comes straight from the union-find; otherwise a full
// sketch-based run is performed (with continuation, so updates may resume).
func (g *Graph) PointQuery(a, b core.NodeID) (bool, error) {
	g.queryMu.Lock()
	defer g.queryMu.Unlock()

	start := time.Now()
	connected, err := g.pointQueryLocked(a, b)
	g.metrics.RecordQuery(time.Since(start), err)
	return connected, err
}

func (g *Graph) pointQueryLocked(a, b core.NodeID) (bool, error) {
	if g.closed.Load() {
		return false, ErrClosed
	}
	if err := g.checkNode(a); err != nil {
		return false, err
	}
	if err := g.checkNode(b); err != nil {
		return false, err
	}

	if err := g.flush(); err != nil {
		return false, err
	}

	if g.dsuValid.Load() {
		return g.dsu.SameSet(a, b), nil
	}

	comps, err := g.connectedComponentsLocked(true)
	if err != nil {
		return false, err
	}
	for _, c := range comps {
		if c.Contains(uint32(a)) {
			return c.Contains(uint32(b)), nil
		}
	}
	return false, nil
}

// ConnectedComponents returns the partition of the vertices into connected
// components, one bitmap per component, ordered by smallest member.
//
// With cont=true the sketches are restored from a pre-run backup so the
// stream may continue afterwards. With cont=false the run consumes the
// sketches and the graph stops accepting updates permanently.
func (g *Graph) ConnectedComponents(cont bool) ([]*roaring.Bitmap, error) {
	g.queryMu.Lock()
	defer g.queryMu.Unlock()

	if g.closed.Load() {
		return nil, ErrClosed
	}
	return g.connectedComponentsLocked(cont)
}

func (g *Graph) connectedComponentsLocked(cont bool) ([]*roaring.Bitmap, error) {
	g.updateLocked.Store(true)
	if cont {
		defer g.updateLocked.Store(false)
	}

	if err := g.flush(); err != nil {
		return nil, err
	}

	start := time.Now()

	if g.dsuValid.Load() {
		comps := g.ccFromDSU()
		g.metrics.RecordCC(0, time.Since(start), nil)
		g.logger.LogCC(0, len(comps), time.Since(start), nil)
		return comps, nil
	}

	comps, rounds, err := g.boruvka(cont)
	g.metrics.RecordCC(rounds, time.Since(start), err)
	g.logger.LogCC(rounds, len(comps), time.Since(start), err)
	return comps, err
}

// ccFromDSU builds the component partition from the live union-find.
func (g *Graph) ccFromDSU() []*roaring.Bitmap {
	byRoot := make(map[core.NodeID]*roaring.Bitmap)
	var order []core.NodeID
	for v := uint32(0); v < g.numNodes; v++ {
		root := g.dsu.Find(core.NodeID(v))
		bm, ok := byRoot[root]
		if !ok {
			bm = roaring.New()
			byRoot[root] = bm
			order = append(order, root)
		}
		bm.Add(v)
	}

	comps := make([]*roaring.Bitmap, 0, len(order))
	for _, root := range order {
		comps = append(comps, byRoot[root])
	}
	return comps
}

// IngestStream feeds a binary graph stream into the graph with the given
// number of concurrent readers.
func (g *Graph) IngestStream(path string, readers int) error {
	if readers < 1 {
		readers = 1
	}

	s, err := stream.OpenMT(path, 1<<20, stream.WithController(g.ctrl))
	if err != nil {
		return err
	}
	defer s.Close()

	if s.Nodes() != g.numNodes {
		return fmt.Errorf("stream declares %d nodes, graph has %d", s.Nodes(), g.numNodes)
	}

	var eg errgroup.Group
	for i := 0; i < readers; i++ {
		r := s.Reader()
		threadID := i
		eg.Go(func() error {
			for {
				upd, err := r.GetEdge()
				if err != nil {
					return err
				}
				if upd.Kind == core.KindBreakpoint {
					return nil
				}
				if err := g.Update(upd, threadID); err != nil {
					return err
				}
			}
		})
	}
	return eg.Wait()
}

// Close flushes and stops the gutter workers and releases the process-wide
// graph slot.
func (g *Graph) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	err := g.gts.Close()
	openGraph.Store(false)
	return err
}

// Controller exposes the resource controller, if one was configured.
func (g *Graph) Controller() *resource.Controller { return g.ctrl }
