package streamcc

import (
	"context"
	"runtime"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/streamcc/core"
	"github.com/hupe1980/streamcc/dsu"
	"github.com/hupe1980/streamcc/sketch"
)

// ccBackupName is the blob holding the pre-run sketch backup when it is
// kept on disk instead of in RAM.
const ccBackupName = "cc_backup.sketch"

// boruvka extracts the component partition by repeated sketch sampling:
// every representative samples one edge crossing its component boundary,
// sampled edges are resolved in a scratch union-find, and the supernodes of
// merged representatives are folded together so the next round samples the
// merged boundary. The live union-find and spanning forest are rebuilt from
// the confirmed tree edges as a side effect.
func (g *Graph) boruvka(cont bool) ([]*roaring.Bitmap, int, error) {
	var memBackup []*sketch.Supernode
	if cont {
		if g.config.BackupInMem {
			memBackup = make([]*sketch.Supernode, len(g.supernodes))
			for i, sn := range g.supernodes {
				memBackup[i] = sn.Copy()
			}
		} else {
			if err := g.backupToStore(); err != nil {
				return nil, 0, err
			}
		}
	}

	restore := func() error {
		if !cont {
			return nil
		}
		if g.config.BackupInMem {
			for i, sn := range g.supernodes {
				sn.Restore(memBackup[i])
			}
			return nil
		}
		return g.restoreFromStore()
	}

	// The union-find and forest are rebuilt below from the tree edges this
	// run confirms; until the run succeeds they are not to be trusted.
	g.dsuValid.Store(false)
	g.dsu.Reset()
	for i := range g.forest {
		g.forest[i] = nil
	}

	scratch := dsu.New(g.numNodes)

	reps := make([]core.NodeID, g.numNodes)
	for i := range reps {
		reps[i] = core.NodeID(i)
	}
	samples := make([]sketch.SampleResult, g.numNodes)

	// The loop ends with a round that merges nothing, so a converged graph
	// still pays one confirming round of (all-Zero) samples.
	round := 0
	for {
		round++

		if err := g.sampleSupernodes(samples, reps, round); err != nil {
			if rerr := restore(); rerr != nil {
				return nil, round, rerr
			}
			return nil, round, err
		}

		if !g.unionSamples(scratch, samples, reps) {
			break
		}

		reps = g.mergeSupernodes(scratch, reps)
	}

	comps := componentsFromDSU(scratch, g.numNodes)

	if err := restore(); err != nil {
		return nil, round, err
	}
	g.dsuValid.Store(true)
	return comps, round, nil
}

// sampleSupernodes queries every representative's supernode in parallel.
// Any exhausted sampler aborts the whole run.
func (g *Graph) sampleSupernodes(samples []sketch.SampleResult, reps []core.NodeID, round int) error {
	if g.failRound > 0 && round == g.failRound {
		return &CCFailureError{Round: round}
	}

	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))

	for i, rep := range reps {
		eg.Go(func() error {
			res := g.supernodes[rep].Sample()
			if res.Kind == sketch.SampleFail {
				return &CCFailureError{Round: round}
			}
			samples[i] = res
			return nil
		})
	}
	return eg.Wait()
}

// unionSamples resolves the sampled edges in the scratch union-find and
// mirrors every confirmed tree edge into the live union-find and forest.
// Returns false if no merge happened (the algorithm has converged).
func (g *Graph) unionSamples(scratch *dsu.DSU, samples []sketch.SampleResult, reps []core.NodeID) bool {
	merged := false
	for i := range reps {
		res := samples[i]
		if res.Kind != sketch.SampleEdge {
			continue
		}
		if !scratch.Union(res.Edge.Src, res.Edge.Dst) {
			continue
		}
		merged = true

		g.dsu.Union(res.Edge.Src, res.Edge.Dst)
		src, dst := res.Edge.Src, res.Edge.Dst
		if src > dst {
			src, dst = dst, src
		}
		if g.forest[src] == nil {
			g.forest[src] = roaring.New()
		}
		g.forest[src].Add(uint32(dst))
	}
	return merged
}

// mergeSupernodes folds each scratch-class's supernodes into the member
// with the smallest id, which becomes the class representative for the next
// round.
func (g *Graph) mergeSupernodes(scratch *dsu.DSU, reps []core.NodeID) []core.NodeID {
	classes := make(map[core.NodeID][]core.NodeID)
	for _, rep := range reps {
		root := scratch.Find(rep)
		classes[root] = append(classes[root], rep)
	}

	newReps := make([]core.NodeID, 0, len(classes))
	for _, members := range classes {
		lead := members[0]
		for _, m := range members[1:] {
			if m < lead {
				lead = m
			}
		}
		for _, m := range members {
			if m == lead {
				continue
			}
			if err := g.supernodes[lead].Merge(g.supernodes[m]); err != nil {
				g.logger.Error("supernode merge failed", "into", uint32(lead), "from", uint32(m), "error", err)
			}
		}
		newReps = append(newReps, lead)
	}

	sort.Slice(newReps, func(i, j int) bool { return newReps[i] < newReps[j] })
	return newReps
}

// componentsFromDSU emits the partition recorded in a union-find, ordered
// by smallest member.
func componentsFromDSU(d *dsu.DSU, numNodes uint32) []*roaring.Bitmap {
	byRoot := make(map[core.NodeID]*roaring.Bitmap)
	var order []core.NodeID
	for v := uint32(0); v < numNodes; v++ {
		root := d.Find(core.NodeID(v))
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

// backupToStore serializes the supernodes into the snapshot store.
func (g *Graph) backupToStore() error {
	data, err := g.encodeSupernodes()
	if err != nil {
		return err
	}
	return g.store.Put(context.Background(), ccBackupName, data)
}

// restoreFromStore reloads the supernodes written by backupToStore.
func (g *Graph) restoreFromStore() error {
	rc, err := g.store.Open(context.Background(), ccBackupName)
	if err != nil {
		return err
	}
	defer rc.Close()

	supernodes, err := decodeSupernodes(rc, g.numNodes)
	if err != nil {
		return err
	}
	g.supernodes = supernodes
	return nil
}
