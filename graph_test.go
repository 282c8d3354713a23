package streamcc

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/streamcc/core"
	"github.com/hupe1980/streamcc/gutter"
)

const testSeed = 0x5eed5cc1

func insert(src, dst core.NodeID) core.Update {
	return core.Update{Edge: core.Edge{Src: src, Dst: dst}, Kind: core.KindInsert}
}

func del(src, dst core.NodeID) core.Update {
	return core.Update{Edge: core.Edge{Src: src, Dst: dst}, Kind: core.KindDelete}
}

func newTestGraph(t *testing.T, n uint32, opts ...Option) *Graph {
	t.Helper()

	opts = append([]Option{WithSeed(testSeed), WithDiskDir(t.TempDir())}, opts...)
	g, err := New(n, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

// componentSets converts bitmap components to slices for assertions.
func componentSets(comps []*roaring.Bitmap) [][]uint32 {
	out := make([][]uint32, 0, len(comps))
	for _, c := range comps {
		out = append(out, c.ToArray())
	}
	return out
}

func TestConnectedComponentsChain(t *testing.T) {
	g := newTestGraph(t, 4)

	require.NoError(t, g.Update(insert(0, 1), 0))
	require.NoError(t, g.Update(insert(1, 2), 0))
	require.NoError(t, g.Update(insert(2, 3), 0))

	comps, err := g.ConnectedComponents(true)
	require.NoError(t, err)
	assert.Equal(t, [][]uint32{{0, 1, 2, 3}}, componentSets(comps))
}

func TestConnectedComponentsTwoPairs(t *testing.T) {
	g := newTestGraph(t, 4)

	require.NoError(t, g.Update(insert(0, 1), 0))
	require.NoError(t, g.Update(insert(2, 3), 0))

	comps, err := g.ConnectedComponents(true)
	require.NoError(t, err)
	assert.Equal(t, [][]uint32{{0, 1}, {2, 3}}, componentSets(comps))
}

func TestConnectedComponentsAfterDelete(t *testing.T) {
	g := newTestGraph(t, 3)

	require.NoError(t, g.Update(insert(0, 1), 0))
	require.NoError(t, g.Update(insert(1, 2), 0))
	require.NoError(t, g.Update(del(1, 2), 0))

	comps, err := g.ConnectedComponents(true)
	require.NoError(t, err)
	assert.Equal(t, [][]uint32{{0, 1}, {2}}, componentSets(comps))
}

func TestInsertDeleteCancellation(t *testing.T) {
	g := newTestGraph(t, 8)

	edges := []core.Edge{
		{Src: 0, Dst: 1}, {Src: 1, Dst: 2}, {Src: 2, Dst: 3},
		{Src: 4, Dst: 5}, {Src: 5, Dst: 6}, {Src: 0, Dst: 7},
	}
	for _, e := range edges {
		require.NoError(t, g.Update(core.Update{Edge: e, Kind: core.KindInsert}, 0))
	}
	for _, e := range edges {
		require.NoError(t, g.Update(core.Update{Edge: e, Kind: core.KindDelete}, 0))
	}

	comps, err := g.ConnectedComponents(true)
	if err != nil {
		// A sketch failure must be reported, never masked.
		var ccErr *CCFailureError
		require.ErrorAs(t, err, &ccErr)
		return
	}
	assert.Len(t, comps, 8)
	for i, c := range comps {
		assert.Equal(t, []uint32{uint32(i)}, c.ToArray())
	}
}

func TestPointQueryEagerDSU(t *testing.T) {
	g := newTestGraph(t, 5)

	require.NoError(t, g.Update(insert(0, 1), 0))
	require.NoError(t, g.Update(insert(1, 2), 0))

	connected, err := g.PointQuery(0, 2)
	require.NoError(t, err)
	assert.True(t, connected)

	connected, err = g.PointQuery(3, 4)
	require.NoError(t, err)
	assert.False(t, connected)

	require.NoError(t, g.Update(insert(3, 4), 0))
	connected, err = g.PointQuery(3, 4)
	require.NoError(t, err)
	assert.True(t, connected)
}

func TestPointQueryAfterInvalidation(t *testing.T) {
	g := newTestGraph(t, 4)

	require.NoError(t, g.Update(insert(0, 1), 0))
	require.NoError(t, g.Update(insert(1, 2), 0))
	// Deletion invalidates the live forest; the query falls back to the
	// sketch algorithm and updates may still resume afterwards.
	require.NoError(t, g.Update(del(1, 2), 0))

	connected, err := g.PointQuery(0, 2)
	require.NoError(t, err)
	assert.False(t, connected)

	require.NoError(t, g.Update(insert(0, 3), 0))
	connected, err = g.PointQuery(1, 3)
	require.NoError(t, err)
	assert.True(t, connected)
}

func TestUpdateLockedAfterTerminalCC(t *testing.T) {
	g := newTestGraph(t, 3)

	require.NoError(t, g.Update(insert(0, 1), 0))

	_, err := g.ConnectedComponents(false)
	require.NoError(t, err)

	err = g.Update(insert(1, 2), 0)
	assert.ErrorIs(t, err, ErrUpdateLocked)
}

func TestMultipleGraphsGuard(t *testing.T) {
	g := newTestGraph(t, 2)

	_, err := New(2)
	assert.ErrorIs(t, err, ErrMultipleGraphs)

	require.NoError(t, g.Close())

	g2, err := New(2, WithSeed(testSeed), WithDiskDir(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, g2.Close())
}

func TestUpdateValidation(t *testing.T) {
	g := newTestGraph(t, 3)

	err := g.Update(insert(1, 1), 0)
	assert.Error(t, err)

	err = g.Update(insert(0, 3), 0)
	var nre *NodeRangeError
	assert.ErrorAs(t, err, &nre)
}

func TestCCFailureRestoresSupernodes(t *testing.T) {
	for _, inMem := range []bool{true, false} {
		name := "disk"
		if inMem {
			name = "memory"
		}
		t.Run(name, func(t *testing.T) {
			g := newTestGraph(t, 16, WithEagerDSU(false), WithBackupInMem(inMem))

			for i := core.NodeID(0); i < 15; i++ {
				require.NoError(t, g.Update(insert(i, i+1), 0))
			}

			// Flush so the pre-run snapshot is fully settled.
			require.NoError(t, g.flush())
			before, err := g.snapshotBytes()
			require.NoError(t, err)

			g.shouldFailCC(2)
			_, err = g.ConnectedComponents(true)
			var ccErr *CCFailureError
			require.ErrorAs(t, err, &ccErr)

			after, err := g.snapshotBytes()
			require.NoError(t, err)
			assert.Equal(t, before, after, "supernodes must be byte-identical to the pre-run snapshot")

			// The engine is in a defined state: updates and queries resume.
			g.shouldFailCC(0)
			require.NoError(t, g.Update(insert(0, 8), 0))
			comps, err := g.ConnectedComponents(true)
			require.NoError(t, err)
			assert.Len(t, comps, 1)
		})
	}
}

func TestContinuationAllowsFurtherUpdates(t *testing.T) {
	g := newTestGraph(t, 6, WithEagerDSU(false))

	require.NoError(t, g.Update(insert(0, 1), 0))
	require.NoError(t, g.Update(insert(2, 3), 0))

	comps, err := g.ConnectedComponents(true)
	require.NoError(t, err)
	assert.Len(t, comps, 4)

	require.NoError(t, g.Update(insert(1, 2), 0))
	comps, err = g.ConnectedComponents(true)
	require.NoError(t, err)
	assert.Len(t, comps, 3)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.sketch")

	g := newTestGraph(t, 5)
	require.NoError(t, g.Update(insert(0, 1), 0))
	require.NoError(t, g.Update(insert(1, 2), 0))
	require.NoError(t, g.Update(insert(3, 4), 0))

	require.NoError(t, g.WriteBinary(path))
	require.NoError(t, g.Close())

	g2, err := NewFromFile(path, WithDiskDir(t.TempDir()))
	require.NoError(t, err)
	defer g2.Close()

	assert.Equal(t, uint64(3), g2.NumUpdates())
	comps, err := g2.ConnectedComponents(true)
	require.NoError(t, err)
	assert.Equal(t, [][]uint32{{0, 1, 2}, {3, 4}}, componentSets(comps))
}

func TestGutterBackends(t *testing.T) {
	for _, kind := range []gutter.SystemKind{gutter.StandAlone, gutter.GutterTree, gutter.CacheTree} {
		t.Run(kind.String(), func(t *testing.T) {
			g := newTestGraph(t, 8, WithGutterSystem(kind), WithGutterBufferSize(4))

			for i := core.NodeID(0); i < 7; i++ {
				require.NoError(t, g.Update(insert(i, i+1), 0))
			}

			comps, err := g.ConnectedComponents(true)
			require.NoError(t, err)
			assert.Equal(t, [][]uint32{{0, 1, 2, 3, 4, 5, 6, 7}}, componentSets(comps))
		})
	}
}

func TestConfigClamping(t *testing.T) {
	g := newTestGraph(t, 2, WithNumGroups(0), WithGroupSize(-3))

	assert.Equal(t, 1, g.config.NumGroups)
	assert.Equal(t, 1, g.config.GroupSize)
}

func TestClosedGraph(t *testing.T) {
	g := newTestGraph(t, 2)
	require.NoError(t, g.Close())

	assert.ErrorIs(t, g.Update(insert(0, 1), 0), ErrClosed)
	_, err := g.PointQuery(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = g.ConnectedComponents(true)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, g.Close(), ErrClosed)
}

func TestSnapshotDecodeRejectsCorruption(t *testing.T) {
	g := newTestGraph(t, 3)
	require.NoError(t, g.Update(insert(0, 1), 0))

	data, err := g.snapshotBytes()
	require.NoError(t, err)

	data[len(data)-1] ^= 0xff
	_, _, err = decodeSnapshot(bytes.NewReader(data))
	assert.Error(t, err)
}
