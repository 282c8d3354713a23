package streamcc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/streamcc/core"
	"github.com/hupe1980/streamcc/stream"
)

func writeStreamFile(t *testing.T, path string, numNodes uint32, updates []core.Update) {
	t.Helper()

	w, err := stream.Create(path, numNodes, uint64(len(updates)))
	require.NoError(t, err)
	for _, upd := range updates {
		require.NoError(t, w.WriteUpdate(upd))
	}
	require.NoError(t, w.Close())
}

// drainToBreakpoint applies updates from the reader until it reports a
// breakpoint, returning the number applied.
func drainToBreakpoint(t *testing.T, g *Graph, r *stream.Reader, threadID int) int {
	t.Helper()

	applied := 0
	for {
		upd, err := r.GetEdge()
		require.NoError(t, err)
		if upd.Kind == core.KindBreakpoint {
			return applied
		}
		require.NoError(t, g.Update(upd, threadID))
		applied++
	}
}

func TestRegisteredQueryMidStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.stream")
	writeStreamFile(t, path, 5, []core.Update{
		insert(0, 1),
		insert(1, 2),
		insert(3, 4),
	})

	g := newTestGraph(t, 5)

	s, err := stream.OpenMT(path, 1<<10)
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.RegisterQuery(2))
	r := s.Reader()

	applied := drainToBreakpoint(t, g, r, 0)
	assert.Equal(t, 2, applied)
	assert.Equal(t, uint64(2), g.NumUpdates())

	connected, err := g.PointQuery(0, 2)
	require.NoError(t, err)
	assert.True(t, connected)

	connected, err = g.PointQuery(3, 4)
	require.NoError(t, err)
	assert.False(t, connected)

	s.PostQueryResume()

	applied = drainToBreakpoint(t, g, r, 0)
	assert.Equal(t, 1, applied)

	connected, err = g.PointQuery(3, 4)
	require.NoError(t, err)
	assert.True(t, connected)
}

func TestNewFromStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.stream")
	writeStreamFile(t, path, 4, []core.Update{
		insert(0, 1),
		insert(1, 2),
		insert(2, 3),
	})

	g, err := NewFromStream(path, WithSeed(testSeed), WithDiskDir(t.TempDir()))
	require.NoError(t, err)
	defer g.Close()

	comps, err := g.ConnectedComponents(true)
	require.NoError(t, err)
	assert.Equal(t, [][]uint32{{0, 1, 2, 3}}, componentSets(comps))
}

func TestIngestStreamConcurrent(t *testing.T) {
	const numNodes = 64
	var updates []core.Update
	for i := core.NodeID(0); i < numNodes-1; i++ {
		updates = append(updates, insert(i, i+1))
	}

	path := filepath.Join(t.TempDir(), "updates.stream")
	writeStreamFile(t, path, numNodes, updates)

	g := newTestGraph(t, numNodes)
	require.NoError(t, g.IngestStream(path, 4))
	assert.Equal(t, uint64(len(updates)), g.NumUpdates())

	comps, err := g.ConnectedComponents(true)
	require.NoError(t, err)
	assert.Len(t, comps, 1)
	assert.Equal(t, uint64(numNodes), comps[0].GetCardinality())
}
