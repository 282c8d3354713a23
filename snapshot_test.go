package streamcc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/streamcc/blobstore"
)

// fakeCommitter is an in-memory SnapshotCommitter that can lose a
// configurable number of commits to a simulated concurrent publisher.
type fakeCommitter struct {
	versions  map[uint64]string
	loseFirst int
}

func newFakeCommitter() *fakeCommitter {
	return &fakeCommitter{versions: make(map[uint64]string)}
}

func (c *fakeCommitter) Latest(context.Context) (string, uint64, error) {
	var maxVersion uint64
	var name string
	for v, n := range c.versions {
		if v >= maxVersion {
			maxVersion = v
			name = n
		}
	}
	return name, maxVersion, nil
}

func (c *fakeCommitter) Commit(_ context.Context, name string, version uint64) error {
	if c.loseFirst > 0 {
		c.loseFirst--
		c.versions[version] = fmt.Sprintf("rival-%06d.sketch", version)
		return errors.New("concurrent snapshot commit detected")
	}
	if _, exists := c.versions[version]; exists {
		return errors.New("concurrent snapshot commit detected")
	}
	c.versions[version] = name
	return nil
}

func TestPublishSnapshot(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	commits := newFakeCommitter()

	g := newTestGraph(t, 4)
	require.NoError(t, g.Update(insert(0, 1), 0))
	require.NoError(t, g.Update(insert(2, 3), 0))

	name, version, err := g.PublishSnapshot(ctx, store, commits, "graph")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, "graph-000001.sketch", name)

	latest, latestVersion, err := commits.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, name, latest)
	assert.Equal(t, version, latestVersion)

	// The committed blob reloads into an equivalent graph.
	require.NoError(t, g.Close())
	g2, err := NewFromSnapshot(ctx, store, latest, WithDiskDir(t.TempDir()))
	require.NoError(t, err)
	defer g2.Close()

	comps, err := g2.ConnectedComponents(true)
	require.NoError(t, err)
	assert.Equal(t, [][]uint32{{0, 1}, {2, 3}}, componentSets(comps))
}

func TestPublishSnapshotRetriesLostCommit(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	commits := newFakeCommitter()
	commits.loseFirst = 1

	g := newTestGraph(t, 3)
	require.NoError(t, g.Update(insert(0, 1), 0))

	name, version, err := g.PublishSnapshot(ctx, store, commits, "graph")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version, "a lost race advances to the next free version")
	assert.Equal(t, "graph-000002.sketch", name)
}
