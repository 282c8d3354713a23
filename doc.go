// Package streamcc maintains the connected components of an undirected
// multigraph under a high-rate stream of edge insertions and deletions,
// using one L0-sampling sketch (supernode) per vertex instead of an
// adjacency structure.
//
// Updates flow from stream readers through a guttering buffer that batches
// them by source vertex before a worker pool applies them to the sketches.
// Queries run a sketch-based Borůvka: each component representative samples
// one incident edge from its supernode, components are merged along the
// sampled edges, and supernode sketches are merged with them, until no
// progress is made. An eager union-find maintained during ingest lets point
// queries short-circuit the full algorithm while no deletion or cycle has
// invalidated it.
//
// Basic usage:
//
//	g, err := streamcc.New(numNodes)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer g.Close()
//
//	g.Update(core.Update{Edge: core.Edge{Src: 0, Dst: 1}, Kind: core.KindInsert}, 0)
//
//	connected, err := g.PointQuery(0, 1)
//	components, err := g.ConnectedComponents(true)
//
// Answers are probabilistic: with small probability a sketch exhausts its
// samplers mid-run and the engine reports a CCFailureError instead of
// fabricating a result.
package streamcc
