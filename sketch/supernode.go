package sketch

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/streamcc/core"
)

// SampleKind classifies the outcome of a supernode sample.
type SampleKind uint8

const (
	// SampleEdge means an incident or boundary edge was recovered.
	SampleEdge SampleKind = iota

	// SampleZero means the sketched edge set is empty with high probability.
	SampleZero

	// SampleFail means the supernode exhausted its independent samplers for
	// this run and cannot produce more samples without reseeding.
	SampleFail
)

// SampleResult is the outcome of one supernode sample.
type SampleResult struct {
	Edge core.Edge
	Kind SampleKind
}

// Supernode is the per-vertex sketch over the characteristic vector of the
// vertex's incident-edge multiset. Both orientations of every update are
// applied stream-side (once to each endpoint's supernode), so merging the
// supernodes of two vertices cancels the edges between them and leaves a
// sketch of the edges crossing the merged boundary.
type Supernode struct {
	node core.NodeID
	n    uint32
	sk   *Sketch
}

// NewSupernode creates an empty supernode for a vertex of an n-vertex
// graph. All supernodes of one graph must share the same seed so they can
// be merged.
func NewSupernode(node core.NodeID, n uint32, seed uint64) *Supernode {
	return &Supernode{node: node, n: n, sk: New(n, seed)}
}

// Node returns the vertex this supernode belongs to.
func (s *Supernode) Node() core.NodeID { return s.node }

// Reset empties the supernode and reassigns it to node. Worker threads use
// this to reuse one delta slot across batches for different vertices.
func (s *Supernode) Reset(node core.NodeID) {
	s.node = node
	s.sk.Reset()
}

// BatchUpdate toggles the edges {src, d} for every d in dsts. Self-loops
// are skipped.
func (s *Supernode) BatchUpdate(src core.NodeID, dsts []core.NodeID) {
	for _, d := range dsts {
		if d == src {
			continue
		}
		s.sk.Update(uint64(core.PairingID(src, d)))
	}
}

// Merge folds other into s so that s sketches the symmetric difference of
// the two edge multisets.
func (s *Supernode) Merge(other *Supernode) error {
	return s.sk.Merge(other.sk)
}

// Sample draws one edge from the sketched set, consuming one sampler.
func (s *Supernode) Sample() SampleResult {
	id, kind := s.sk.Query()
	switch kind {
	case QueryZero:
		return SampleResult{Kind: SampleZero}
	case QueryFail:
		return SampleResult{Kind: SampleFail}
	default:
		return SampleResult{Edge: core.UnpairID(core.EdgeID(id)), Kind: SampleEdge}
	}
}

// Copy returns a standalone duplicate usable in a separate query run.
func (s *Supernode) Copy() *Supernode {
	return &Supernode{node: s.node, n: s.n, sk: s.sk.Copy()}
}

// Restore overwrites the supernode's sketch state from a copy taken with
// Copy. The copy itself is left untouched.
func (s *Supernode) Restore(from *Supernode) {
	s.node = from.node
	s.n = from.n
	s.sk = from.sk.Copy()
}

// SerializedSize returns the byte size of the supernode's wire form.
func (s *Supernode) SerializedSize() int {
	return 4 + s.sk.SerializedSize()
}

// Serialize writes the supernode in little-endian wire form.
func (s *Supernode) Serialize(w io.Writer) error {
	var head [4]byte
	binary.LittleEndian.PutUint32(head[:], uint32(s.node))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	return s.sk.Serialize(w)
}

// DeserializeSupernode reads a supernode written by Serialize.
func DeserializeSupernode(r io.Reader) (*Supernode, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("supernode header: %w", err)
	}
	sk, err := Deserialize(r)
	if err != nil {
		return nil, err
	}
	return &Supernode{
		node: core.NodeID(binary.LittleEndian.Uint32(head[:])),
		n:    sk.n,
		sk:   sk,
	}, nil
}
