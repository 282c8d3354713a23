package streamcc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/s2"

	"github.com/hupe1980/streamcc/blobstore"
	"github.com/hupe1980/streamcc/internal/hash"
	"github.com/hupe1980/streamcc/sketch"
)

var snapshotMagic = [4]byte{'S', 'C', 'G', '1'}

const (
	snapshotVersion = uint16(1)

	// snapshotFlagS2 marks an s2-compressed payload.
	snapshotFlagS2 = uint8(1)

	snapshotHeaderSize = 4 + 2 + 1 + 1 + 4 + 8 + 8 + 8 + 4
)

type snapshotHeader struct {
	numNodes   uint32
	seed       uint64
	numUpdates uint64
	payloadLen uint64
	crc        uint32
	flags      uint8
}

// WriteBinary writes an opaque snapshot of the sketch state to the given
// local file path. The graph can be reloaded from it with NewFromFile.
func (g *Graph) WriteBinary(path string) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	store, err := blobstore.NewLocalStore(dir)
	if err != nil {
		return err
	}
	return g.WriteSnapshot(context.Background(), store, name)
}

// WriteSnapshot writes the snapshot as blob name into store. The gutter is
// flushed first so the snapshot reflects every accepted update.
func (g *Graph) WriteSnapshot(ctx context.Context, store blobstore.BlobStore, name string) error {
	g.queryMu.Lock()
	defer g.queryMu.Unlock()

	if g.closed.Load() {
		return ErrClosed
	}
	if err := g.flush(); err != nil {
		return err
	}

	start := time.Now()
	data, err := g.encodeSupernodes()
	if err == nil {
		err = store.Put(ctx, name, data)
	}
	g.metrics.RecordSnapshot(len(data), time.Since(start), err)
	g.logger.LogSnapshot(name, len(data), err)
	return err
}

// SnapshotCommitter records which published snapshot blob is current. It is
// the engine-side view of a commit pointer such as blobstore/s3.CommitStore;
// version 0 means nothing has been committed yet.
type SnapshotCommitter interface {
	// Latest returns the most recently committed snapshot name and version.
	Latest(ctx context.Context) (string, uint64, error)

	// Commit publishes name as version. It fails if that version was
	// already taken by a concurrent publisher.
	Commit(ctx context.Context, name string, version uint64) error
}

// PublishSnapshot writes the snapshot to store under a versioned name
// derived from prefix and advances the commit pointer to it. A commit lost
// to a concurrent publisher is retried with a fresh version a few times
// before the error is surfaced.
func (g *Graph) PublishSnapshot(ctx context.Context, store blobstore.BlobStore, commits SnapshotCommitter, prefix string) (string, uint64, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		_, version, err := commits.Latest(ctx)
		if err != nil {
			return "", 0, err
		}
		version++

		name := fmt.Sprintf("%s-%06d.sketch", prefix, version)
		if err := g.WriteSnapshot(ctx, store, name); err != nil {
			return "", 0, err
		}

		if err := commits.Commit(ctx, name, version); err != nil {
			lastErr = err // lost the race; re-read the pointer and retry
			continue
		}
		return name, version, nil
	}
	return "", 0, lastErr
}

// NewFromFile reloads a graph from a snapshot written by WriteBinary.
func NewFromFile(path string, opts ...Option) (*Graph, error) {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	store, err := blobstore.NewLocalStore(dir)
	if err != nil {
		return nil, err
	}
	return NewFromSnapshot(context.Background(), store, name, opts...)
}

// NewFromSnapshot reloads a graph from a snapshot blob. The sketch seed is
// taken from the snapshot; a WithSeed option is overridden.
func NewFromSnapshot(ctx context.Context, store blobstore.BlobStore, name string, opts ...Option) (*Graph, error) {
	rc, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	header, supernodes, err := decodeSnapshot(rc)
	if err != nil {
		return nil, err
	}
	if header.numNodes == 0 {
		return nil, fmt.Errorf("snapshot declares zero nodes")
	}

	if !openGraph.CompareAndSwap(false, true) {
		return nil, ErrMultipleGraphs
	}

	g, err := newGraph(header.numNodes, append(opts, WithSeed(header.seed)))
	if err != nil {
		openGraph.Store(false)
		return nil, err
	}

	g.supernodes = supernodes
	g.numUpdates.Store(header.numUpdates)
	if header.numUpdates > 0 {
		// The snapshot carries no spanning forest; connectivity must come
		// from the sketches until the next full run rebuilds it.
		g.dsuValid.Store(false)
	}
	return g, nil
}

// encodeSupernodes serializes all supernodes into the snapshot wire form:
// a header carrying the payload's CRC32C, followed by an s2-compressed
// payload.
func (g *Graph) encodeSupernodes() ([]byte, error) {
	var raw bytes.Buffer
	raw.Grow(len(g.supernodes) * g.supernodes[0].SerializedSize())
	for _, sn := range g.supernodes {
		if err := sn.Serialize(&raw); err != nil {
			return nil, err
		}
	}

	payload := s2.Encode(nil, raw.Bytes())

	out := make([]byte, snapshotHeaderSize, snapshotHeaderSize+len(payload))
	copy(out[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint16(out[4:6], snapshotVersion)
	out[6] = snapshotFlagS2
	out[7] = 0
	binary.LittleEndian.PutUint32(out[8:12], g.numNodes)
	binary.LittleEndian.PutUint64(out[12:20], g.seed)
	binary.LittleEndian.PutUint64(out[20:28], g.numUpdates.Load())
	binary.LittleEndian.PutUint64(out[28:36], uint64(len(payload)))
	binary.LittleEndian.PutUint32(out[36:40], hash.CRC32C(payload))
	return append(out, payload...), nil
}

// decodeSnapshot parses a snapshot written by encodeSupernodes.
func decodeSnapshot(r io.Reader) (snapshotHeader, []*sketch.Supernode, error) {
	var hdr snapshotHeader

	head := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return hdr, nil, fmt.Errorf("snapshot header: %w", err)
	}
	if !bytes.Equal(head[0:4], snapshotMagic[:]) {
		return hdr, nil, fmt.Errorf("snapshot: bad magic")
	}
	if v := binary.LittleEndian.Uint16(head[4:6]); v != snapshotVersion {
		return hdr, nil, fmt.Errorf("snapshot: unsupported version %d", v)
	}
	hdr.flags = head[6]
	hdr.numNodes = binary.LittleEndian.Uint32(head[8:12])
	hdr.seed = binary.LittleEndian.Uint64(head[12:20])
	hdr.numUpdates = binary.LittleEndian.Uint64(head[20:28])
	hdr.payloadLen = binary.LittleEndian.Uint64(head[28:36])
	hdr.crc = binary.LittleEndian.Uint32(head[36:40])

	payload := make([]byte, hdr.payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hdr, nil, fmt.Errorf("snapshot payload: %w", err)
	}
	if crc := hash.CRC32C(payload); crc != hdr.crc {
		return hdr, nil, fmt.Errorf("snapshot: checksum mismatch (got %08x, want %08x)", crc, hdr.crc)
	}

	raw := payload
	if hdr.flags&snapshotFlagS2 != 0 {
		var err error
		raw, err = s2.Decode(nil, payload)
		if err != nil {
			return hdr, nil, fmt.Errorf("snapshot: decompress: %w", err)
		}
	}

	br := bytes.NewReader(raw)
	supernodes := make([]*sketch.Supernode, hdr.numNodes)
	for i := range supernodes {
		sn, err := sketch.DeserializeSupernode(br)
		if err != nil {
			return hdr, nil, fmt.Errorf("snapshot: supernode %d: %w", i, err)
		}
		supernodes[i] = sn
	}
	return hdr, supernodes, nil
}

// decodeSupernodes parses a snapshot and checks it matches an n-vertex
// graph. Used by the disk backup path.
func decodeSupernodes(r io.Reader, n uint32) ([]*sketch.Supernode, error) {
	hdr, supernodes, err := decodeSnapshot(r)
	if err != nil {
		return nil, err
	}
	if hdr.numNodes != n {
		return nil, fmt.Errorf("snapshot declares %d nodes, graph has %d", hdr.numNodes, n)
	}
	return supernodes, nil
}
