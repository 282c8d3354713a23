package gutter

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/streamcc/core"
	"github.com/hupe1980/streamcc/resource"
)

// groupBufBytes is the raw size at which a group buffer is emitted as a
// block (cached or spilled).
const groupBufBytes = 32 << 10

// tree is the disk-backed guttering backend. Source vertices map onto
// contiguous groups; a group accumulates frames of (src, dsts) pairs in a
// raw buffer that is emitted as an lz4 block once full. CacheTree mode
// keeps emitted blocks in memory while the resource budget allows.
type tree struct {
	n       uint32
	bufSize int
	cache   bool
	ctrl    *resource.Controller

	gutters []vertexGutter
	groups  []spillGroup
	pool    *pool

	dir string
}

type spillGroup struct {
	mu  sync.Mutex
	buf []byte // raw frames not yet emitted

	memBlocks [][]byte // cached raw blocks (CacheTree under budget)
	memBytes  int64

	f       *os.File
	fileLen int64
}

func newTree(n uint32, cfg Config, workers int, apply ApplyFunc, newDelta DeltaFunc, cache bool) (*tree, error) {
	dir := cfg.DiskDir
	if dir == "" {
		dir = os.TempDir()
	}

	t := &tree{
		n:       n,
		bufSize: cfg.BufferSize,
		cache:   cache,
		ctrl:    cfg.Controller,
		gutters: make([]vertexGutter, n),
		groups:  make([]spillGroup, cfg.NumGroups),
		dir:     dir,
	}

	for i := range t.groups {
		f, err := os.CreateTemp(dir, fmt.Sprintf("gutter_group_%d_*.buf", i))
		if err != nil {
			return nil, fmt.Errorf("gutter: create spill file: %w", err)
		}
		t.groups[i].f = f
	}

	t.pool = newPool(workers, apply, newDelta)
	return t, nil
}

func (t *tree) group(src core.NodeID) *spillGroup {
	idx := uint64(src) * uint64(len(t.groups)) / uint64(t.n)
	return &t.groups[idx]
}

func (t *tree) Insert(src, dst core.NodeID, _ int) error {
	vg := &t.gutters[src]

	vg.mu.Lock()
	if vg.dsts == nil {
		vg.dsts = make([]core.NodeID, 0, t.bufSize)
	}
	vg.dsts = append(vg.dsts, dst)
	if len(vg.dsts) < t.bufSize {
		vg.mu.Unlock()
		return nil
	}
	full := vg.dsts
	vg.dsts = make([]core.NodeID, 0, t.bufSize)
	vg.mu.Unlock()

	return t.pushFrame(src, full)
}

// pushFrame appends an encoded (src, dsts) frame to the source's group,
// emitting the group buffer when it crosses the block threshold.
func (t *tree) pushFrame(src core.NodeID, dsts []core.NodeID) error {
	g := t.group(src)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.buf = appendFrame(g.buf, src, dsts)
	if len(g.buf) < groupBufBytes {
		return nil
	}
	return t.emitBlockLocked(g)
}

// emitBlockLocked moves the group's raw buffer into the cache or the spill
// file. Caller holds g.mu.
func (t *tree) emitBlockLocked(g *spillGroup) error {
	raw := g.buf
	g.buf = nil
	if len(raw) == 0 {
		return nil
	}

	if t.cache && t.ctrl.TryAcquireMemory(int64(len(raw))) {
		g.memBlocks = append(g.memBlocks, raw)
		g.memBytes += int64(len(raw))
		return nil
	}

	comp := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, comp, nil)
	if err != nil {
		return fmt.Errorf("gutter: compress spill block: %w", err)
	}
	if n == 0 || n >= len(raw) {
		// Incompressible; stored raw, signalled by compLen == rawLen.
		comp = raw
		n = len(raw)
	} else {
		comp = comp[:n]
	}

	var head [8]byte
	binary.LittleEndian.PutUint32(head[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint32(head[4:8], uint32(n))
	if _, err := g.f.WriteAt(head[:], g.fileLen); err != nil {
		return fmt.Errorf("gutter: write spill block: %w", err)
	}
	if _, err := g.f.WriteAt(comp, g.fileLen+8); err != nil {
		return fmt.Errorf("gutter: write spill block: %w", err)
	}
	g.fileLen += 8 + int64(n)
	return nil
}

func (t *tree) Flush() error {
	// Push every partial leaf into its group first.
	for i := range t.gutters {
		vg := &t.gutters[i]
		vg.mu.Lock()
		if len(vg.dsts) == 0 {
			vg.mu.Unlock()
			continue
		}
		pending := vg.dsts
		vg.dsts = make([]core.NodeID, 0, t.bufSize)
		vg.mu.Unlock()

		if err := t.pushFrame(core.NodeID(i), pending); err != nil {
			return err
		}
	}

	// Replay each group: spilled blocks, cached blocks, then the live buffer.
	for i := range t.groups {
		g := &t.groups[i]
		g.mu.Lock()

		batches := make(map[core.NodeID][]core.NodeID)

		var off int64
		for off < g.fileLen {
			var head [8]byte
			if _, err := g.f.ReadAt(head[:], off); err != nil {
				g.mu.Unlock()
				return fmt.Errorf("gutter: read spill block: %w", err)
			}
			rawLen := binary.LittleEndian.Uint32(head[0:4])
			compLen := binary.LittleEndian.Uint32(head[4:8])

			comp := make([]byte, compLen)
			if _, err := g.f.ReadAt(comp, off+8); err != nil {
				g.mu.Unlock()
				return fmt.Errorf("gutter: read spill block: %w", err)
			}

			raw := comp
			if compLen != rawLen {
				raw = make([]byte, rawLen)
				if _, err := lz4.UncompressBlock(comp, raw); err != nil {
					g.mu.Unlock()
					return fmt.Errorf("gutter: decompress spill block: %w", err)
				}
			}
			if err := decodeFrames(raw, batches); err != nil {
				g.mu.Unlock()
				return err
			}
			off += 8 + int64(compLen)
		}

		for _, raw := range g.memBlocks {
			if err := decodeFrames(raw, batches); err != nil {
				g.mu.Unlock()
				return err
			}
		}
		if err := decodeFrames(g.buf, batches); err != nil {
			g.mu.Unlock()
			return err
		}

		g.buf = nil
		g.memBlocks = nil
		t.ctrl.ReleaseMemory(g.memBytes)
		g.memBytes = 0
		g.fileLen = 0
		if err := g.f.Truncate(0); err != nil {
			g.mu.Unlock()
			return fmt.Errorf("gutter: truncate spill file: %w", err)
		}
		g.mu.Unlock()

		for src, dsts := range batches {
			t.pool.submit(batch{src: src, dsts: dsts})
		}
	}

	t.pool.drain()
	return nil
}

func (t *tree) Close() error {
	if err := t.Flush(); err != nil {
		return err
	}
	t.pool.close()

	for i := range t.groups {
		g := &t.groups[i]
		name := g.f.Name()
		g.f.Close()
		os.Remove(filepath.Clean(name))
	}
	return nil
}

// appendFrame encodes src, the destination count and the destinations.
func appendFrame(buf []byte, src core.NodeID, dsts []core.NodeID) []byte {
	var head [8]byte
	binary.LittleEndian.PutUint32(head[0:4], uint32(src))
	binary.LittleEndian.PutUint32(head[4:8], uint32(len(dsts)))
	buf = append(buf, head[:]...)
	var d [4]byte
	for _, dst := range dsts {
		binary.LittleEndian.PutUint32(d[:], uint32(dst))
		buf = append(buf, d[:]...)
	}
	return buf
}

// decodeFrames accumulates the frames in raw into per-source batches.
func decodeFrames(raw []byte, batches map[core.NodeID][]core.NodeID) error {
	for len(raw) > 0 {
		if len(raw) < 8 {
			return fmt.Errorf("gutter: truncated frame header")
		}
		src := core.NodeID(binary.LittleEndian.Uint32(raw[0:4]))
		count := int(binary.LittleEndian.Uint32(raw[4:8]))
		raw = raw[8:]
		if len(raw) < count*4 {
			return fmt.Errorf("gutter: truncated frame body")
		}
		for i := 0; i < count; i++ {
			batches[src] = append(batches[src], core.NodeID(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		raw = raw[count*4:]
	}
	return nil
}
