// Package gutter batches graph updates by source vertex before they are
// applied to the per-vertex sketches. Buffering amortises the cost of a
// sketch update across a whole destination list; a fixed worker pool drains
// full buffers and applies them through an engine callback.
package gutter

import (
	"fmt"

	"github.com/hupe1980/streamcc/core"
	"github.com/hupe1980/streamcc/resource"
	"github.com/hupe1980/streamcc/sketch"
)

// ApplyFunc applies a batch of destinations for one source vertex. delta is
// a caller-owned scratch supernode the worker reuses across batches.
type ApplyFunc func(src core.NodeID, dsts []core.NodeID, delta *sketch.Supernode)

// DeltaFunc allocates a scratch supernode for one worker.
type DeltaFunc func() *sketch.Supernode

// SystemKind enumerates the guttering backends.
type SystemKind uint8

const (
	// StandAlone keeps all gutters in memory.
	StandAlone SystemKind = iota

	// GutterTree spills full gutters to compressed per-group files on disk.
	GutterTree

	// CacheTree is a GutterTree that keeps spilled blocks in memory while
	// the resource budget allows, falling back to disk under pressure.
	CacheTree
)

// String returns a human-readable backend name.
func (k SystemKind) String() string {
	switch k {
	case StandAlone:
		return "StandAloneGutters"
	case GutterTree:
		return "GutterTree"
	case CacheTree:
		return "CacheTree"
	default:
		return "Unknown"
	}
}

// Config shapes a guttering system. The engine clamps NumGroups and
// GroupSize before handing the config over.
type Config struct {
	// Kind selects the backend.
	Kind SystemKind

	// NumGroups and GroupSize shape the worker pool: NumGroups flush
	// groups of GroupSize workers each.
	NumGroups int
	GroupSize int

	// BufferSize is the number of destinations buffered per source vertex
	// before the buffer is dispatched. If 0, a default is used.
	BufferSize int

	// DiskDir is where tree backends place their spill files.
	DiskDir string

	// Controller bounds the memory held by gutters and caches.
	Controller *resource.Controller
}

// DefaultBufferSize is the per-source buffer length used when the config
// leaves it zero.
const DefaultBufferSize = 32

// System buffers (src, dst) pairs per source vertex and flushes them to the
// worker pool. Insert may be called from many ingest threads; Flush and
// Close are controlling-thread operations.
type System interface {
	// Insert buffers the destination dst for source src. threadID names
	// the calling ingest thread; backends may use it for striping.
	Insert(src, dst core.NodeID, threadID int) error

	// Flush drains every buffer and blocks until all dispatched batches
	// have been applied. Flushing an already-flushed system is a no-op.
	Flush() error

	// Close flushes and stops the worker pool.
	Close() error
}

// NewSystem builds the configured backend for an n-vertex graph.
func NewSystem(n uint32, cfg Config, apply ApplyFunc, newDelta DeltaFunc) (System, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	workers := cfg.NumGroups * cfg.GroupSize
	if workers < 1 {
		workers = 1
	}

	switch cfg.Kind {
	case StandAlone:
		return newStandAlone(n, cfg, workers, apply, newDelta), nil
	case GutterTree:
		return newTree(n, cfg, workers, apply, newDelta, false)
	case CacheTree:
		return newTree(n, cfg, workers, apply, newDelta, true)
	default:
		return nil, fmt.Errorf("gutter: unknown system kind %d", cfg.Kind)
	}
}
