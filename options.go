package streamcc

import (
	"os"
	"runtime"

	"github.com/hupe1980/streamcc/blobstore"
	"github.com/hupe1980/streamcc/gutter"
	"github.com/hupe1980/streamcc/resource"
)

// Config holds the tunables of a Graph. DefaultConfig supplies the defaults
// that options override. NumGroups and GroupSize are clamped to at least 1
// with a warning on the logger, a zero Seed is replaced by a time-based seed
// and a zero GutterBufferSize by gutter.DefaultBufferSize; other zero values
// are used as given.
type Config struct {
	// GutterSystem selects the update-batching backend.
	GutterSystem gutter.SystemKind

	// DiskDir is where the tree gutters spill and where disk backups and
	// default snapshots live. Defaults to the OS temp directory.
	DiskDir string

	// BackupInMem keeps the pre-query sketch backup in RAM instead of
	// writing it to DiskDir.
	BackupInMem bool

	// NumGroups is the number of flush groups; GroupSize is the worker
	// count per group. The worker pool has NumGroups*GroupSize workers.
	NumGroups int
	GroupSize int

	// GutterBufferSize is the number of destinations buffered per source
	// vertex before a batch is dispatched.
	GutterBufferSize int

	// Seed seeds the sketches. If 0 a time-based seed is chosen.
	Seed uint64

	// EagerDSU maintains a live spanning forest during ingest so point
	// queries can be answered without running the full algorithm.
	EagerDSU bool
}

// DefaultConfig returns the configuration used when no options override it.
func DefaultConfig() Config {
	return Config{
		GutterSystem: gutter.StandAlone,
		DiskDir:      os.TempDir(),
		BackupInMem:  true,
		NumGroups:    runtime.GOMAXPROCS(0),
		GroupSize:    1,
		EagerDSU:     true,
	}
}

// Option defines a configuration option for the Graph.
type Option func(*Graph)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(g *Graph) {
		g.config = cfg
	}
}

// WithGutterSystem selects the guttering backend.
func WithGutterSystem(kind gutter.SystemKind) Option {
	return func(g *Graph) {
		g.config.GutterSystem = kind
	}
}

// WithDiskDir sets the on-disk data location.
func WithDiskDir(dir string) Option {
	return func(g *Graph) {
		g.config.DiskDir = dir
	}
}

// WithBackupInMem selects RAM (true) or DiskDir (false) for the pre-query
// sketch backup.
func WithBackupInMem(inMem bool) Option {
	return func(g *Graph) {
		g.config.BackupInMem = inMem
	}
}

// WithNumGroups sets the number of gutter flush groups.
func WithNumGroups(n int) Option {
	return func(g *Graph) {
		g.config.NumGroups = n
	}
}

// WithGroupSize sets the worker count per flush group.
func WithGroupSize(n int) Option {
	return func(g *Graph) {
		g.config.GroupSize = n
	}
}

// WithGutterBufferSize sets the per-source gutter buffer length.
func WithGutterBufferSize(n int) Option {
	return func(g *Graph) {
		g.config.GutterBufferSize = n
	}
}

// WithSeed fixes the sketch seed, making runs reproducible.
func WithSeed(seed uint64) Option {
	return func(g *Graph) {
		g.config.Seed = seed
	}
}

// WithEagerDSU toggles the live spanning forest.
func WithEagerDSU(eager bool) Option {
	return func(g *Graph) {
		g.config.EagerDSU = eager
	}
}

// WithLogger sets the logger.
func WithLogger(l *Logger) Option {
	return func(g *Graph) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(g *Graph) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithSnapshotStore overrides the BlobStore used for snapshots and disk
// backups. By default a local store rooted at DiskDir is used.
func WithSnapshotStore(store blobstore.BlobStore) Option {
	return func(g *Graph) {
		if store != nil {
			g.store = store
		}
	}
}

// WithResourceController attaches a resource controller bounding gutter
// memory and stream IO.
func WithResourceController(ctrl *resource.Controller) Option {
	return func(g *Graph) {
		g.ctrl = ctrl
	}
}
