package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"

	"github.com/hupe1980/streamcc/core"
	"github.com/hupe1980/streamcc/resource"
)

// noQuery marks queryIndex as unset.
const noQuery = math.MaxUint64

// MTStream serves one binary graph stream to many Readers. Each Reader
// pulls fixed-size blocks of records; the stream hands out disjoint block
// ranges, so every record in the file is delivered exactly once across all
// readers.
//
// Two query-synchronisation modes are supported. OnDemandQuery pauses every
// reader at its next block boundary; RegisterQuery pauses all readers at an
// exact update index. In both modes it is the caller's responsibility to
// confirm that every reader has returned a Breakpoint before running the
// query, and to call PostQueryResume afterwards. Readers must not call
// GetEdge while the query is in progress.
type MTStream struct {
	f *os.File

	numNodes uint32
	numEdges uint64

	bufSize   int
	endOfFile uint64

	streamOff  atomic.Uint64 // next unread byte offset
	queryIndex atomic.Uint64 // byte offset of a registered query, noQuery if none
	queryBlock atomic.Bool   // set by on-demand queries

	ctrl *resource.Controller
}

// OpenMT opens a binary graph stream for multi-reader access. bufBytes is
// the per-reader block size, rounded down to a whole number of records.
func OpenMT(path string, bufBytes int, opts ...Option) (*MTStream, error) {
	var o streamOptions
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStream, err)
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: short header: %v", ErrBadStream, err)
	}

	s := &MTStream{
		f:        f,
		numNodes: binary.LittleEndian.Uint32(header[0:4]),
		numEdges: binary.LittleEndian.Uint64(header[4:12]),
		bufSize:  blockSize(bufBytes),
		ctrl:     o.ctrl,
	}
	s.endOfFile = HeaderSize + s.numEdges*RecordSize
	s.streamOff.Store(HeaderSize)
	s.queryIndex.Store(noQuery)
	return s, nil
}

// Nodes returns the vertex count declared in the header.
func (s *MTStream) Nodes() uint32 { return s.numNodes }

// Edges returns the update count declared in the header.
func (s *MTStream) Edges() uint64 { return s.numEdges }

// Reader returns a new reader handle with a private block buffer.
func (s *MTStream) Reader() *Reader {
	return &Reader{s: s, buf: make([]byte, s.bufSize)}
}

// OnDemandQuery asks the stream to pause so a query can be performed. Every
// reader will return a Breakpoint within at most one block of progress.
func (s *MTStream) OnDemandQuery() {
	s.queryBlock.Store(true)
}

// RegisterQuery registers a query once queryIdx updates have been delivered,
// that is, directly before update index queryIdx. Readers stop precisely at
// that boundary: no Breakpoint occurs before it,
// and the first fetch past it returns a Breakpoint at every reader.
//
// Returns false if the stream has already advanced to or past the boundary.
// Only one query may be registered at a time; register the next one after
// PostQueryResume but before further GetEdge calls.
func (s *MTStream) RegisterQuery(queryIdx uint64) bool {
	byteIndex := uint64(HeaderSize) + queryIdx*RecordSize
	if byteIndex <= s.streamOff.Load() {
		return false
	}
	s.queryIndex.Store(byteIndex)
	return true
}

// PostQueryResume tells the stream it is okay to keep going. Call once per
// query performed, for both registered and on-demand queries.
func (s *MTStream) PostQueryResume() {
	s.queryBlock.Store(false)
	s.queryIndex.Store(noQuery)
}

// Reset rewinds the stream to the first update.
func (s *MTStream) Reset() {
	s.streamOff.Store(HeaderSize)
}

// Close releases the underlying file.
func (s *MTStream) Close() error {
	return s.f.Close()
}

// readBlock fetches the next block of records into buf. A zero return
// signals a breakpoint: a pending query boundary or end of file.
func (s *MTStream) readBlock(buf []byte) (int, error) {
	// Blocking on a query, or the stream is done: don't fetch-add or read.
	if s.queryBlock.Load() ||
		s.streamOff.Load() >= s.endOfFile ||
		s.streamOff.Load() >= s.queryIndex.Load() {
		return 0, nil
	}

	// Multiple readers may race through the checks above at once.
	readOff := s.streamOff.Add(uint64(s.bufSize)) - uint64(s.bufSize)

	// The two checks below catch readers that raced past a newly
	// registered query or past EOF.
	if qi := s.queryIndex.Load(); readOff >= qi {
		s.streamOff.Store(qi)
		return 0, nil
	}
	if readOff >= s.endOfFile {
		return 0, nil
	}

	dataToRead := uint64(s.bufSize)
	if qi := s.queryIndex.Load(); qi >= readOff && qi < readOff+uint64(s.bufSize) {
		dataToRead = qi - readOff // query truncates the read
		s.streamOff.Store(qi)
	}
	if readOff+dataToRead > s.endOfFile {
		dataToRead = s.endOfFile - readOff // EOF truncates the read
	}

	if err := s.ctrl.AcquireIO(context.Background(), int(dataToRead)); err != nil {
		return 0, err
	}

	var dataRead uint64
	for dataRead < dataToRead {
		n, err := s.f.ReadAt(buf[dataRead:dataToRead], int64(readOff+dataRead))
		dataRead += uint64(n)
		if err != nil {
			if err == io.EOF && dataRead == dataToRead {
				break
			}
			return 0, fmt.Errorf("%w: read at %d: %v", ErrStreamFailed, readOff+dataRead, err)
		}
	}
	return int(dataToRead), nil
}

// Reader is a single-thread handle onto an MTStream. Each Reader owns a
// private block buffer and must be used by one goroutine at a time.
type Reader struct {
	s   *MTStream
	buf []byte
	pos int
	n   int
}

// GetEdge returns the next update from this reader's block range, refilling
// from the shared stream as needed. When ingest is paused for a query or the
// stream is exhausted it returns an update with Kind KindBreakpoint.
func (r *Reader) GetEdge() (core.Update, error) {
	if r.pos >= r.n {
		n, err := r.s.readBlock(r.buf)
		if err != nil {
			return core.Update{}, err
		}
		if n == 0 {
			return core.Update{Kind: core.KindBreakpoint}, nil
		}
		r.n = n
		r.pos = 0
	}

	upd := DecodeUpdate(r.buf[r.pos:])
	r.pos += RecordSize
	return upd, nil
}
