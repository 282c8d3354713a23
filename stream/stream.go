// Package stream reads and writes binary graph update streams.
//
// A stream file is little-endian: a 12-byte header holding the vertex count
// (uint32) and the update count (uint64), followed by one 9-byte record per
// update (kind byte, then both endpoints as uint32).
package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/streamcc/core"
	"github.com/hupe1980/streamcc/resource"
)

const (
	// RecordSize is the wire size of a single encoded update.
	RecordSize = 1 + 4 + 4

	// HeaderSize is the wire size of the stream header.
	HeaderSize = 4 + 8
)

var (
	// ErrBadStream is returned when the stream file cannot be opened or its
	// header is unreadable.
	ErrBadStream = errors.New("stream file was not correctly opened")

	// ErrStreamFailed is returned when a mid-file read comes back short
	// without EOF, or the OS reports a hard read error.
	ErrStreamFailed = errors.New("stream read failed")
)

// DecodeUpdate parses a 9-byte record. The slice must hold at least
// RecordSize bytes.
func DecodeUpdate(b []byte) core.Update {
	return core.Update{
		Kind: core.UpdateKind(b[0]),
		Edge: core.Edge{
			Src: core.NodeID(binary.LittleEndian.Uint32(b[1:5])),
			Dst: core.NodeID(binary.LittleEndian.Uint32(b[5:9])),
		},
	}
}

// EncodeUpdate writes the 9-byte record for upd into b.
func EncodeUpdate(b []byte, upd core.Update) {
	b[0] = byte(upd.Kind)
	binary.LittleEndian.PutUint32(b[1:5], uint32(upd.Edge.Src))
	binary.LittleEndian.PutUint32(b[5:9], uint32(upd.Edge.Dst))
}

// blockSize rounds a requested buffer size down to a whole number of
// records, with a one-record floor.
func blockSize(bufBytes int) int {
	b := bufBytes - bufBytes%RecordSize
	if b < RecordSize {
		b = RecordSize
	}
	return b
}

// BinaryStream is a single-reader view of a binary graph stream. It is not
// safe for concurrent use; see MTStream for the multi-reader variant.
type BinaryStream struct {
	f *os.File

	buf []byte
	pos int // next unread byte in buf
	n   int // valid bytes in buf

	numNodes  uint32
	numEdges  uint64
	remaining uint64

	ctrl *resource.Controller
}

// Option configures a stream.
type Option func(*streamOptions)

type streamOptions struct {
	ctrl *resource.Controller
}

// WithController attaches a resource controller whose IO limiter paces
// block reads.
func WithController(ctrl *resource.Controller) Option {
	return func(o *streamOptions) {
		o.ctrl = ctrl
	}
}

// Open opens a binary graph stream for sequential reading. bufBytes is
// rounded down to a whole number of records.
func Open(path string, bufBytes int, opts ...Option) (*BinaryStream, error) {
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

	s := &BinaryStream{
		f:        f,
		buf:      make([]byte, blockSize(bufBytes)),
		numNodes: binary.LittleEndian.Uint32(header[0:4]),
		numEdges: binary.LittleEndian.Uint64(header[4:12]),
		ctrl:     o.ctrl,
	}
	s.remaining = s.numEdges
	return s, nil
}

// Nodes returns the vertex count declared in the header.
func (s *BinaryStream) Nodes() uint32 { return s.numNodes }

// Edges returns the update count declared in the header.
func (s *BinaryStream) Edges() uint64 { return s.numEdges }

// Next returns the next update in file order. After the header's update
// count has been delivered it returns io.EOF.
func (s *BinaryStream) Next() (core.Update, error) {
	if s.remaining == 0 {
		return core.Update{}, io.EOF
	}
	if s.pos >= s.n {
		if err := s.fill(); err != nil {
			return core.Update{}, err
		}
	}
	upd := DecodeUpdate(s.buf[s.pos:])
	s.pos += RecordSize
	s.remaining--
	return upd, nil
}

func (s *BinaryStream) fill() error {
	want := uint64(len(s.buf))
	if rem := s.remaining * RecordSize; rem < want {
		want = rem
	}
	if err := s.ctrl.AcquireIO(context.Background(), int(want)); err != nil {
		return err
	}
	if _, err := io.ReadFull(s.f, s.buf[:want]); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}
	s.pos = 0
	s.n = int(want)
	return nil
}

// Close releases the underlying file.
func (s *BinaryStream) Close() error {
	return s.f.Close()
}
