package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/hupe1980/streamcc/core"
)

// Writer produces binary graph stream files in the wire format read by
// BinaryStream and MTStream. The header's update count is fixed up front;
// callers must write exactly that many records.
type Writer struct {
	w       *bufio.Writer
	f       *os.File
	pending uint64
	rec     [RecordSize]byte
}

// Create creates (or truncates) a stream file for numNodes vertices and
// numUpdates records and writes the header.
func Create(path string, numNodes uint32, numUpdates uint64) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		w:       bufio.NewWriter(f),
		f:       f,
		pending: numUpdates,
	}

	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], numNodes)
	binary.LittleEndian.PutUint64(header[4:12], numUpdates)
	if _, err := w.w.Write(header[:]); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// WriteUpdate appends a single update record.
func (w *Writer) WriteUpdate(upd core.Update) error {
	if w.pending == 0 {
		return fmt.Errorf("stream writer: more updates than declared in header")
	}
	EncodeUpdate(w.rec[:], upd)
	if _, err := w.w.Write(w.rec[:]); err != nil {
		return err
	}
	w.pending--
	return nil
}

// Close flushes buffered records and closes the file. It fails if fewer
// updates were written than the header declares.
func (w *Writer) Close() error {
	if w.pending != 0 {
		w.f.Close()
		return fmt.Errorf("stream writer: %d updates missing", w.pending)
	}
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
