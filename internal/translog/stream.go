package translog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/docshard/model"
)

// Writer encodes operations in the generation file format to an arbitrary
// stream, e.g. a snapshot blob.
type Writer struct {
	w           *bufio.Writer
	compression Compression
	minCompress int
	ops         int
	bytes       int64
}

// NewWriter writes the file header for gen and returns a Writer.
func NewWriter(w io.Writer, gen uint64, c Compression, minCompress int) (*Writer, error) {
	header := make([]byte, fileHeaderSize)
	copy(header[0:8], fileMagic)
	binary.LittleEndian.PutUint32(header[8:12], fileVersion)
	binary.LittleEndian.PutUint64(header[12:20], gen)

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(header); err != nil {
		return nil, err
	}
	return &Writer{w: bw, compression: c, minCompress: minCompress, bytes: fileHeaderSize}, nil
}

// Write appends op.
func (w *Writer) Write(op model.Operation) error {
	frame, err := encodeFrame(op, w.compression, w.minCompress)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	w.ops++
	w.bytes += int64(len(frame))
	return nil
}

// Ops returns the number of operations written.
func (w *Writer) Ops() int { return w.ops }

// Size returns the number of bytes written, header included.
func (w *Writer) Size() int64 { return w.bytes }

// Flush writes buffered frames to the underlying writer.
func (w *Writer) Flush() error { return w.w.Flush() }

// ReadStream decodes a stream written by Writer and calls fn for every
// operation. Unlike recovery from local files, a torn or corrupt tail is
// an error.
func ReadStream(r io.Reader, fn func(model.Operation) error) (int, error) {
	br := bufio.NewReader(r)
	if _, err := readHeader(br); err != nil {
		return 0, err
	}
	n := 0
	for {
		op, _, err := decodeFrame(br)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("operation %d: %w", n, err)
		}
		if err := fn(op); err != nil {
			return n, err
		}
		n++
	}
}
