// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package recordio reads and writes MXNet/dmlc RecordIO files (".rec"), the format used to store
// image classification datasets, along with their optional ".idx" index files.
//
// Each record is stored as a magic number, a length word (with a 3 bits continuation flag) and the
// data padded to 4 bytes. Records containing the magic number at an aligned position are split in
// parts, which the Reader reassembles.
package recordio

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Magic number that starts every record (part).
const Magic uint32 = 0xced7230a

const (
	flagFull   = 0
	flagStart  = 1
	flagMiddle = 2
	flagEnd    = 3

	lengthBits = 29
	lengthMask = (1 << lengthBits) - 1
)

// MaxRecordSize is the largest record part length representable.
const MaxRecordSize = lengthMask

func encodeLRec(cflag, length uint32) uint32 { return cflag<<lengthBits | length }

func decodeLRec(lrec uint32) (cflag, length uint32) { return lrec >> lengthBits, lrec & lengthMask }

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

// Reader reads records sequentially.
type Reader struct {
	src    io.Reader
	buf    *bufio.Reader
	offset int64
	header [8]byte
}

// NewReader creates a reader of records from src. If src is an io.Seeker, Reset and SeekRecord are supported.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, buf: bufio.NewReaderSize(src, 1<<20)}
}

// Open opens a RecordIO file for reading. Close the Reader when done.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open record file %q", path)
	}
	return NewReader(f), nil
}

// Close the underlying source, if it is an io.Closer.
func (r *Reader) Close() error {
	if closer, ok := r.src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Offset returns the position in the stream of the next record to be read.
func (r *Reader) Offset() int64 { return r.offset }

// SeekRecord moves the reader to the record starting at offset, as listed in an index file.
func (r *Reader) SeekRecord(offset int64) error {
	seeker, ok := r.src.(io.Seeker)
	if !ok {
		return errors.New("record source doesn't support seeking")
	}
	if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seeking record at offset %d", offset)
	}
	r.buf.Reset(r.src)
	r.offset = offset
	return nil
}

// Reset moves the reader back to the first record.
func (r *Reader) Reset() error { return r.SeekRecord(0) }

// Next returns the next record. It returns io.EOF when there are no more records.
func (r *Reader) Next() ([]byte, error) {
	record := make([]byte, 0, 64)
	first := true
	for {
		n, err := io.ReadFull(r.buf, r.header[:])
		if err != nil {
			if first && n == 0 && err == io.EOF {
				return nil, io.EOF
			}
			return nil, errors.Errorf("invalid record file: truncated record header at offset %d", r.offset)
		}
		magic := binary.LittleEndian.Uint32(r.header[:4])
		if magic != Magic {
			return nil, errors.Errorf("invalid record file: bad magic number 0x%08x at offset %d", magic, r.offset)
		}
		cflag, length := decodeLRec(binary.LittleEndian.Uint32(r.header[4:]))
		padded := align4(length)
		start := len(record)
		record = append(record, make([]byte, padded)...)
		if _, err := io.ReadFull(r.buf, record[start:]); err != nil {
			return nil, errors.Errorf("invalid record file: truncated record data at offset %d", r.offset)
		}
		record = record[:start+int(length)]
		r.offset += 8 + int64(padded)
		if cflag == flagFull || cflag == flagEnd {
			return record, nil
		}
		if (first && cflag != flagStart) || (!first && cflag != flagMiddle) {
			return nil, errors.Errorf("invalid record file: unexpected continuation flag %d at offset %d", cflag, r.offset)
		}
		record = binary.LittleEndian.AppendUint32(record, Magic)
		first = false
	}
}

// Writer writes records.
type Writer struct {
	dst    io.Writer
	buf    *bufio.Writer
	offset int64
	word   [8]byte
}

// NewWriter creates a writer of records to dst. Call Flush (or Close) when done.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst, buf: bufio.NewWriter(dst)}
}

// Create creates (or truncates) a RecordIO file for writing. Close the Writer when done.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create record file %q", path)
	}
	return NewWriter(f), nil
}

// Offset returns the position where the next record will be written.
func (w *Writer) Offset() int64 { return w.offset }

func (w *Writer) writePart(cflag uint32, data []byte) error {
	binary.LittleEndian.PutUint32(w.word[:4], Magic)
	binary.LittleEndian.PutUint32(w.word[4:], encodeLRec(cflag, uint32(len(data))))
	if _, err := w.buf.Write(w.word[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	padding := int(align4(uint32(len(data)))) - len(data)
	if padding > 0 {
		var zeros [4]byte
		if _, err := w.buf.Write(zeros[:padding]); err != nil {
			return err
		}
	}
	w.offset += 8 + int64(len(data)+padding)
	return nil
}

// Write appends a record and returns the offset where it starts, to be used in an index.
func (w *Writer) Write(record []byte) (offset int64, err error) {
	offset = w.offset
	if len(record) > MaxRecordSize {
		return offset, errors.Errorf("record of %d bytes is too large", len(record))
	}
	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], Magic)
	lowerAlign := len(record) &^ 3
	partStart := 0
	for ii := 0; ii < lowerAlign; ii += 4 {
		if record[ii] != magic[0] || record[ii+1] != magic[1] || record[ii+2] != magic[2] || record[ii+3] != magic[3] {
			continue
		}
		cflag := uint32(flagMiddle)
		if partStart == 0 {
			cflag = flagStart
		}
		if err = w.writePart(cflag, record[partStart:ii]); err != nil {
			return offset, errors.Wrap(err, "failed to write record")
		}
		partStart = ii + 4
	}
	cflag := uint32(flagFull)
	if partStart != 0 {
		cflag = flagEnd
	}
	if err = w.writePart(cflag, record[partStart:]); err != nil {
		return offset, errors.Wrap(err, "failed to write record")
	}
	return offset, nil
}

// Flush buffered records to the destination.
func (w *Writer) Flush() error {
	return errors.Wrap(w.buf.Flush(), "failed to flush records")
}

// Close flushes and closes the destination, if it is an io.Closer.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if closer, ok := w.dst.(io.Closer); ok {
		return errors.Wrap(closer.Close(), "failed to close record file")
	}
	return nil
}
