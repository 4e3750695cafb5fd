// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package recordio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the fixed part of a packed image record header.
const HeaderSize = 24

// Header of an image record: MXNet's IRHeader.
//
// If Flag > 0, the record holds Flag labels (in Labels) instead of the single Label.
type Header struct {
	Flag   uint32
	Label  float32
	Labels []float32
	ID     uint64
	ID2    uint64
}

// ClassLabel returns the class label of the record: Label, or the first of Labels if there are many.
func (h Header) ClassLabel() float32 {
	if h.Flag > 0 && len(h.Labels) > 0 {
		return h.Labels[0]
	}
	return h.Label
}

// Pack serializes the header followed by the payload (usually an encoded image) into a record.
func Pack(h Header, payload []byte) []byte {
	flag := h.Flag
	if len(h.Labels) > 0 {
		flag = uint32(len(h.Labels))
	}
	record := make([]byte, HeaderSize, HeaderSize+4*len(h.Labels)+len(payload))
	binary.LittleEndian.PutUint32(record[0:], flag)
	binary.LittleEndian.PutUint32(record[4:], math.Float32bits(h.Label))
	binary.LittleEndian.PutUint64(record[8:], h.ID)
	binary.LittleEndian.PutUint64(record[16:], h.ID2)
	for _, label := range h.Labels {
		record = binary.LittleEndian.AppendUint32(record, math.Float32bits(label))
	}
	return append(record, payload...)
}

// Unpack parses a record into its header and payload. The payload shares memory with record.
func Unpack(record []byte) (Header, []byte, error) {
	var h Header
	if len(record) < HeaderSize {
		return h, nil, errors.Errorf("image record too short (%d bytes)", len(record))
	}
	h.Flag = binary.LittleEndian.Uint32(record[0:])
	h.Label = math.Float32frombits(binary.LittleEndian.Uint32(record[4:]))
	h.ID = binary.LittleEndian.Uint64(record[8:])
	h.ID2 = binary.LittleEndian.Uint64(record[16:])
	payload := record[HeaderSize:]
	if h.Flag > 0 {
		if uint64(len(payload)) < 4*uint64(h.Flag) {
			return h, nil, errors.Errorf("image record with %d labels too short (%d bytes)", h.Flag, len(record))
		}
		h.Labels = make([]float32, h.Flag)
		for ii := range h.Labels {
			h.Labels[ii] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*ii:]))
		}
		payload = payload[4*h.Flag:]
	}
	return h, payload, nil
}

// IndexEntry maps a record key to its offset in the record file.
type IndexEntry struct {
	Key    uint64
	Offset int64
}

// WriteIndex writes an index file: one "key\toffset" line per record.
func WriteIndex(path string, entries []IndexEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create index file %q", path)
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err = fmt.Fprintf(w, "%d\t%d\n", e.Key, e.Offset); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "failed to write index file %q", path)
}

// ReadIndex reads an index file written by WriteIndex (or MXNet's im2rec tool).
func ReadIndex(r io.Reader) ([]IndexEntry, error) {
	var entries []IndexEntry
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("index line %d: expected \"key offset\", got %q", lineNum, line)
		}
		key, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, errors.Errorf("index line %d: invalid key %q", lineNum, fields[0])
		}
		offset, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, errors.Errorf("index line %d: invalid offset %q", lineNum, fields[1])
		}
		entries = append(entries, IndexEntry{Key: key, Offset: offset})
	}
	return entries, errors.Wrap(scanner.Err(), "failed reading index")
}
