// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ndarray

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Magic numbers of the MXNet NDArray serialization.
const (
	ListMagic uint64 = 0x112

	// V1Magic marks arrays saved with int64 dimensions and no storage type.
	V1Magic uint32 = 0xF993fac8

	// V2Magic marks arrays saved with a storage type, the current format.
	V2Magic uint32 = 0xF993fac9

	// V3Magic is V2 with numpy shape semantics. Dense arrays are stored the same way.
	V3Magic uint32 = 0xF993faca
)

// Prefixes used for the names of arguments and auxiliary states in a checkpoint parameters file.
const (
	ArgPrefix = "arg:"
	AuxPrefix = "aux:"
)

// Storage types: only dense arrays are supported.
const (
	storageDefault int32 = 0
	storageUndef   int32 = -1
)

// cpuDevType is the context saved with every array.
const cpuDevType int32 = 1

// typeFlags maps MXNet type flags to dtypes.
var typeFlags = map[int32]dtypes.DType{
	0:  dtypes.Float32,
	1:  dtypes.Float64,
	2:  dtypes.Float16,
	3:  dtypes.Uint8,
	4:  dtypes.Int32,
	5:  dtypes.Int8,
	6:  dtypes.Int64,
	7:  dtypes.Bool,
	12: dtypes.BFloat16,
}

// TypeFlag returns the MXNet type flag for the dtype, or false if the dtype has no representation.
func TypeFlag(dtype dtypes.DType) (int32, bool) {
	for flag, dt := range typeFlags {
		if dt == dtype {
			return flag, true
		}
	}
	return 0, false
}

// Load reads the named arrays from an MXNet parameters file.
func Load(filePath string) (map[string]*Array, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open parameters file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	arrays, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading parameters file %q", filePath)
	}
	return arrays, nil
}

// Save writes the named arrays to filePath, atomically: it writes to a temporary file in the
// same directory first and renames it.
func Save(filePath string, arrays map[string]*Array) error {
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", filePath)
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	if err = Encode(w, arrays); err == nil {
		err = w.Flush()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.WithMessagef(err, "while writing parameters file %q", filePath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move parameters into %q", filePath)
	}
	return nil
}

// Encode writes the arrays in MXNet NDArray list format, sorted by name.
func Encode(w io.Writer, arrays map[string]*Array) error {
	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)

	enc := &encoder{w: w}
	enc.u64(ListMagic)
	enc.u64(0)
	enc.u64(uint64(len(names)))
	for _, name := range names {
		enc.array(name, arrays[name])
	}
	enc.u64(uint64(len(names)))
	for _, name := range names {
		enc.u64(uint64(len(name)))
		enc.bytes([]byte(name))
	}
	return enc.err
}

// Decode reads arrays in MXNet NDArray list format. Lists saved without names are keyed by their
// position ("0", "1", ...).
func Decode(r io.Reader) (map[string]*Array, error) {
	dec := &decoder{r: r}
	if magic := dec.u64(); dec.err == nil && magic != ListMagic {
		return nil, errors.Errorf("invalid parameters file magic number 0x%x (expected 0x%x)", magic, ListMagic)
	}
	_ = dec.u64() // Reserved.
	count := dec.u64()
	if dec.err != nil {
		return nil, dec.err
	}
	list := make([]*Array, 0, min(count, 1<<16))
	for ii := uint64(0); ii < count; ii++ {
		a, err := dec.array()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading array #%d", ii)
		}
		list = append(list, a)
	}
	numNames := dec.u64()
	if dec.err != nil {
		return nil, dec.err
	}
	arrays := make(map[string]*Array, len(list))
	if numNames == 0 {
		for ii, a := range list {
			arrays[strconv.Itoa(ii)] = a
		}
		return arrays, nil
	}
	if numNames != uint64(len(list)) {
		return nil, errors.Errorf("parameters file has %d arrays but %d names", len(list), numNames)
	}
	for _, a := range list {
		nameLen := dec.u64()
		if dec.err == nil && nameLen > 1<<20 {
			return nil, errors.Errorf("invalid array name length %d", nameLen)
		}
		name := string(dec.bytes(int(nameLen)))
		if dec.err != nil {
			return nil, dec.err
		}
		if _, found := arrays[name]; found {
			return nil, errors.Errorf("duplicate array name %q in parameters file", name)
		}
		arrays[name] = a
	}
	return arrays, nil
}

// SplitArgsAux separates a checkpoint's arrays into arguments ("arg:" prefix) and auxiliary states
// ("aux:" prefix), with the prefixes removed.
func SplitArgsAux(arrays map[string]*Array) (args, aux map[string]*Array, err error) {
	args = make(map[string]*Array)
	aux = make(map[string]*Array)
	for name, a := range arrays {
		switch {
		case strings.HasPrefix(name, ArgPrefix):
			args[strings.TrimPrefix(name, ArgPrefix)] = a
		case strings.HasPrefix(name, AuxPrefix):
			aux[strings.TrimPrefix(name, AuxPrefix)] = a
		default:
			return nil, nil, errors.Errorf("invalid parameter name %q: expected prefix %q or %q", name, ArgPrefix, AuxPrefix)
		}
	}
	return args, aux, nil
}

// JoinArgsAux is the inverse of SplitArgsAux.
func JoinArgsAux(args, aux map[string]*Array) map[string]*Array {
	arrays := make(map[string]*Array, len(args)+len(aux))
	for name, a := range args {
		arrays[ArgPrefix+name] = a
	}
	for name, a := range aux {
		arrays[AuxPrefix+name] = a
	}
	return arrays
}

type encoder struct {
	w   io.Writer
	err error
	buf [8]byte
}

func (e *encoder) bytes(data []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(data)
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.bytes(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.bytes(e.buf[:8])
}

func (e *encoder) array(name string, a *Array) {
	if e.err != nil {
		return
	}
	flag, ok := TypeFlag(a.DType)
	if !ok {
		e.err = errors.Errorf("array %q: dtype %s cannot be saved in a parameters file", name, a.DType)
		return
	}
	if len(a.Data) != a.Size()*a.DType.Size() {
		e.err = errors.Errorf("array %q %s has %d bytes of data, expected %d", name, a, len(a.Data), a.Size()*a.DType.Size())
		return
	}
	e.u32(V2Magic)
	e.u32(uint32(storageDefault))
	e.u32(uint32(len(a.Shape)))
	for _, dim := range a.Shape {
		e.u64(uint64(int64(dim)))
	}
	if len(a.Shape) == 0 {
		return
	}
	e.u32(uint32(cpuDevType))
	e.u32(0)
	e.u32(uint32(flag))
	e.bytes(a.Data)
}

type decoder struct {
	r   io.Reader
	err error
	buf [8]byte
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(d.r, data); err != nil {
		d.err = errors.Wrap(err, "truncated parameters file")
	}
	return data
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		d.err = errors.Wrap(err, "truncated parameters file")
		return 0
	}
	return binary.LittleEndian.Uint32(d.buf[:4])
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	if _, err := io.ReadFull(d.r, d.buf[:8]); err != nil {
		d.err = errors.Wrap(err, "truncated parameters file")
		return 0
	}
	return binary.LittleEndian.Uint64(d.buf[:8])
}

const maxRank = 32

func (d *decoder) array() (*Array, error) {
	magic := d.u32()
	var shape []int
	switch magic {
	case V2Magic, V3Magic:
		stype := int32(d.u32())
		if stype != storageDefault && stype != storageUndef && d.err == nil {
			return nil, errors.Errorf("sparse arrays (storage type %d) are not supported", stype)
		}
		shape = d.shape64()
	case V1Magic:
		shape = d.shape64()
	default:
		// Legacy format: the magic number is the rank, dimensions are uint32.
		rank := int(magic)
		if rank > maxRank {
			return nil, errors.Errorf("invalid array magic number 0x%x", magic)
		}
		shape = make([]int, rank)
		for ii := range shape {
			shape[ii] = int(d.u32())
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(shape) == 0 {
		return &Array{DType: dtypes.Float32}, nil
	}
	_ = d.u32() // Device type.
	_ = d.u32() // Device id.
	flag := int32(d.u32())
	if d.err != nil {
		return nil, d.err
	}
	dtype, ok := typeFlags[flag]
	if !ok {
		return nil, errors.Errorf("unsupported array type flag %d", flag)
	}
	a := &Array{DType: dtype, Shape: shape}
	size := a.Size() * dtype.Size()
	if size < 0 || size > 1<<34 {
		return nil, errors.Errorf("invalid array shape %v", shape)
	}
	a.Data = d.bytes(size)
	return a, d.err
}

func (d *decoder) shape64() []int {
	rank := d.u32()
	if d.err != nil {
		return nil
	}
	if rank > maxRank {
		d.err = errors.Errorf("invalid array rank %d", rank)
		return nil
	}
	shape := make([]int, rank)
	for ii := range shape {
		dim := int64(d.u64())
		if dim < 0 {
			d.err = errors.Errorf("invalid array dimension %d", dim)
			return nil
		}
		shape[ii] = int(dim)
	}
	return shape
}
