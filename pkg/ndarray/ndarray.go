// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ndarray holds dense n-dimensional arrays as they are stored in MXNet parameter files
// (`.params`), and encodes/decodes those files.
//
// Arrays keep their data as raw little-endian bytes, so a file loaded and saved back is byte-identical,
// whatever the dtype. Conversion to float32 (for inspection and initialization) and to GoMLX tensors
// is provided.
package ndarray

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Array is a dense array with a shape, a dtype and its raw little-endian data.
type Array struct {
	DType dtypes.DType
	Shape []int
	Data  []byte
}

// New creates a zero-initialized array with the given dtype and shape.
func New(dtype dtypes.DType, shape ...int) *Array {
	a := &Array{DType: dtype, Shape: slices.Clone(shape)}
	a.Data = make([]byte, a.Size()*dtype.Size())
	return a
}

// FromFloat32s creates a Float32 array from the flat values given, in row-major order.
// It panics if the number of values doesn't match the shape.
func FromFloat32s(values []float32, shape ...int) *Array {
	a := New(dtypes.Float32, shape...)
	if len(values) != a.Size() {
		panic(fmt.Sprintf("ndarray.FromFloat32s: %d values given for shape %v (size %d)", len(values), shape, a.Size()))
	}
	for ii, v := range values {
		binary.LittleEndian.PutUint32(a.Data[ii*4:], math.Float32bits(v))
	}
	return a
}

// Size returns the number of elements of the array.
func (a *Array) Size() int {
	size := 1
	for _, dim := range a.Shape {
		size *= dim
	}
	return size
}

// Rank returns the number of axes of the array.
func (a *Array) Rank() int { return len(a.Shape) }

// Memory returns the number of bytes used by the array data.
func (a *Array) Memory() int { return len(a.Data) }

// String implements fmt.Stringer: it prints the dtype and shape only.
func (a *Array) String() string {
	parts := make([]string, len(a.Shape))
	for ii, dim := range a.Shape {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("(%s)[%s]", a.DType, strings.Join(parts, " "))
}

// Clone returns a deep copy of the array.
func (a *Array) Clone() *Array {
	return &Array{DType: a.DType, Shape: slices.Clone(a.Shape), Data: bytes.Clone(a.Data)}
}

// Equal returns whether both arrays have the same dtype, shape and byte contents.
func (a *Array) Equal(other *Array) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.DType == other.DType && slices.Equal(a.Shape, other.Shape) && bytes.Equal(a.Data, other.Data)
}

// SameShape returns whether the array has exactly the given shape.
func (a *Array) SameShape(shape []int) bool {
	return slices.Equal(a.Shape, shape)
}

// Float32s returns a copy of the array values converted to float32.
func (a *Array) Float32s() ([]float32, error) {
	n := a.Size()
	if len(a.Data) != n*a.DType.Size() {
		return nil, errors.Errorf("array %s has %d bytes of data, expected %d", a, len(a.Data), n*a.DType.Size())
	}
	values := make([]float32, n)
	data := a.Data
	switch a.DType {
	case dtypes.Float32:
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(data[ii*4:]))
		}
	case dtypes.Float64:
		for ii := range values {
			values[ii] = float32(math.Float64frombits(binary.LittleEndian.Uint64(data[ii*8:])))
		}
	case dtypes.Float16:
		for ii := range values {
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(data[ii*2:])).Float32()
		}
	case dtypes.BFloat16:
		for ii := range values {
			values[ii] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(data[ii*2:])) << 16)
		}
	case dtypes.Uint8:
		for ii := range values {
			values[ii] = float32(data[ii])
		}
	case dtypes.Int8:
		for ii := range values {
			values[ii] = float32(int8(data[ii]))
		}
	case dtypes.Int32:
		for ii := range values {
			values[ii] = float32(int32(binary.LittleEndian.Uint32(data[ii*4:])))
		}
	case dtypes.Int64:
		for ii := range values {
			values[ii] = float32(int64(binary.LittleEndian.Uint64(data[ii*8:])))
		}
	default:
		return nil, errors.Errorf("array dtype %s cannot be converted to float32", a.DType)
	}
	return values, nil
}

// AsFloat32 returns the array converted to Float32. If it already is Float32 it returns itself.
func (a *Array) AsFloat32() (*Array, error) {
	if a.DType == dtypes.Float32 {
		return a, nil
	}
	values, err := a.Float32s()
	if err != nil {
		return nil, err
	}
	return FromFloat32s(values, a.Shape...), nil
}

// AsFloat16 returns the array converted to Float16, used to store checkpoints at half precision.
func (a *Array) AsFloat16() (*Array, error) {
	if a.DType == dtypes.Float16 {
		return a, nil
	}
	values, err := a.Float32s()
	if err != nil {
		return nil, err
	}
	half := New(dtypes.Float16, a.Shape...)
	for ii, v := range values {
		binary.LittleEndian.PutUint16(half.Data[ii*2:], float16.Fromfloat32(v).Bits())
	}
	return half, nil
}
