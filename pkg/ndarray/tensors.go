// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ndarray

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ToTensor converts the array to a GoMLX tensor of the same dtype and shape.
func (a *Array) ToTensor() (*tensors.Tensor, error) {
	if len(a.Data) != a.Size()*a.DType.Size() {
		return nil, errors.Errorf("array %s has %d bytes of data, expected %d", a, len(a.Data), a.Size()*a.DType.Size())
	}
	t := tensors.FromShape(shapes.Make(a.DType, a.Shape...))
	err := t.MutableBytes(func(data []byte) {
		copy(data, a.Data)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "converting array %s to tensor", a)
	}
	return t, nil
}

// FromTensor copies the contents of a GoMLX tensor into a new array.
func FromTensor(t *tensors.Tensor) (*Array, error) {
	shape := t.Shape()
	a := &Array{DType: shape.DType, Shape: append([]int(nil), shape.Dimensions...)}
	err := t.ConstBytes(func(data []byte) {
		a.Data = make([]byte, len(data))
		copy(a.Data, data)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "reading tensor %s", shape)
	}
	return a, nil
}
