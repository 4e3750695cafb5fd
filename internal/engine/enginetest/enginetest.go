// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package enginetest holds test utilities for code that trains with package engine.
package enginetest

import (
	"io"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Dataset yields batches of examples held in memory, in order. The last batch may be smaller.
// It implements train.Dataset.
type Dataset struct {
	Examples [][]float32
	Labels   []int32

	name      string
	shape     []int
	batchSize int
	next      int
}

// NewDataset returns an empty Dataset of examples with the given shape (without the batch axis).
func NewDataset(name string, shape []int, batchSize int) *Dataset {
	return &Dataset{name: name, shape: shape, batchSize: batchSize}
}

// NewRandom returns a Dataset of numExamples normally distributed examples, labeled round-robin.
func NewRandom(name string, numExamples, numClasses int, shape []int, batchSize int, seed uint64) *Dataset {
	rng := rand.New(rand.NewPCG(seed, 0))
	ds := NewDataset(name, shape, batchSize)
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	for ii := range numExamples {
		example := make([]float32, size)
		for jj := range example {
			example[jj] = float32(rng.NormFloat64())
		}
		ds.Add(example, int32(ii%numClasses))
	}
	return ds
}

// Add an example.
func (ds *Dataset) Add(example []float32, label int32) {
	ds.Examples = append(ds.Examples, example)
	ds.Labels = append(ds.Labels, label)
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() { ds.next = 0 }

// Yield implements train.Dataset. Every call creates new tensors, since the training loop frees them.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.Examples) {
		return nil, nil, nil, io.EOF
	}
	end := min(ds.next+ds.batchSize, len(ds.Examples))
	var data []float32
	for _, example := range ds.Examples[ds.next:end] {
		data = append(data, example...)
	}
	batchLabels := append([]int32(nil), ds.Labels[ds.next:end]...)
	n := end - ds.next
	ds.next = end
	dims := append([]int{n}, ds.shape...)
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(data, dims...)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchLabels, n, 1)}
	return nil, inputs, labels, nil
}
