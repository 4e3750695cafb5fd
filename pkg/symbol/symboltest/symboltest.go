// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package symboltest holds test utilities for packages that handle symbols and checkpoints.
package symboltest

import (
	"math/rand/v2"
	"strings"

	"github.com/gomlx/finetune/pkg/ndarray"
	"github.com/gomlx/finetune/pkg/symbol"
)

// TinyVGG builds a VGG shaped network small enough for tests:
// conv-relu-pool, then fc6-relu6-drop6, fc7-relu7-drop7, fc8 with numClasses outputs and
// a "prob" softmax output. Node names follow the VGG16 model zoo ones.
func TinyVGG(numClasses int) *symbol.Symbol {
	net := symbol.Variable("data")
	net = symbol.Convolution(net, "conv1_1", 3, 4, 1)
	net = symbol.Activation(net, "relu1_1", "relu")
	net = symbol.Pooling(net, "pool1", "max", 2, 2)
	net = symbol.Flatten(net, "flatten_0")
	net = symbol.FullyConnected(net, "fc6", 8)
	net = symbol.Activation(net, "relu6", "relu")
	net = symbol.Dropout(net, "drop6", 0.5)
	net = symbol.FullyConnected(net, "fc7", 8)
	net = symbol.Activation(net, "relu7", "relu")
	net = symbol.Dropout(net, "drop7", 0.5)
	net = symbol.FullyConnected(net, "fc8", numClasses)
	return symbol.SoftmaxOutput(net, "prob")
}

// DenseVGG is TinyVGG without the convolutional body: only the fully connected layers, with the
// same names. It is differentiable by every backend, so it is the one used to test training.
func DenseVGG(numClasses int) *symbol.Symbol {
	net := symbol.Variable("data")
	net = symbol.Flatten(net, "flatten_0")
	net = symbol.FullyConnected(net, "fc6", 8)
	net = symbol.Activation(net, "relu6", "relu")
	net = symbol.Dropout(net, "drop6", 0.5)
	net = symbol.FullyConnected(net, "fc7", 8)
	net = symbol.Activation(net, "relu7", "relu")
	net = symbol.Dropout(net, "drop7", 0.5)
	net = symbol.FullyConnected(net, "fc8", numClasses)
	return symbol.SoftmaxOutput(net, "prob")
}

// DataShape is the input shape used with TinyVGG: batch of 2 RGB 8x8 images.
var DataShape = []int{2, 3, 8, 8}

// RandomParams creates random Float32 values for all learnable parameters and auxiliary states of sym,
// given the input shapes. Inputs and "*_label" variables are not included.
func RandomParams(sym *symbol.Symbol, inputs map[string][]int, seed uint64) (args, aux map[string]*ndarray.Array, err error) {
	shapes, err := sym.InferShapes(inputs)
	if err != nil {
		return nil, nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	random := func(shape []int) *ndarray.Array {
		size := 1
		for _, dim := range shape {
			size *= dim
		}
		values := make([]float32, size)
		for ii := range values {
			values[ii] = float32(rng.NormFloat64() * 0.1)
		}
		return ndarray.FromFloat32s(values, shape...)
	}
	args = make(map[string]*ndarray.Array)
	for name, shape := range shapes.Args {
		if _, isInput := inputs[name]; isInput || strings.HasSuffix(name, "_label") {
			continue
		}
		args[name] = random(shape)
	}
	aux = make(map[string]*ndarray.Array)
	for name, shape := range shapes.Aux {
		a := random(shape)
		if strings.HasSuffix(name, "_var") {
			values, _ := a.Float32s()
			for ii := range values {
				values[ii] = 1 + values[ii]*values[ii]
			}
			a = ndarray.FromFloat32s(values, shape...)
		}
		aux[name] = a
	}
	return args, aux, nil
}
