// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package symbol

import (
	"slices"

	"github.com/pkg/errors"
)

// Shapes holds the result of InferShapes.
type Shapes struct {
	// Args maps argument names (inputs, labels, parameters) to their shapes.
	Args map[string][]int

	// Aux maps auxiliary state names to their shapes.
	Aux map[string][]int

	// Nodes maps every node name to the shape of its (first) output.
	Nodes map[string][]int

	// Outputs are the shapes of the symbol heads.
	Outputs [][]int
}

// sameShapeOps don't change the shape of their first input.
var sameShapeOps = map[string]bool{
	"Activation": true, "Dropout": true, "LeakyReLU": true, "LRN": true,
	"relu": true, "sigmoid": true, "tanh": true, "softmax": true, "Softmax": true,
	"SoftmaxActivation": true, "BlockGrad": true, "identity": true, "_copy": true,
	"elemwise_add": true, "_Plus": true, "_plus": true, "broadcast_add": true,
	"ElementWiseSum": true, "add_n": true,
}

// InferShapes propagates the shapes of the given inputs (usually only "data") through the graph,
// deriving the shapes of all parameters, auxiliary states and outputs.
//
// Parameter variables with shapes given in inputs are checked for consistency.
func (s *Symbol) InferShapes(inputs map[string][]int) (*Shapes, error) {
	shapes := make([][]int, len(s.Nodes))
	for ii, n := range s.Nodes {
		if n.IsVariable() {
			if shape, found := inputs[n.Name]; found {
				shapes[ii] = slices.Clone(shape)
			}
		}
	}

	// setParam sets or checks the shape of an input variable of the node.
	setParam := func(n *Node, pos int, shape []int) error {
		if pos >= len(n.Inputs) {
			return errors.Errorf("node %q (%s) is missing input #%d", n.Name, n.Op, pos)
		}
		idx := n.Inputs[pos].Node
		if shapes[idx] == nil {
			shapes[idx] = shape
			return nil
		}
		if !slices.Equal(shapes[idx], shape) {
			return errors.Errorf("node %q (%s): input %q has shape %v, but %v is required",
				n.Name, n.Op, s.Nodes[idx].Name, shapes[idx], shape)
		}
		return nil
	}

	for ii, n := range s.Nodes {
		if n.IsVariable() {
			continue
		}
		if len(n.Inputs) == 0 {
			return nil, errors.Errorf("node %q (%s) has no inputs", n.Name, n.Op)
		}
		data := shapes[n.Inputs[0].Node]
		if data == nil {
			return nil, errors.Errorf("node %q (%s): shape of input %q is unknown", n.Name, n.Op, s.Nodes[n.Inputs[0].Node].Name)
		}
		out, err := s.inferNode(n, data, shapes, setParam)
		if err != nil {
			return nil, err
		}
		shapes[ii] = out
	}

	aux := make(map[string]bool)
	for _, name := range s.ListAuxiliaryStates() {
		aux[name] = true
	}
	result := &Shapes{
		Args:  make(map[string][]int),
		Aux:   make(map[string][]int),
		Nodes: make(map[string][]int, len(s.Nodes)),
	}
	for ii, n := range s.Nodes {
		result.Nodes[n.Name] = shapes[ii]
		if !n.IsVariable() {
			continue
		}
		if shapes[ii] == nil {
			return nil, errors.Errorf("shape of variable %q could not be inferred", n.Name)
		}
		if aux[n.Name] {
			result.Aux[n.Name] = shapes[ii]
		} else {
			result.Args[n.Name] = shapes[ii]
		}
	}
	for _, h := range s.Heads {
		result.Outputs = append(result.Outputs, shapes[h.Node])
	}
	return result, nil
}

func (s *Symbol) inferNode(n *Node, data []int, shapes [][]int, setParam func(n *Node, pos int, shape []int) error) ([]int, error) {
	switch {
	case sameShapeOps[n.Op]:
		return slices.Clone(data), nil

	case n.Op == "Convolution":
		kernel, err := n.AttrInts("kernel")
		if err != nil {
			return nil, err
		}
		rank := len(kernel)
		if rank == 0 || len(data) != rank+2 {
			return nil, errors.Errorf("convolution %q: kernel %v incompatible with input shape %v", n.Name, kernel, data)
		}
		stride, err := n.AttrTuple("stride", rank, 1)
		if err != nil {
			return nil, err
		}
		pad, err := n.AttrTuple("pad", rank, 0)
		if err != nil {
			return nil, err
		}
		dilate, err := n.AttrTuple("dilate", rank, 1)
		if err != nil {
			return nil, err
		}
		numFilter, err := n.AttrInt("num_filter", 0)
		if err != nil {
			return nil, err
		}
		numGroup, err := n.AttrInt("num_group", 1)
		if err != nil {
			return nil, err
		}
		if numFilter <= 0 || numGroup <= 0 || data[1]%numGroup != 0 {
			return nil, errors.Errorf("convolution %q: invalid num_filter=%d / num_group=%d for %d input channels",
				n.Name, numFilter, numGroup, data[1])
		}
		weight := append([]int{numFilter, data[1] / numGroup}, kernel...)
		if err := setParam(n, 1, weight); err != nil {
			return nil, err
		}
		if !n.AttrBool("no_bias", false) {
			if err := setParam(n, 2, []int{numFilter}); err != nil {
				return nil, err
			}
		}
		out := []int{data[0], numFilter}
		for ii, k := range kernel {
			dim := (data[ii+2]+2*pad[ii]-(dilate[ii]*(k-1)+1))/stride[ii] + 1
			if dim <= 0 {
				return nil, errors.Errorf("convolution %q: input %v too small for kernel %v", n.Name, data, kernel)
			}
			out = append(out, dim)
		}
		return out, nil

	case n.Op == "Pooling":
		if len(data) < 3 {
			return nil, errors.Errorf("pooling %q: invalid input shape %v", n.Name, data)
		}
		rank := len(data) - 2
		out := slices.Clone(data[:2])
		if n.AttrBool("global_pool", false) {
			for range rank {
				out = append(out, 1)
			}
			return out, nil
		}
		kernel, err := n.AttrTuple("kernel", rank, 1)
		if err != nil {
			return nil, err
		}
		stride, err := n.AttrTuple("stride", rank, 1)
		if err != nil {
			return nil, err
		}
		pad, err := n.AttrTuple("pad", rank, 0)
		if err != nil {
			return nil, err
		}
		full := n.AttrString("pooling_convention", "valid") == "full"
		for ii := range rank {
			span := data[ii+2] + 2*pad[ii] - kernel[ii]
			dim := span/stride[ii] + 1
			if full && span%stride[ii] != 0 {
				dim++
			}
			if dim <= 0 {
				return nil, errors.Errorf("pooling %q: input %v too small for kernel %v", n.Name, data, kernel)
			}
			out = append(out, dim)
		}
		return out, nil

	case n.Op == "FullyConnected":
		numHidden, err := n.AttrInt("num_hidden", 0)
		if err != nil {
			return nil, err
		}
		if numHidden <= 0 {
			return nil, errors.Errorf("fully connected %q: invalid num_hidden=%d", n.Name, numHidden)
		}
		var inputDim int
		var out []int
		if n.AttrBool("flatten", true) {
			inputDim = product(data[1:])
			out = []int{data[0], numHidden}
		} else {
			inputDim = data[len(data)-1]
			out = append(slices.Clone(data[:len(data)-1]), numHidden)
		}
		if err := setParam(n, 1, []int{numHidden, inputDim}); err != nil {
			return nil, err
		}
		if !n.AttrBool("no_bias", false) {
			if err := setParam(n, 2, []int{numHidden}); err != nil {
				return nil, err
			}
		}
		return out, nil

	case n.Op == "Flatten" || n.Op == "flatten":
		return []int{data[0], product(data[1:])}, nil

	case n.Op == "BatchNorm":
		axis, err := n.AttrInt("axis", 1)
		if err != nil {
			return nil, err
		}
		if axis < 0 {
			axis += len(data)
		}
		if axis < 0 || axis >= len(data) {
			return nil, errors.Errorf("batch norm %q: invalid axis for input shape %v", n.Name, data)
		}
		channels := []int{data[axis]}
		for pos := 1; pos <= 4; pos++ {
			if err := setParam(n, pos, channels); err != nil {
				return nil, err
			}
		}
		return slices.Clone(data), nil

	case n.Op == "SoftmaxOutput":
		if len(n.Inputs) > 1 {
			label := []int{data[0]}
			if n.AttrBool("multi_output", false) {
				label = append([]int{data[0]}, data[2:]...)
			}
			if err := setParam(n, 1, label); err != nil {
				return nil, err
			}
		}
		return slices.Clone(data), nil

	case n.Op == "Concat" || n.Op == "concat":
		axis, err := n.AttrInt("dim", 1)
		if err != nil {
			return nil, err
		}
		out := slices.Clone(data)
		if axis < 0 || axis >= len(out) {
			return nil, errors.Errorf("concat %q: invalid dim %d for shape %v", n.Name, axis, data)
		}
		for _, in := range n.Inputs[1:] {
			other := shapes[in.Node]
			if len(other) != len(out) {
				return nil, errors.Errorf("concat %q: input %q has shape %v, incompatible with %v",
					n.Name, s.Nodes[in.Node].Name, other, data)
			}
			out[axis] += other[axis]
		}
		return out, nil
	}
	return nil, errors.Errorf("node %q: shape inference for op %q not supported", n.Name, n.Op)
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
