// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package symbol

import (
	"fmt"
	"maps"
	"strconv"
)

// Variable creates a symbol with a single variable node.
func Variable(name string) *Symbol {
	s := &Symbol{
		Nodes: []*Node{{Op: VariableOp, Name: name}},
		Heads: []Entry{{Node: 0}},
	}
	s.index()
	return s
}

// opParams lists the parameter variables automatically created for each op, in input order.
var opParams = map[string][]string{
	"Convolution":    {"weight", "bias"},
	"FullyConnected": {"weight", "bias"},
	"BatchNorm":      {"gamma", "beta", "moving_mean", "moving_var"},
	"SoftmaxOutput":  {"label"},
}

// ParamNames returns the names of the variables that Apply creates for a layer of the given op.
// Biases are omitted if attrs sets "no_bias".
func ParamNames(op, name string, attrs map[string]string) []string {
	var names []string
	for _, suffix := range opParams[op] {
		if suffix == "bias" && parseBool(attrs["no_bias"]) {
			continue
		}
		names = append(names, name+"_"+suffix)
	}
	return names
}

// Apply creates a new symbol with an op node named name applied to the outputs of the inputs.
//
// The inputs' graphs are merged: nodes with the same name are considered the same node. Parameter
// variables of the op (e.g. "<name>_weight", "<name>_bias" for FullyConnected) not given as inputs
// are created automatically, as MXNet does.
//
// It panics if name is already used by a node of the inputs.
func Apply(op, name string, attrs map[string]string, inputs ...*Symbol) *Symbol {
	s := &Symbol{}
	seen := make(map[string]int)
	var entries []Entry
	for _, in := range inputs {
		if s.Attrs == nil && in.Attrs != nil {
			s.Attrs = maps.Clone(in.Attrs)
		}
		remap := make([]int, len(in.Nodes))
		for ii, n := range in.Nodes {
			if idx, found := seen[n.Name]; found {
				remap[ii] = idx
				continue
			}
			c := n.Clone()
			for jj := range c.Inputs {
				c.Inputs[jj].Node = remap[c.Inputs[jj].Node]
			}
			remap[ii] = len(s.Nodes)
			seen[n.Name] = remap[ii]
			s.Nodes = append(s.Nodes, c)
		}
		for _, h := range in.Heads {
			h.Node = remap[h.Node]
			entries = append(entries, h)
		}
	}
	if _, found := seen[name]; found {
		panic(fmt.Sprintf("symbol.Apply(%q, %q): name already used in the input graph", op, name))
	}
	params := ParamNames(op, name, attrs)
	if given := len(entries) - 1; given > 0 {
		params = params[min(given, len(params)):]
	}
	for _, paramName := range params {
		if idx, found := seen[paramName]; found {
			entries = append(entries, Entry{Node: idx})
			continue
		}
		seen[paramName] = len(s.Nodes)
		entries = append(entries, Entry{Node: len(s.Nodes)})
		s.Nodes = append(s.Nodes, &Node{Op: VariableOp, Name: paramName})
	}
	node := &Node{Op: op, Name: name, Inputs: entries}
	if len(attrs) > 0 {
		node.Attrs = maps.Clone(attrs)
	}
	s.Heads = []Entry{{Node: len(s.Nodes)}}
	s.Nodes = append(s.Nodes, node)
	s.index()
	return s
}

// FullyConnected appends a dense layer with numHidden outputs. Its input is flattened.
func FullyConnected(data *Symbol, name string, numHidden int) *Symbol {
	return Apply("FullyConnected", name, map[string]string{"num_hidden": strconv.Itoa(numHidden)}, data)
}

// SoftmaxOutput appends the softmax output layer, trained with cross-entropy against the
// "<name>_label" variable.
func SoftmaxOutput(data *Symbol, name string) *Symbol {
	return Apply("SoftmaxOutput", name, nil, data)
}

// Convolution appends a 2D convolution with square kernel, stride 1 and the given padding.
func Convolution(data *Symbol, name string, kernel, numFilter, pad int) *Symbol {
	return Apply("Convolution", name, map[string]string{
		"kernel":     fmt.Sprintf("(%d, %d)", kernel, kernel),
		"num_filter": strconv.Itoa(numFilter),
		"pad":        fmt.Sprintf("(%d, %d)", pad, pad),
	}, data)
}

// Activation appends an element-wise activation: "relu", "sigmoid", "tanh" or "softrelu".
func Activation(data *Symbol, name, actType string) *Symbol {
	return Apply("Activation", name, map[string]string{"act_type": actType}, data)
}

// Pooling appends a 2D pooling ("max" or "avg") with square kernel and stride.
func Pooling(data *Symbol, name, poolType string, kernel, stride int) *Symbol {
	return Apply("Pooling", name, map[string]string{
		"pool_type": poolType,
		"kernel":    fmt.Sprintf("(%d, %d)", kernel, kernel),
		"stride":    fmt.Sprintf("(%d, %d)", stride, stride),
	}, data)
}

// Dropout appends a dropout layer, active only during training.
func Dropout(data *Symbol, name string, p float64) *Symbol {
	return Apply("Dropout", name, map[string]string{"p": strconv.FormatFloat(p, 'g', -1, 64)}, data)
}

// Flatten appends a layer that reshapes its input to [batch, -1].
func Flatten(data *Symbol, name string) *Symbol {
	return Apply("Flatten", name, nil, data)
}

// BatchNorm appends a batch normalization over the channels axis (1).
func BatchNorm(data *Symbol, name string) *Symbol {
	return Apply("BatchNorm", name, map[string]string{"eps": "0.001", "momentum": "0.9", "fix_gamma": "False"}, data)
}
