// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package symbol models a network topology in the MXNet symbol JSON format: a DAG of named
// operator nodes, where nodes with op "null" are variables (inputs, labels, parameters and auxiliary
// states).
//
// Beyond reading and writing the format, it provides the operations needed for transfer learning:
// looking up internal layers (Internal), composing new layers on top of a truncated graph (Apply,
// FullyConnected, SoftmaxOutput), listing arguments and auxiliary states, and inferring parameter
// shapes (InferShapes).
package symbol

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// VariableOp is the op of variable nodes.
const VariableOp = "null"

// OutputSuffix is the suffix MXNet appends to a node name to name its output, as in "drop7_output".
const OutputSuffix = "_output"

// DefaultVersion is the MXNet version recorded in symbols created from scratch.
const DefaultVersion = 10300

// Entry references one output of a node.
type Entry struct {
	Node, Index, Version int
}

// MarshalJSON implements json.Marshaler, using MXNet's triplet format.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{e.Node, e.Index, e.Version})
}

// UnmarshalJSON implements json.Unmarshaler. It accepts the legacy pair format.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	if len(values) < 1 || len(values) > 3 {
		return errors.Errorf("invalid node entry %s", data)
	}
	*e = Entry{Node: values[0]}
	if len(values) > 1 {
		e.Index = values[1]
	}
	if len(values) > 2 {
		e.Version = values[2]
	}
	return nil
}

// Node of the topology.
type Node struct {
	Op     string
	Name   string
	Attrs  map[string]string
	Inputs []Entry
}

// IsVariable returns whether the node is a variable (op "null").
func (n *Node) IsVariable() bool { return n.Op == VariableOp }

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	return &Node{Op: n.Op, Name: n.Name, Attrs: maps.Clone(n.Attrs), Inputs: slices.Clone(n.Inputs)}
}

type jsonNode struct {
	Op     string            `json:"op"`
	Name   string            `json:"name"`
	Attrs  map[string]string `json:"attrs,omitempty"`
	Inputs []Entry           `json:"inputs"`

	// Legacy fields, read only.
	Param map[string]string `json:"param,omitempty"`
	Attr  map[string]string `json:"attr,omitempty"`
}

type jsonSymbol struct {
	Nodes      []jsonNode                 `json:"nodes"`
	ArgNodes   []int                      `json:"arg_nodes"`
	NodeRowPtr []int                      `json:"node_row_ptr"`
	Heads      []Entry                    `json:"heads"`
	Attrs      map[string]json.RawMessage `json:"attrs,omitempty"`
}

// Symbol is a network topology: a topologically sorted list of nodes and the entries that are its outputs.
type Symbol struct {
	Nodes []*Node
	Heads []Entry

	// Attrs are the graph level attributes, kept verbatim.
	Attrs map[string]json.RawMessage

	byName map[string]int
}

// Parse a symbol from its JSON representation.
func Parse(data []byte) (*Symbol, error) {
	var js jsonSymbol
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, errors.Wrap(err, "invalid symbol JSON")
	}
	s := &Symbol{Heads: js.Heads, Attrs: js.Attrs}
	s.Nodes = make([]*Node, len(js.Nodes))
	for ii, jn := range js.Nodes {
		attrs := jn.Attrs
		for _, legacy := range []map[string]string{jn.Param, jn.Attr} {
			if len(legacy) == 0 {
				continue
			}
			if attrs == nil {
				attrs = make(map[string]string, len(legacy))
			}
			for k, v := range legacy {
				if _, found := attrs[k]; !found {
					attrs[k] = v
				}
			}
		}
		s.Nodes[ii] = &Node{Op: jn.Op, Name: jn.Name, Attrs: attrs, Inputs: jn.Inputs}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads a symbol from a JSON file.
func Load(filePath string) (*Symbol, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read symbol file %q", filePath)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing symbol file %q", filePath)
	}
	return s, nil
}

// MarshalJSON implements json.Marshaler, in the MXNet symbol format.
func (s *Symbol) MarshalJSON() ([]byte, error) {
	js := jsonSymbol{
		Nodes:      make([]jsonNode, len(s.Nodes)),
		ArgNodes:   []int{},
		NodeRowPtr: make([]int, 0, len(s.Nodes)+1),
		Heads:      s.Heads,
		Attrs:      s.Attrs,
	}
	if js.Attrs == nil {
		js.Attrs = map[string]json.RawMessage{
			"mxnet_version": json.RawMessage(fmt.Sprintf(`["int", %d]`, DefaultVersion)),
		}
	}
	row := 0
	for ii, n := range s.Nodes {
		inputs := n.Inputs
		if inputs == nil {
			inputs = []Entry{}
		}
		js.Nodes[ii] = jsonNode{Op: n.Op, Name: n.Name, Attrs: n.Attrs, Inputs: inputs}
		if n.IsVariable() {
			js.ArgNodes = append(js.ArgNodes, ii)
		}
		js.NodeRowPtr = append(js.NodeRowPtr, row)
		row += numOutputs(n.Op)
	}
	js.NodeRowPtr = append(js.NodeRowPtr, row)
	return json.MarshalIndent(&js, "", "  ")
}

// Save writes the symbol as JSON to filePath.
func (s *Symbol) Save(filePath string) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "failed to serialize symbol")
	}
	if err = os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write symbol to %q", filePath)
	}
	return nil
}

// numOutputs of an op, including hidden ones, as counted in MXNet's node_row_ptr.
func numOutputs(op string) int {
	switch op {
	case "BatchNorm":
		return 3
	case "Dropout":
		return 2
	default:
		return 1
	}
}

// Validate checks that the nodes are topologically sorted, names are unique and heads are valid.
func (s *Symbol) Validate() error {
	s.byName = make(map[string]int, len(s.Nodes))
	for ii, n := range s.Nodes {
		if n.Name == "" {
			return errors.Errorf("node #%d (op %q) has no name", ii, n.Op)
		}
		if prev, found := s.byName[n.Name]; found {
			return errors.Errorf("node name %q used by nodes #%d and #%d", n.Name, prev, ii)
		}
		s.byName[n.Name] = ii
		if n.IsVariable() && len(n.Inputs) > 0 {
			return errors.Errorf("variable %q has inputs", n.Name)
		}
		for _, in := range n.Inputs {
			if in.Node < 0 || in.Node >= ii {
				return errors.Errorf("node %q (#%d) has invalid input #%d: nodes must be topologically sorted", n.Name, ii, in.Node)
			}
		}
	}
	if len(s.Heads) == 0 {
		return errors.New("symbol has no outputs (heads)")
	}
	for _, h := range s.Heads {
		if h.Node < 0 || h.Node >= len(s.Nodes) {
			return errors.Errorf("invalid head node #%d, symbol has only %d nodes", h.Node, len(s.Nodes))
		}
	}
	return nil
}

// Clone returns a deep copy of the symbol.
func (s *Symbol) Clone() *Symbol {
	c := &Symbol{
		Nodes:  make([]*Node, len(s.Nodes)),
		Heads:  slices.Clone(s.Heads),
		Attrs:  maps.Clone(s.Attrs),
		byName: maps.Clone(s.byName),
	}
	for ii, n := range s.Nodes {
		c.Nodes[ii] = n.Clone()
	}
	return c
}

func (s *Symbol) index() map[string]int {
	if s.byName == nil {
		s.byName = make(map[string]int, len(s.Nodes))
		for ii, n := range s.Nodes {
			s.byName[n.Name] = ii
		}
	}
	return s.byName
}

// Node returns the node with the given name, or nil if there is none.
func (s *Symbol) Node(name string) *Node {
	idx, found := s.index()[name]
	if !found {
		return nil
	}
	return s.Nodes[idx]
}

// Has returns whether there is a node with the given name.
func (s *Symbol) Has(name string) bool {
	_, found := s.index()[name]
	return found
}

// Output returns the node of the first head of the symbol.
func (s *Symbol) Output() *Node {
	return s.Nodes[s.Heads[0].Node]
}

// Layers returns the operator (non-variable) nodes, in topological order.
func (s *Symbol) Layers() []*Node {
	layers := make([]*Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if !n.IsVariable() {
			layers = append(layers, n)
		}
	}
	return layers
}

// InternalNames lists the names that can be given to Internal: "<name>_output" for operators and the
// variable names.
func (s *Symbol) InternalNames() []string {
	names := make([]string, len(s.Nodes))
	for ii, n := range s.Nodes {
		if n.IsVariable() {
			names[ii] = n.Name
		} else {
			names[ii] = n.Name + OutputSuffix
		}
	}
	return names
}

// Internal returns the sub-graph that outputs the given internal node, including only its ancestors.
// The name can be either the node name or its output name ("drop7_output").
func (s *Symbol) Internal(name string) (*Symbol, error) {
	nodeName := name
	idx, found := s.index()[nodeName]
	if !found {
		nodeName = strings.TrimSuffix(name, OutputSuffix)
		idx, found = s.index()[nodeName]
	}
	if !found {
		return nil, errors.Errorf("symbol has no internal layer named %q", name)
	}
	return s.subgraph([]Entry{{Node: idx}}), nil
}

// subgraph returns a new symbol with the given heads and only the nodes they depend on.
func (s *Symbol) subgraph(heads []Entry) *Symbol {
	keep := make([]bool, len(s.Nodes))
	var mark func(idx int)
	mark = func(idx int) {
		if keep[idx] {
			return
		}
		keep[idx] = true
		for _, in := range s.Nodes[idx].Inputs {
			mark(in.Node)
		}
	}
	for _, h := range heads {
		mark(h.Node)
	}
	remap := make([]int, len(s.Nodes))
	sub := &Symbol{Attrs: maps.Clone(s.Attrs)}
	for ii, n := range s.Nodes {
		if !keep[ii] {
			remap[ii] = -1
			continue
		}
		remap[ii] = len(sub.Nodes)
		c := n.Clone()
		for jj := range c.Inputs {
			c.Inputs[jj].Node = remap[c.Inputs[jj].Node]
		}
		sub.Nodes = append(sub.Nodes, c)
	}
	for _, h := range heads {
		h.Node = remap[h.Node]
		sub.Heads = append(sub.Heads, h)
	}
	sub.index()
	return sub
}

// ListArguments returns the names of the variables that are arguments (inputs, labels and
// learnable parameters), in topological order. Auxiliary states are excluded.
func (s *Symbol) ListArguments() []string {
	aux := s.auxVariables()
	var args []string
	for ii, n := range s.Nodes {
		if n.IsVariable() && !aux[ii] {
			args = append(args, n.Name)
		}
	}
	return args
}

// ListAuxiliaryStates returns the names of the variables that are auxiliary states (e.g. BatchNorm
// moving statistics), in topological order.
func (s *Symbol) ListAuxiliaryStates() []string {
	aux := s.auxVariables()
	var names []string
	for ii, n := range s.Nodes {
		if aux[ii] {
			names = append(names, n.Name)
		}
	}
	return names
}

// auxInputs lists, per op, the input positions that are auxiliary states.
var auxInputs = map[string][]int{
	"BatchNorm": {3, 4},
}

func (s *Symbol) auxVariables() map[int]bool {
	aux := make(map[int]bool)
	for _, n := range s.Nodes {
		for _, pos := range auxInputs[n.Op] {
			if pos < len(n.Inputs) && s.Nodes[n.Inputs[pos].Node].IsVariable() {
				aux[n.Inputs[pos].Node] = true
			}
		}
	}
	return aux
}

// ParamBelongsTo returns whether the parameter name follows the naming convention of parameters
// of the given layer: "<layer>_<suffix>", e.g. "fc8_weight" belongs to "fc8".
func ParamBelongsTo(param, layer string) bool {
	return strings.HasPrefix(param, layer+"_")
}
