package symbol_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/finetune/pkg/symbol"
	"github.com/gomlx/finetune/pkg/symbol/symboltest"
)

func TestMarshalParse(t *testing.T) {
	sym := symboltest.TinyVGG(10)
	data, err := sym.MarshalJSON()
	require.NoError(t, err)
	parsed, err := symbol.Parse(data)
	require.NoError(t, err)
	if diff := cmp.Diff(sym.Nodes, parsed.Nodes, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("nodes changed after serialization (-want +got):\n%s", diff)
	}
	require.Equal(t, sym.Heads, parsed.Heads)
	require.Contains(t, string(data), `"mxnet_version"`)
	require.Contains(t, string(data), `"arg_nodes"`)

	// Serializing again yields the same bytes.
	data2, err := parsed.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, string(data), string(data2))
}

func TestParseLegacy(t *testing.T) {
	legacy := `{
  "nodes": [
    {"op": "null", "param": {}, "name": "data", "inputs": [], "backward_source_id": -1},
    {"op": "null", "param": {}, "name": "fc_weight", "inputs": [], "backward_source_id": -1},
    {"op": "null", "param": {}, "name": "fc_bias", "inputs": [], "backward_source_id": -1},
    {"op": "FullyConnected", "param": {"no_bias": "False", "num_hidden": "3"}, "name": "fc",
     "inputs": [[0, 0], [1, 0], [2, 0]], "backward_source_id": -1}
  ],
  "arg_nodes": [0, 1, 2],
  "heads": [[3, 0]]
}`
	sym, err := symbol.Parse([]byte(legacy))
	require.NoError(t, err)
	fc := sym.Node("fc")
	require.NotNil(t, fc)
	assert.Equal(t, "3", fc.Attrs["num_hidden"])
	assert.Equal(t, []symbol.Entry{{Node: 0}, {Node: 1}, {Node: 2}}, fc.Inputs)
	assert.Equal(t, []string{"data", "fc_weight", "fc_bias"}, sym.ListArguments())
}

func TestValidate(t *testing.T) {
	_, err := symbol.Parse([]byte(`{"nodes": [{"op": "null", "name": "a", "inputs": []}, {"op": "null", "name": "a", "inputs": []}], "heads": [[0, 0, 0]]}`))
	require.ErrorContains(t, err, "used by nodes")

	_, err = symbol.Parse([]byte(`{"nodes": [{"op": "Flatten", "name": "f", "inputs": [[1, 0, 0]]}, {"op": "null", "name": "data", "inputs": []}], "heads": [[0, 0, 0]]}`))
	require.ErrorContains(t, err, "topologically sorted")

	_, err = symbol.Parse([]byte(`{"nodes": [{"op": "null", "name": "data", "inputs": []}], "heads": []}`))
	require.Error(t, err)

	_, err = symbol.Parse([]byte(`not json`))
	require.Error(t, err)
}

func TestInternal(t *testing.T) {
	sym := symboltest.TinyVGG(10)
	drop7, err := sym.Internal("drop7_output")
	require.NoError(t, err)
	assert.Equal(t, "drop7", drop7.Output().Name)
	assert.False(t, drop7.Has("fc8"))
	assert.False(t, drop7.Has("fc8_weight"))
	assert.False(t, drop7.Has("prob"))
	assert.True(t, drop7.Has("fc7_weight"))
	require.NoError(t, drop7.Validate())

	// Plain node names also work.
	relu6, err := sym.Internal("relu6")
	require.NoError(t, err)
	assert.Equal(t, "relu6", relu6.Output().Name)

	_, err = sym.Internal("drop9_output")
	require.Error(t, err)

	assert.Contains(t, sym.InternalNames(), "drop7_output")
	assert.Contains(t, sym.InternalNames(), "fc8_weight")
}

func TestSurgery(t *testing.T) {
	sym := symboltest.TinyVGG(1000)
	drop7, err := sym.Internal("drop7_output")
	require.NoError(t, err)
	net := symbol.FullyConnected(drop7, "fc8", 196)
	net = symbol.SoftmaxOutput(net, "softmax")

	out := net.Output()
	assert.Equal(t, "SoftmaxOutput", out.Op)
	assert.Equal(t, "softmax", out.Name)
	fc := net.Nodes[out.Inputs[0].Node]
	assert.Equal(t, "FullyConnected", fc.Op)
	assert.Equal(t, "fc8", fc.Name)
	assert.Equal(t, "196", fc.Attrs["num_hidden"])
	assert.Equal(t, "drop7", net.Nodes[fc.Inputs[0].Node].Name)

	args := net.ListArguments()
	assert.Contains(t, args, "fc8_weight")
	assert.Contains(t, args, "fc8_bias")
	assert.Contains(t, args, "softmax_label")
	assert.NotContains(t, args, "prob_label")

	shapes, err := net.InferShapes(map[string][]int{"data": symboltest.DataShape})
	require.NoError(t, err)
	assert.Equal(t, []int{196, 8}, shapes.Args["fc8_weight"])
	assert.Equal(t, []int{196}, shapes.Args["fc8_bias"])
	assert.Equal(t, [][]int{{2, 196}}, shapes.Outputs)

	// The original symbol is untouched.
	assert.Equal(t, "prob", sym.Output().Name)
	assert.Equal(t, "1000", sym.Node("fc8").Attrs["num_hidden"])
}

func TestApplyNameCollision(t *testing.T) {
	sym := symboltest.TinyVGG(10)
	require.Panics(t, func() { symbol.FullyConnected(sym, "fc7", 3) })
}

func TestInferShapes(t *testing.T) {
	sym := symboltest.TinyVGG(10)
	shapes, err := sym.InferShapes(map[string][]int{"data": symboltest.DataShape})
	require.NoError(t, err)
	want := map[string][]int{
		"data":           {2, 3, 8, 8},
		"conv1_1_weight": {4, 3, 3, 3},
		"conv1_1_bias":   {4},
		"fc6_weight":     {8, 64},
		"fc6_bias":       {8},
		"fc7_weight":     {8, 8},
		"fc7_bias":       {8},
		"fc8_weight":     {10, 8},
		"fc8_bias":       {10},
		"prob_label":     {2},
	}
	if diff := cmp.Diff(want, shapes.Args); diff != "" {
		t.Fatalf("argument shapes (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{2, 4, 4, 4}, shapes.Nodes["pool1"])
	assert.Empty(t, shapes.Aux)

	// Inconsistent parameter shape.
	_, err = sym.InferShapes(map[string][]int{"data": symboltest.DataShape, "fc7_weight": {8, 9}})
	require.ErrorContains(t, err, "fc7_weight")

	// Missing data shape.
	_, err = sym.InferShapes(nil)
	require.Error(t, err)
}

func TestBatchNormAux(t *testing.T) {
	net := symbol.Variable("data")
	net = symbol.Convolution(net, "conv", 3, 2, 1)
	net = symbol.BatchNorm(net, "bn")
	net = symbol.FullyConnected(net, "fc", 3)
	net = symbol.SoftmaxOutput(net, "softmax")

	assert.Equal(t, []string{"bn_moving_mean", "bn_moving_var"}, net.ListAuxiliaryStates())
	assert.NotContains(t, net.ListArguments(), "bn_moving_mean")
	assert.Contains(t, net.ListArguments(), "bn_gamma")

	shapes, err := net.InferShapes(map[string][]int{"data": {1, 1, 4, 4}})
	require.NoError(t, err)
	assert.Equal(t, map[string][]int{"bn_moving_mean": {2}, "bn_moving_var": {2}}, shapes.Aux)
	assert.Equal(t, []int{3, 32}, shapes.Args["fc_weight"])
}

func TestAttrs(t *testing.T) {
	n := &symbol.Node{Name: "conv", Attrs: map[string]string{
		"kernel": "(3, 3)", "stride": "2", "pad": "(1,)", "num_filter": "64", "no_bias": "True", "p": "0.5",
	}}
	kernel, err := n.AttrTuple("kernel", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, kernel)
	stride, err := n.AttrTuple("stride", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, stride)
	pad, err := n.AttrTuple("pad", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, pad)
	dilate, err := n.AttrTuple("dilate", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, dilate)
	numFilter, err := n.AttrInt("num_filter", 0)
	require.NoError(t, err)
	assert.Equal(t, 64, numFilter)
	assert.True(t, n.AttrBool("no_bias", false))
	p, err := n.AttrFloat("p", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p)
	_, err = n.AttrTuple("kernel", 3, 1)
	require.Error(t, err)
}

func TestParamBelongsTo(t *testing.T) {
	assert.True(t, symbol.ParamBelongsTo("fc8_weight", "fc8"))
	assert.True(t, symbol.ParamBelongsTo("fc8_bias", "fc8"))
	assert.False(t, symbol.ParamBelongsTo("fc80_weight", "fc8"))
	assert.False(t, symbol.ParamBelongsTo("fc7_weight", "fc8"))
}

func TestCloneIndependent(t *testing.T) {
	sym := symboltest.TinyVGG(10)
	c := sym.Clone()
	c.Node("fc8").Attrs["num_hidden"] = "3"
	assert.Equal(t, "10", sym.Node("fc8").Attrs["num_hidden"])
	if diff := cmp.Diff(sym.Heads, c.Heads); diff != "" {
		t.Fatal(diff)
	}
}
