// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/finetune/pkg/symbol"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/janpfeifer/must"
)

// Default attribute values of MXNet's BatchNorm.
const (
	batchNormEpsilon  = 1e-3
	batchNormMomentum = 0.9
)

// modelGraph implements train.ModelFn: it interprets the symbol, fed with the images in inputs[0].
// It returns the logits feeding the SoftmaxOutput head.
func (net *network) modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	x := inputs[0]
	g := x.Graph()
	training := ctx.IsTraining(g)
	values := make([]*Node, len(net.sym.Nodes))
	for ii, n := range net.sym.Nodes {
		if n.IsVariable() {
			switch {
			case n.Name == net.dataName:
				values[ii] = x
			case net.labels[n.Name]:
				// Labels are consumed by the loss, not by the graph.
			default:
				v, found := net.vars[n.Name]
				if !found {
					exceptions.Panicf("variable %q of the network was not loaded", n.Name)
				}
				values[ii] = v.ValueGraph(g)
			}
			continue
		}
		values[ii] = net.applyNode(g, ctx, n, values, training)
	}
	head := net.sym.Heads[0]
	if head.Index != 0 {
		exceptions.Panicf("network head %q uses output #%d, only the first output is supported",
			net.sym.Nodes[head.Node].Name, head.Index)
	}
	return []*Node{values[head.Node]}
}

// input returns the value of the input #pos of the node.
func (net *network) input(n *symbol.Node, values []*Node, pos int) *Node {
	if pos >= len(n.Inputs) {
		exceptions.Panicf("node %q (%s) is missing input #%d", n.Name, n.Op, pos)
	}
	in := n.Inputs[pos]
	if in.Index != 0 {
		exceptions.Panicf("node %q (%s) uses output #%d of %q, only first outputs are supported",
			n.Name, n.Op, in.Index, net.sym.Nodes[in.Node].Name)
	}
	value := values[in.Node]
	if value == nil {
		exceptions.Panicf("node %q (%s): input %q has no value", n.Name, n.Op, net.sym.Nodes[in.Node].Name)
	}
	return value
}

// optionalInput returns the value of input #pos, or nil if the node doesn't have it.
func (net *network) optionalInput(n *symbol.Node, values []*Node, pos int) *Node {
	if pos >= len(n.Inputs) {
		return nil
	}
	return net.input(n, values, pos)
}

func (net *network) applyNode(g *Graph, ctx *context.Context, n *symbol.Node, values []*Node, training bool) *Node {
	x := net.input(n, values, 0)
	switch n.Op {
	case "Convolution":
		return convolution(n, x, net.input(n, values, 1), biasInput(n, net, values))
	case "Pooling":
		return pooling(n, x)
	case "FullyConnected":
		return fullyConnected(n, x, net.input(n, values, 1), biasInput(n, net, values))
	case "Flatten", "flatten":
		return flatten(x)
	case "Activation":
		return activation(n, n.AttrString("act_type", ""), x)
	case "relu", "sigmoid", "tanh":
		return activation(n, n.Op, x)
	case "LeakyReLU":
		return leakyReLU(n, x)
	case "Dropout":
		if training || n.AttrString("mode", "training") == "always" {
			return dropout(ctx, n, x)
		}
		return x
	case "BatchNorm":
		return net.batchNorm(n, values, x, training)
	case "SoftmaxOutput", "Softmax":
		return x
	case "softmax":
		axis := must.M1(n.AttrInt("axis", -1))
		return Softmax(x, axis)
	case "SoftmaxActivation":
		if n.AttrString("mode", "instance") == "channel" {
			return Softmax(x, 1)
		}
		axes := make([]int, x.Rank()-1)
		for ii := range axes {
			axes[ii] = ii + 1
		}
		return Softmax(x, axes...)
	case "Concat", "concat":
		axis := must.M1(n.AttrInt("dim", 1))
		operands := make([]*Node, len(n.Inputs))
		for ii := range n.Inputs {
			operands[ii] = net.input(n, values, ii)
		}
		return Concatenate(operands, axis)
	case "elemwise_add", "_Plus", "_plus", "broadcast_add", "ElementWiseSum", "add_n":
		sum := x
		for ii := 1; ii < len(n.Inputs); ii++ {
			sum = Add(sum, net.input(n, values, ii))
		}
		return sum
	case "BlockGrad":
		return StopGradient(x)
	case "identity", "_copy":
		return x
	}
	exceptions.Panicf("node %q: op %q is not supported for training", n.Name, n.Op)
	return nil
}

// biasInput returns the bias of a Convolution or FullyConnected node, or nil if no_bias is set.
func biasInput(n *symbol.Node, net *network, values []*Node) *Node {
	if n.AttrBool("no_bias", false) {
		return nil
	}
	return net.optionalInput(n, values, 2)
}

// channelsBias reshapes a bias to broadcast on axis 1 of a tensor of the given rank.
func channelsBias(bias *Node, rank int) *Node {
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	dims[1] = bias.Shape().Dimensions[0]
	return Reshape(bias, dims...)
}

func convolution(n *symbol.Node, x, kernel, bias *Node) *Node {
	kernelSize := must.M1(n.AttrInts("kernel"))
	rank := len(kernelSize)
	strides := must.M1(n.AttrTuple("stride", rank, 1))
	pads := must.M1(n.AttrTuple("pad", rank, 0))
	dilations := must.M1(n.AttrTuple("dilate", rank, 1))
	numGroup := must.M1(n.AttrInt("num_group", 1))

	paddings := make([][2]int, rank)
	for ii, p := range pads {
		paddings[ii] = [2]int{p, p}
	}
	conv := Convolve(x, kernel).
		ChannelsAxis(images.ChannelsFirst).
		StridePerAxis(strides...).
		PaddingPerDim(paddings)
	if slices.ContainsFunc(dilations, func(d int) bool { return d != 1 }) {
		conv = conv.DilationPerAxis(dilations...)
	}
	if numGroup > 1 {
		conv = conv.ChannelGroupCount(numGroup)
	}
	out := conv.Done()
	if bias != nil {
		out = Add(out, channelsBias(bias, out.Rank()))
	}
	return out
}

func pooling(n *symbol.Node, x *Node) *Node {
	poolType := n.AttrString("pool_type", "max")
	rank := x.Rank() - 2
	if n.AttrBool("global_pool", false) {
		axes := make([]int, rank)
		for ii := range axes {
			axes[ii] = ii + 2
		}
		switch poolType {
		case "max":
			return ReduceAndKeep(x, ReduceMax, axes...)
		case "avg":
			return ReduceAndKeep(x, ReduceMean, axes...)
		case "sum":
			return ReduceAndKeep(x, ReduceSum, axes...)
		}
		exceptions.Panicf("pooling %q: pool_type %q not supported", n.Name, poolType)
	}

	window := must.M1(n.AttrTuple("kernel", rank, 1))
	strides := must.M1(n.AttrTuple("stride", rank, 1))
	pads := must.M1(n.AttrTuple("pad", rank, 0))
	full := n.AttrString("pooling_convention", "valid") == "full"
	dims := x.Shape().Dimensions
	paddings := make([][2]int, rank)
	for ii := range rank {
		paddings[ii] = [2]int{pads[ii], pads[ii]}
		// The "full" convention rounds the output size up: pad the end so the last window fits.
		if span := dims[ii+2] + 2*pads[ii] - window[ii]; full && span%strides[ii] != 0 {
			paddings[ii][1] += strides[ii] - span%strides[ii]
		}
	}

	var pool *PoolBuilder
	switch poolType {
	case "max":
		pool = MaxPool(x)
	case "avg":
		pool = MeanPool(x)
	case "sum":
		pool = SumPool(x)
	default:
		exceptions.Panicf("pooling %q: pool_type %q not supported", n.Name, poolType)
	}
	return pool.ChannelsAxis(images.ChannelsFirst).
		WindowPerAxis(window...).
		StridePerAxis(strides...).
		PaddingPerDim(paddings).
		Done()
}

func flatten(x *Node) *Node {
	dims := x.Shape().Dimensions
	if len(dims) == 2 {
		return x
	}
	size := 1
	for _, d := range dims[1:] {
		size *= d
	}
	return Reshape(x, dims[0], size)
}

// fullyConnected uses MXNet's weight layout [numHidden, inputDim].
func fullyConnected(n *symbol.Node, x, weight, bias *Node) *Node {
	var out *Node
	if n.AttrBool("flatten", true) {
		out = Einsum("bi,oi->bo", flatten(x), weight)
	} else {
		dims := x.Shape().Dimensions
		inputDim := dims[len(dims)-1]
		out = Einsum("bi,oi->bo", Reshape(x, x.Shape().Size()/inputDim, inputDim), weight)
		outDims := append(slices.Clone(dims[:len(dims)-1]), weight.Shape().Dimensions[0])
		out = Reshape(out, outDims...)
	}
	if bias != nil {
		out = Add(out, ExpandLeftToRank(bias, out.Rank()))
	}
	return out
}

func activation(n *symbol.Node, actType string, x *Node) *Node {
	switch actType {
	case "relu":
		return activations.Relu(x)
	case "sigmoid":
		return Sigmoid(x)
	case "tanh":
		return Tanh(x)
	case "softrelu":
		// log(1+exp(x)), computed without overflowing for large x.
		return Add(activations.Relu(x), Log1P(Exp(Neg(Abs(x)))))
	case "softsign":
		return Div(x, OnePlus(Abs(x)))
	}
	exceptions.Panicf("activation %q: act_type %q not supported", n.Name, actType)
	return nil
}

func leakyReLU(n *symbol.Node, x *Node) *Node {
	slope := must.M1(n.AttrFloat("slope", 0.25))
	positive := GreaterOrEqual(x, ZerosLike(x))
	switch actType := n.AttrString("act_type", "leaky"); actType {
	case "leaky":
		return Where(positive, x, MulScalar(x, slope))
	case "elu":
		return Where(positive, x, MulScalar(Sub(Exp(x), OnesLike(x)), slope))
	default:
		exceptions.Panicf("leaky relu %q: act_type %q not supported", n.Name, actType)
	}
	return nil
}

// dropout zeroes elements with probability p, and scales the kept ones by 1/(1-p).
func dropout(ctx *context.Context, n *symbol.Node, x *Node) *Node {
	p := must.M1(n.AttrFloat("p", 0.5))
	if p <= 0 {
		return x
	}
	if p >= 1 {
		return ZerosLike(x)
	}
	keep := GreaterOrEqual(ctx.RandomUniform(x.Graph(), x.Shape()), Scalar(x.Graph(), x.DType(), p))
	return Where(keep, MulScalar(x, 1/(1-p)), ZerosLike(x))
}

// batchNorm normalizes over all axes but the channels axis. In training it uses the batch statistics
// and updates the moving averages, unless use_global_stats is set.
func (net *network) batchNorm(n *symbol.Node, values []*Node, x *Node, training bool) *Node {
	eps := must.M1(n.AttrFloat("eps", batchNormEpsilon))
	momentum := must.M1(n.AttrFloat("momentum", batchNormMomentum))
	axis := must.M1(n.AttrInt("axis", 1))
	if axis < 0 {
		axis += x.Rank()
	}
	gamma := net.input(n, values, 1)
	beta := net.input(n, values, 2)
	if n.AttrBool("fix_gamma", true) {
		gamma = OnesLike(gamma)
	}
	movingMeanVar := net.auxVariable(n, 3)
	movingVarVar := net.auxVariable(n, 4)

	reduceAxes := make([]int, 0, x.Rank()-1)
	for ii := range x.Rank() {
		if ii != axis {
			reduceAxes = append(reduceAxes, ii)
		}
	}
	broadcastDims := make([]int, x.Rank())
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[axis] = x.Shape().Dimensions[axis]
	toInput := func(v *Node) *Node { return Reshape(v, broadcastDims...) }

	g := x.Graph()
	var mean, variance *Node
	if training && !n.AttrBool("use_global_stats", false) {
		mean = ReduceMean(x, reduceAxes...)
		variance = ReduceMean(Square(Sub(x, toInput(mean))), reduceAxes...)
		movingMean := movingMeanVar.ValueGraph(g)
		movingVar := movingVarVar.ValueGraph(g)
		movingMeanVar.SetValueGraph(Add(MulScalar(movingMean, momentum), MulScalar(StopGradient(mean), 1-momentum)))
		movingVarVar.SetValueGraph(Add(MulScalar(movingVar, momentum), MulScalar(StopGradient(variance), 1-momentum)))
	} else {
		mean = movingMeanVar.ValueGraph(g)
		variance = movingVarVar.ValueGraph(g)
	}
	normalized := Div(Sub(x, toInput(mean)), Sqrt(AddScalar(toInput(variance), eps)))
	return Add(Mul(normalized, toInput(gamma)), toInput(beta))
}

// auxVariable returns the variable feeding input #pos of the node, which must be an auxiliary state.
func (net *network) auxVariable(n *symbol.Node, pos int) *context.Variable {
	if pos >= len(n.Inputs) {
		exceptions.Panicf("node %q (%s) is missing input #%d", n.Name, n.Op, pos)
	}
	name := net.sym.Nodes[n.Inputs[pos].Node].Name
	v, found := net.vars[name]
	if !found {
		exceptions.Panicf("node %q (%s): auxiliary state %q was not loaded", n.Name, n.Op, name)
	}
	return v
}
