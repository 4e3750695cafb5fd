// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/gomlx/finetune/pkg/modelstore"
	"github.com/gomlx/finetune/pkg/ndarray"
	"github.com/gomlx/finetune/pkg/symbol"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// ParamsScope is the context scope holding the network parameters and auxiliary states.
const ParamsScope = "params"

// Xavier initializes weights with values whose variance depends on the fan-in and fan-out of the
// layer, as MXNet's mx.init.Xavier. Biases and betas are initialized with zeros, gammas with ones.
type Xavier struct {
	// RndType is "uniform" or "gaussian".
	RndType string

	// FactorType is "avg", "in" or "out".
	FactorType string

	Magnitude float64
}

// DefaultXavier returns Xavier(rnd_type="uniform", factor_type="avg", magnitude=3).
func DefaultXavier() Xavier {
	return Xavier{RndType: "uniform", FactorType: "avg", Magnitude: 3}
}

// initialValue dispatches on the parameter name suffix.
func (x Xavier) initialValue(name string, shape []int, rng *rand.Rand) (*ndarray.Array, error) {
	switch {
	case strings.HasSuffix(name, "weight"):
		return x.weight(name, shape, rng)
	case strings.HasSuffix(name, "bias"), strings.HasSuffix(name, "beta"),
		strings.HasSuffix(name, "moving_mean"), strings.HasSuffix(name, "running_mean"):
		return ndarray.FromFloat32s(make([]float32, product(shape)), shape...), nil
	case strings.HasSuffix(name, "gamma"), strings.HasSuffix(name, "moving_var"), strings.HasSuffix(name, "running_var"):
		values := make([]float32, product(shape))
		for ii := range values {
			values[ii] = 1
		}
		return ndarray.FromFloat32s(values, shape...), nil
	}
	return nil, errors.Errorf("don't know how to initialize parameter %q: its name should end with weight, bias, gamma or beta", name)
}

func (x Xavier) weight(name string, shape []int, rng *rand.Rand) (*ndarray.Array, error) {
	if len(shape) < 2 {
		return nil, errors.Errorf("xavier initializer cannot be applied to %q with shape %v: it requires at least 2 axes", name, shape)
	}
	receptive := product(shape[2:])
	fanIn := float64(shape[1] * receptive)
	fanOut := float64(shape[0] * receptive)
	var factor float64
	switch x.FactorType {
	case "avg":
		factor = (fanIn + fanOut) / 2
	case "in":
		factor = fanIn
	case "out":
		factor = fanOut
	default:
		return nil, errors.Errorf("xavier initializer: invalid factor type %q", x.FactorType)
	}
	scale := math.Sqrt(x.Magnitude / factor)
	values := make([]float32, product(shape))
	switch x.RndType {
	case "uniform":
		for ii := range values {
			values[ii] = float32((2*rng.Float64() - 1) * scale)
		}
	case "gaussian":
		for ii := range values {
			values[ii] = float32(rng.NormFloat64() * scale)
		}
	default:
		return nil, errors.Errorf("xavier initializer: invalid random type %q", x.RndType)
	}
	return ndarray.FromFloat32s(values, shape...), nil
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// network is a symbol with its parameters loaded as context variables.
type network struct {
	sym      *symbol.Symbol
	dataName string
	labels   map[string]bool

	// argNames and auxNames are the loaded parameters and auxiliary states, in symbol order.
	argNames, auxNames []string
	vars               map[string]*context.Variable
}

// labelNames returns the variables feeding the labels of the output layers.
func labelNames(sym *symbol.Symbol) map[string]bool {
	labels := make(map[string]bool)
	for _, n := range sym.Nodes {
		if n.Op != "SoftmaxOutput" && n.Op != "Softmax" {
			continue
		}
		for _, in := range n.Inputs[1:] {
			if v := sym.Nodes[in.Node]; v.IsVariable() {
				labels[v.Name] = true
			}
		}
	}
	return labels
}

// newNetwork creates the variables of the parameters and auxiliary states of the job's symbol, with the
// shapes inferred for the job's input. Values found in the job are converted to float32; missing ones are
// initialized if job.AllowMissing, and are an error otherwise.
func newNetwork(ctx *context.Context, job *FitJob, inferred *symbol.Shapes) (*network, error) {
	net := &network{
		sym:      job.Symbol,
		dataName: job.dataName(),
		labels:   labelNames(job.Symbol),
		vars:     make(map[string]*context.Variable),
	}
	paramsCtx := ctx.In(ParamsScope)
	for _, name := range job.Symbol.ListArguments() {
		if name == net.dataName || net.labels[name] {
			continue
		}
		v, err := net.loadVariable(paramsCtx, job, name, inferred.Args[name], job.Args[name])
		if err != nil {
			return nil, err
		}
		net.argNames = append(net.argNames, name)
		net.vars[name] = v
	}
	for _, name := range job.Symbol.ListAuxiliaryStates() {
		v, err := net.loadVariable(paramsCtx, job, name, inferred.Aux[name], job.Aux[name])
		if err != nil {
			return nil, err
		}
		v.SetTrainable(false)
		net.auxNames = append(net.auxNames, name)
		net.vars[name] = v
	}

	var unused []string
	for _, params := range []map[string]*ndarray.Array{job.Args, job.Aux} {
		for _, name := range maps.Keys(params) {
			if _, found := net.vars[name]; !found {
				unused = append(unused, name)
			}
		}
	}
	if len(unused) > 0 {
		slices.Sort(unused)
		klog.Warningf("Parameters not used by the network are ignored: %q", unused)
	}
	return net, nil
}

func (net *network) loadVariable(ctx *context.Context, job *FitJob, name string, shape []int, value *ndarray.Array) (*context.Variable, error) {
	if shape == nil {
		return nil, errors.Errorf("shape of parameter %q is unknown", name)
	}
	var err error
	if value == nil {
		if !job.AllowMissing {
			return nil, errors.Errorf("parameter %q is missing", name)
		}
		value, err = job.Initializer.initialValue(name, shape, paramRNG(job.Seed, name))
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("Initialized %s %v", name, shape)
	} else {
		if !value.SameShape(shape) {
			return nil, errors.Errorf("parameter %q has shape %v, but the network requires %v", name, value.Shape, shape)
		}
		value, err = value.AsFloat32()
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %q", name)
		}
	}
	t, err := value.ToTensor()
	if err != nil {
		return nil, err
	}
	return ctx.VariableWithValue(name, t), nil
}

// paramRNG returns the random number generator initializing a parameter: it depends only on the
// seed and the parameter name.
func paramRNG(seed int64, name string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return rand.New(rand.NewPCG(uint64(seed), h.Sum64()))
}

// checkpoint copies the current values of the variables into a checkpoint of the symbol.
func (net *network) checkpoint() (*modelstore.Checkpoint, error) {
	ckpt := &modelstore.Checkpoint{
		Symbol: net.sym,
		Args:   make(map[string]*ndarray.Array, len(net.argNames)),
		Aux:    make(map[string]*ndarray.Array, len(net.auxNames)),
	}
	for _, group := range []struct {
		names []string
		dst   map[string]*ndarray.Array
	}{{net.argNames, ckpt.Args}, {net.auxNames, ckpt.Aux}} {
		for _, name := range group.names {
			value, err := net.vars[name].Value()
			if err != nil {
				return nil, errors.WithMessagef(err, "reading parameter %q", name)
			}
			a, err := ndarray.FromTensor(value)
			if err != nil {
				return nil, err
			}
			group.dst[name] = a
		}
	}
	return ckpt, nil
}
