// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// MomentumScope is the scope, under optimizers.Scope, holding the momentum of each trainable variable.
const MomentumScope = "sgd_momentum"

// SGD configures stochastic gradient descent with momentum and weight decay, using MXNet's update
// rule for each parameter w with gradient g:
//
//	g = clip(RescaleGrad * g) + WeightDecay * w
//	mom = Momentum * mom - LearningRate * g
//	w = w + mom
//
// Weight decay only applies to weights and gammas.
type SGD struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64

	// RescaleGrad multiplies the gradient of the summed loss of the batch, usually 1/batch size.
	RescaleGrad float64

	// ClipGradient clips the rescaled gradient to [-ClipGradient, ClipGradient]. 0 disables it.
	ClipGradient float64
}

// momentumSGD implements optimizers.Interface.
type momentumSGD struct {
	SGD

	// lossScale converts the gradient of the loss optimized (the mean over the batch) to the gradient
	// of the summed loss.
	lossScale float64
}

var _ optimizers.Interface = (*momentumSGD)(nil)

// decays returns whether weight decay applies to the parameter.
func decays(name string) bool {
	return strings.HasSuffix(name, "_weight") || strings.HasSuffix(name, "_gamma")
}

// UpdateGraph implements optimizers.Interface.
func (o *momentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("there are no trainable variables to optimize")
	}
	dtype := loss.DType()
	learningRate := optimizers.LearningRateVar(ctx, dtype, o.LearningRate).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	numTrainable := len(grads)
	ii := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if ii < numTrainable {
			o.applyGraph(ctx, g, v, grads[ii], learningRate)
		}
		ii++
	}
	if ii != numTrainable {
		exceptions.Panicf("gradients were computed for %d variables, but the optimizer sees %d trainable variables",
			numTrainable, ii)
	}
}

func (o *momentumSGD) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate *Node) {
	value := v.ValueGraph(g)
	dtype := value.DType()
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	if learningRate.DType() != dtype {
		learningRate = ConvertDType(learningRate, dtype)
	}

	grad = MulScalar(grad, o.RescaleGrad*o.lossScale)
	if o.ClipGradient > 0 {
		grad = ClipScalar(grad, -o.ClipGradient, o.ClipGradient)
	}
	if o.WeightDecay > 0 && decays(v.Name()) {
		grad = Add(grad, MulScalar(value, o.WeightDecay))
	}
	step := Mul(learningRate, grad)
	if o.Momentum <= 0 {
		v.SetValueGraph(Sub(value, step))
		return
	}
	momentumVar := o.momentumVariable(ctx, v)
	momentum := Sub(MulScalar(momentumVar.ValueGraph(g), o.Momentum), step)
	momentumVar.SetValueGraph(momentum)
	v.SetValueGraph(Add(value, momentum))
}

// momentumVariable returns the momentum of the trainable variable, creating it with zeros the first time.
func (o *momentumSGD) momentumVariable(ctx *context.Context, v *context.Variable) *context.Variable {
	scopePath := context.ScopeSeparator + optimizers.Scope + context.ScopeSeparator + MomentumScope + v.Scope()
	return ctx.InAbsPath(scopePath).
		Checked(false).
		WithInitializer(initializers.Zero).
		VariableWithShape(v.Name(), v.Shape()).
		SetTrainable(false)
}

// Clear implements optimizers.Interface: it deletes the momentum variables.
func (o *momentumSGD) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + optimizers.Scope + context.ScopeSeparator + MomentumScope).
		DeleteVariablesInScope()
}
