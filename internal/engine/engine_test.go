package engine

import (
	"io"
	"math"
	"testing"

	"github.com/gomlx/finetune/internal/engine/enginetest"
	"github.com/gomlx/finetune/pkg/modelstore"
	"github.com/gomlx/finetune/pkg/ndarray"
	"github.com/gomlx/finetune/pkg/symbol"
	"github.com/gomlx/finetune/pkg/symbol/symboltest"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestXavier(t *testing.T) {
	x := DefaultXavier()
	rng := paramRNG(42, "fc_weight")
	w, err := x.initialValue("fc_weight", []int{4, 6}, rng)
	require.NoError(t, err)
	values, err := w.Float32s()
	require.NoError(t, err)
	scale := math.Sqrt(3.0 / 5.0)
	var nonZero int
	for _, v := range values {
		assert.LessOrEqual(t, math.Abs(float64(v)), scale)
		if v != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 20)

	// Same seed and name, same values.
	again, err := x.initialValue("fc_weight", []int{4, 6}, paramRNG(42, "fc_weight"))
	require.NoError(t, err)
	assert.True(t, w.Equal(again))

	bias, err := x.initialValue("fc_bias", []int{4}, rng)
	require.NoError(t, err)
	assert.True(t, bias.Equal(ndarray.FromFloat32s([]float32{0, 0, 0, 0}, 4)))
	gamma, err := x.initialValue("bn_gamma", []int{2}, rng)
	require.NoError(t, err)
	assert.True(t, gamma.Equal(ndarray.FromFloat32s([]float32{1, 1}, 2)))

	_, err = x.initialValue("fc_something", []int{4}, rng)
	require.Error(t, err)
	_, err = x.initialValue("fc_weight", []int{4}, rng)
	require.Error(t, err)
	_, err = Xavier{RndType: "uniform", FactorType: "fan", Magnitude: 3}.initialValue("fc_weight", []int{4, 6}, rng)
	require.Error(t, err)

	gaussian := Xavier{RndType: "gaussian", FactorType: "in", Magnitude: 2}
	_, err = gaussian.initialValue("conv_weight", []int{4, 3, 3, 3}, rng)
	require.NoError(t, err)
}

func TestDecays(t *testing.T) {
	assert.True(t, decays("fc8_weight"))
	assert.True(t, decays("bn_gamma"))
	assert.False(t, decays("fc8_bias"))
	assert.False(t, decays("bn_beta"))
}

// tinyBatchNormNet is a fc-batchnorm-relu-fc network, to exercise auxiliary states.
func tinyBatchNormNet(numClasses int) *symbol.Symbol {
	net := symbol.Variable("data")
	net = symbol.FullyConnected(net, "fc1", 16)
	net = symbol.BatchNorm(net, "bn1")
	net = symbol.Activation(net, "relu1", "relu")
	net = symbol.FullyConnected(net, "fc8", numClasses)
	return symbol.SoftmaxOutput(net, "softmax")
}

func TestFitEndToEnd(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const numClasses = 3
	sym := tinyBatchNormNet(numClasses)
	exampleShape := []int{3, 8, 8}
	args, aux, err := symboltest.RandomParams(sym, map[string][]int{"data": {4, 3, 8, 8}}, 1)
	require.NoError(t, err)
	delete(args, "fc8_weight")
	delete(args, "fc8_bias")
	args["unused_weight"] = ndarray.FromFloat32s([]float32{1}, 1)

	var batches []BatchEndParams
	var checkpoints []int
	saved := make(map[int]*modelstore.Checkpoint)
	var validations [][]MetricValue
	job := &FitJob{
		Symbol:       sym,
		Args:         args,
		Aux:          aux,
		AllowMissing: true,
		Initializer:  DefaultXavier(),
		Optimizer:    SGD{LearningRate: 0.01, Momentum: 0.9, WeightDecay: 0.0005, RescaleGrad: 1.0 / 4},
		Train:        enginetest.NewRandom("train", 12, numClasses, exampleShape, 4, 1),
		Val:          enginetest.NewRandom("val", 6, numClasses, exampleShape, 4, 2),
		DataShape:    exampleShape,
		BatchSize:    4,
		BeginEpoch:   3,
		EndEpoch:     5,
		BatchEnd:     []BatchEndFn{func(p BatchEndParams) { batches = append(batches, p) }},
		EpochEnd: []EpochEndFn{func(epoch int, ckpt *modelstore.Checkpoint) error {
			checkpoints = append(checkpoints, epoch)
			saved[epoch] = ckpt
			return nil
		}},
		EvalEnd: []EvalEndFn{func(_ int, validation []MetricValue) error {
			validations = append(validations, validation)
			return nil
		}},
		Seed: 7,
	}
	require.NoError(t, New(backend).Fit(job))

	assert.Equal(t, []int{3, 4}, checkpoints)
	require.Len(t, batches, 6)
	assert.Equal(t, 3, batches[0].Epoch)
	assert.Equal(t, 1, batches[0].Batch)
	assert.Equal(t, 4, batches[5].Epoch)
	assert.Equal(t, 3, batches[5].Batch)
	assert.Equal(t, 4, batches[5].BatchSize)
	assert.NotEmpty(t, batches[5].Metrics)

	ckpt := saved[4]
	require.NotNil(t, ckpt)
	assert.Same(t, sym, ckpt.Symbol)
	for _, name := range []string{"fc1_weight", "fc1_bias", "bn1_gamma", "bn1_beta", "fc8_weight", "fc8_bias"} {
		assert.Containsf(t, ckpt.Args, name, "parameter %q missing from checkpoint", name)
	}
	assert.NotContains(t, ckpt.Args, "unused_weight")
	assert.Equal(t, []int{numClasses, 16}, ckpt.Args["fc8_weight"].Shape)
	require.Contains(t, ckpt.Aux, "bn1_moving_mean")
	require.Contains(t, ckpt.Aux, "bn1_moving_var")
	assert.False(t, ckpt.Aux["bn1_moving_mean"].Equal(aux["bn1_moving_mean"]), "moving mean should be updated by training")
	assert.False(t, ckpt.Args["fc1_weight"].Equal(args["fc1_weight"]), "fc1_weight should be trained")

	require.Len(t, validations, 2)
	byName := make(map[string]float64)
	for _, m := range validations[1] {
		byName[m.Name] = m.Value
	}
	require.Contains(t, byName, "accuracy")
	require.Contains(t, byName, "cross-entropy")
	// With 3 classes every label is in the top 5.
	assert.InDelta(t, 1.0, byName["top_k_accuracy_5"], 1e-6)
}

func TestFitMomentumSGDStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	net := symbol.Variable("data")
	net = symbol.FullyConnected(net, "fc", 2)
	sym := symbol.SoftmaxOutput(net, "softmax")

	w0 := []float32{0.1, -0.2, 0.3, 0.05, 0.4, -0.1}
	b0 := []float32{0.01, -0.02}
	ds := enginetest.NewDataset("train", []int{3}, 2)
	ds.Add([]float32{1, 2, -1}, 0)
	ds.Add([]float32{0.5, -1, 2}, 1)
	const lr, momentum, wd = 0.1, 0.9, 0.01
	var final *modelstore.Checkpoint
	job := &FitJob{
		Symbol:     sym,
		Args:       map[string]*ndarray.Array{"fc_weight": ndarray.FromFloat32s(w0, 2, 3), "fc_bias": ndarray.FromFloat32s(b0, 2)},
		Optimizer:  SGD{LearningRate: lr, Momentum: momentum, WeightDecay: wd, RescaleGrad: 0.5},
		Train:      ds,
		DataShape:  []int{3},
		BatchSize:  2,
		BeginEpoch: 0,
		EndEpoch:   1,
		EpochEnd: []EpochEndFn{func(_ int, ckpt *modelstore.Checkpoint) error {
			final = ckpt
			return nil
		}},
	}
	require.NoError(t, New(backend).Fit(job))
	require.NotNil(t, final)

	// Expected: gradient of the summed cross-entropy, times the rescale.
	gradW := make([]float64, 6)
	gradB := make([]float64, 2)
	for ii, x := range ds.Examples {
		logits := make([]float64, 2)
		for c := range 2 {
			logits[c] = float64(b0[c])
			for jj := range 3 {
				logits[c] += float64(w0[c*3+jj]) * float64(x[jj])
			}
		}
		maxLogit := math.Max(logits[0], logits[1])
		denominator := math.Exp(logits[0]-maxLogit) + math.Exp(logits[1]-maxLogit)
		for c := range 2 {
			p := math.Exp(logits[c]-maxLogit) / denominator
			if int32(c) == ds.Labels[ii] {
				p -= 1
			}
			gradB[c] += 0.5 * p
			for jj := range 3 {
				gradW[c*3+jj] += 0.5 * p * float64(x[jj])
			}
		}
	}
	gotW, err := final.Args["fc_weight"].Float32s()
	require.NoError(t, err)
	for ii, w := range w0 {
		want := float64(w) - lr*(gradW[ii]+wd*float64(w))
		assert.InDeltaf(t, want, float64(gotW[ii]), 1e-5, "fc_weight[%d]", ii)
	}
	gotB, err := final.Args["fc_bias"].Float32s()
	require.NoError(t, err)
	for ii, b := range b0 {
		want := float64(b) - lr*gradB[ii]
		assert.InDeltaf(t, want, float64(gotB[ii]), 1e-5, "fc_bias[%d]", ii)
	}
}

func TestFitErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sym := symboltest.DenseVGG(3)
	args, aux, err := symboltest.RandomParams(sym, map[string][]int{"data": symboltest.DataShape}, 1)
	require.NoError(t, err)
	delete(args, "fc8_weight")
	newJob := func() *FitJob {
		return &FitJob{
			Symbol:     sym,
			Args:       args,
			Aux:        aux,
			Train:      enginetest.NewRandom("train", 4, 3, []int{3, 8, 8}, 2, 1),
			DataShape:  []int{3, 8, 8},
			BatchSize:  2,
			BeginEpoch: 0,
			EndEpoch:   1,
			Optimizer:  SGD{LearningRate: 0.01, RescaleGrad: 0.5},
		}
	}

	err = New(backend).Fit(newJob())
	require.ErrorContains(t, err, "fc8_weight")

	job := newJob()
	job.BeginEpoch, job.EndEpoch = 2, 2
	called := false
	job.EpochEnd = []EpochEndFn{func(int, *modelstore.Checkpoint) error { called = true; return nil }}
	require.NoError(t, New(backend).Fit(job))
	assert.False(t, called)

	job = newJob()
	job.BatchSize = 0
	require.Error(t, New(backend).Fit(job))

	internal, err := sym.Internal("fc8")
	require.NoError(t, err)
	job = newJob()
	job.Symbol = internal
	require.ErrorContains(t, New(backend).Fit(job), "SoftmaxOutput")

	job = newJob()
	job.AllowMissing = true
	job.Initializer = DefaultXavier()
	job.EpochEnd = []EpochEndFn{func(int, *modelstore.Checkpoint) error { return io.ErrShortWrite }}
	err = New(backend).Fit(job)
	require.ErrorIs(t, err, io.ErrShortWrite)
}

func TestFitSeedIsDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sym := symboltest.DenseVGG(3)
	args, aux, err := symboltest.RandomParams(sym, map[string][]int{"data": symboltest.DataShape}, 1)
	require.NoError(t, err)
	delete(args, "fc8_weight")
	delete(args, "fc8_bias")
	fit := func(seed int64) *modelstore.Checkpoint {
		var last *modelstore.Checkpoint
		job := &FitJob{
			Symbol:       sym,
			Args:         args,
			Aux:          aux,
			AllowMissing: true,
			Initializer:  DefaultXavier(),
			Optimizer:    SGD{LearningRate: 0.01, Momentum: 0.9, RescaleGrad: 0.5},
			Train:        enginetest.NewRandom("train", 4, 3, []int{3, 8, 8}, 2, 1),
			DataShape:    []int{3, 8, 8},
			BatchSize:    2,
			EndEpoch:     1,
			EpochEnd: []EpochEndFn{func(_ int, ckpt *modelstore.Checkpoint) error {
				last = ckpt
				return nil
			}},
			Seed: seed,
		}
		require.NoError(t, New(backend).Fit(job))
		require.NotNil(t, last)
		return last
	}
	first, second := fit(11), fit(11)
	for _, name := range []string{"fc6_weight", "fc8_weight", "fc8_bias"} {
		assert.Truef(t, first.Args[name].Equal(second.Args[name]), "%s differs between runs with the same seed", name)
	}
}
