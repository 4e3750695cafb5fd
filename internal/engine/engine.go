// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine trains an image classifier described by a symbol (see package symbol) with GoMLX.
//
// The symbol is interpreted as a GoMLX model: its parameters and auxiliary states become context
// variables, initialized from the given checkpoint values (or by an initializer, for the missing ones).
// Training uses SGD with momentum on the cross-entropy of the logits feeding the SoftmaxOutput head,
// and reports accuracy, top-5 accuracy and cross-entropy metrics.
//
// Epochs are numbered as in the checkpoints: training from epoch 3 to 5 runs epochs 3 and 4, and the
// epoch-end callbacks of epoch 4 receive the checkpoint that is saved as epoch 5.
package engine

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/finetune/pkg/modelstore"
	"github.com/gomlx/finetune/pkg/ndarray"
	"github.com/gomlx/finetune/pkg/symbol"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultDataName is the name of the input variable of the network.
const DefaultDataName = "data"

// BatchEndParams are passed to the batch-end callbacks.
type BatchEndParams struct {
	// Epoch being trained.
	Epoch int

	// Batch is the number of batches trained so far in the epoch, starting at 1.
	Batch int

	// BatchSize is the number of examples per batch.
	BatchSize int

	// Metrics are the training metrics accumulated since the start of the epoch.
	Metrics []MetricValue
}

// BatchEndFn is called after every training batch.
type BatchEndFn func(params BatchEndParams)

// EpochEndFn is called at the end of every training epoch, with the current network parameters.
// Returning an error stops training.
type EpochEndFn func(epoch int, ckpt *modelstore.Checkpoint) error

// EvalEndFn is called after the validation at the end of each epoch.
type EvalEndFn func(epoch int, validation []MetricValue) error

// FitJob describes a training run.
type FitJob struct {
	Symbol *symbol.Symbol

	// Args and Aux are the initial values of the parameters and auxiliary states.
	Args, Aux map[string]*ndarray.Array

	// AllowMissing parameters, which are then initialized with Initializer.
	AllowMissing bool
	Initializer  Xavier

	Optimizer SGD

	// Train dataset yields inputs [batch, channels, height, width] and labels [batch, 1].
	// Val is optional.
	Train, Val train.Dataset

	// DataName is the name of the input variable. Defaults to DefaultDataName.
	DataName string

	// DataShape is the shape of one example (channels, height, width).
	DataShape []int

	// BatchSize of the training batches.
	BatchSize int

	// BeginEpoch and EndEpoch delimit the epochs trained: [BeginEpoch, EndEpoch).
	BeginEpoch, EndEpoch int

	BatchEnd []BatchEndFn
	EpochEnd []EpochEndFn
	EvalEnd  []EvalEndFn

	// Seed for the random initialization and dropout.
	Seed int64
}

func (job *FitJob) dataName() string {
	if job.DataName == "" {
		return DefaultDataName
	}
	return job.DataName
}

func (job *FitJob) validate() error {
	switch {
	case job.Symbol == nil:
		return errors.New("fit job has no symbol")
	case job.Train == nil:
		return errors.New("fit job has no training dataset")
	case job.BatchSize <= 0:
		return errors.Errorf("fit job has invalid batch size %d", job.BatchSize)
	case len(job.DataShape) == 0:
		return errors.New("fit job has no data shape")
	case job.BeginEpoch < 0:
		return errors.Errorf("fit job has invalid begin epoch %d", job.BeginEpoch)
	}
	if out := job.Symbol.Output(); out.Op != "SoftmaxOutput" {
		return errors.Errorf("network output %q is a %s, training requires a SoftmaxOutput", out.Name, out.Op)
	}
	return nil
}

// Engine trains networks on a GoMLX backend.
type Engine struct {
	backend backends.Backend
}

// New creates an Engine using the given backend.
func New(backend backends.Backend) *Engine {
	return &Engine{backend: backend}
}

// Backend used by the engine.
func (e *Engine) Backend() backends.Backend { return e.backend }

// Fit trains the job's network for the epochs [BeginEpoch, EndEpoch), calling the callbacks. If
// BeginEpoch >= EndEpoch nothing is trained.
func (e *Engine) Fit(job *FitJob) error {
	if err := job.validate(); err != nil {
		return err
	}
	if job.BeginEpoch >= job.EndEpoch {
		klog.Infof("Nothing to train: begin epoch %d >= end epoch %d", job.BeginEpoch, job.EndEpoch)
		return nil
	}
	var err error
	if exception := exceptions.TryCatch[error](func() { err = e.fit(job) }); exception != nil {
		return errors.WithMessage(exception, "building or running the training graph")
	}
	return err
}

func (e *Engine) fit(job *FitJob) error {
	inputShape := append([]int{job.BatchSize}, job.DataShape...)
	inferred, err := job.Symbol.InferShapes(map[string][]int{job.dataName(): inputShape})
	if err != nil {
		return errors.WithMessagef(err, "inferring shapes for input %v", inputShape)
	}
	ctx := context.New()
	if err = ctx.SetRNGStateFromSeed(job.Seed); err != nil {
		return errors.WithMessage(err, "seeding the random number generator")
	}
	net, err := newNetwork(ctx, job, inferred)
	if err != nil {
		return err
	}

	optimizer := &momentumSGD{SGD: job.Optimizer, lossScale: float64(job.BatchSize)}
	trainer := train.NewTrainer(e.backend, ctx, net.modelGraph, lossGraph, optimizer,
		classificationMetrics(), classificationMetrics())
	loop := train.NewLoop(trainer)

	epoch, batch := job.BeginEpoch, 0
	loop.OnStep("batch_end", train.Priority(0), func(_ *train.Loop, stepMetrics []*tensors.Tensor) error {
		batch++
		if len(job.BatchEnd) == 0 {
			return nil
		}
		params := BatchEndParams{
			Epoch:     epoch,
			Batch:     batch,
			BatchSize: job.BatchSize,
			Metrics:   metricValues(trainer.TrainMetrics(), stepMetrics),
		}
		for _, fn := range job.BatchEnd {
			fn(params)
		}
		return nil
	})

	for ; epoch < job.EndEpoch; epoch++ {
		batch = 0
		start := time.Now()
		trainMetrics, err := loop.RunEpochs(job.Train, 1)
		if err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}
		for _, m := range metricValues(trainer.TrainMetrics(), trainMetrics) {
			klog.Infof("Epoch[%d] Train-%s", epoch, m)
		}
		klog.Infof("Epoch[%d] Time cost=%.3f", epoch, time.Since(start).Seconds())

		ckpt, err := net.checkpoint()
		if err != nil {
			return errors.WithMessagef(err, "reading parameters at the end of epoch %d", epoch)
		}
		for _, fn := range job.EpochEnd {
			if err := fn(epoch, ckpt); err != nil {
				return errors.WithMessagef(err, "end of epoch %d", epoch)
			}
		}

		if job.Val == nil {
			continue
		}
		job.Val.Reset()
		evalMetrics, err := trainer.Eval(job.Val)
		if err != nil {
			return errors.WithMessagef(err, "validation of epoch %d", epoch)
		}
		validation := metricValues(trainer.EvalMetrics(), evalMetrics)
		for _, m := range validation {
			klog.Infof("Epoch[%d] Validation-%s", epoch, m)
		}
		for _, fn := range job.EvalEnd {
			if err := fn(epoch, validation); err != nil {
				return errors.WithMessagef(err, "end of validation of epoch %d", epoch)
			}
		}
	}
	return nil
}
