// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/internal/engine"
	"github.com/gomlx/finetune/internal/imageiter"
	"github.com/gomlx/finetune/internal/telemetry"
	"github.com/gomlx/finetune/pkg/modelstore"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer runs a training job. *engine.Engine implements it.
type Trainer interface {
	Fit(job *engine.FitJob) error
}

// Datasets used by a run.
type Datasets struct {
	Train train.Dataset

	// Val is optional.
	Val train.Dataset

	// StepsPerEpoch is the number of training batches per epoch, 0 if unknown.
	StepsPerEpoch int

	closers []func() error
}

// Close releases the datasets resources.
func (d *Datasets) Close() error {
	var firstErr error
	for ii := len(d.closers) - 1; ii >= 0; ii-- {
		if err := d.closers[ii](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.closers = nil
	return firstErr
}

// DatasetFactory opens the datasets configured.
type DatasetFactory func(cfg *config.Config) (*Datasets, error)

// OpenDatasets opens the configured record files: the training one with augmentation and shuffling,
// and the validation one as is. Images are decoded in cfg.NumPreprocessThreads() goroutines.
func OpenDatasets(cfg *config.Config) (*Datasets, error) {
	ds := &Datasets{}
	opts := imageiter.Options{
		BatchSize: cfg.GlobalBatchSize(),
		DataShape: cfg.Dataset.DataShape,
		Mean:      [3]float32{float32(cfg.Dataset.MeanR), float32(cfg.Dataset.MeanG), float32(cfg.Dataset.MeanB)},
		Seed:      cfg.Training.Seed,
	}
	threads := cfg.NumPreprocessThreads()

	trainOpts := opts
	trainOpts.Name = "train"
	trainOpts.Train = true
	trainOpts.Shuffle = cfg.Dataset.Shuffle
	trainOpts.RandCrop = cfg.Augment.RandCrop
	trainOpts.RandMirror = cfg.Augment.RandMirror
	trainOpts.Rotate = cfg.Augment.Rotate
	trainOpts.MaxShearRatio = cfg.Augment.MaxShearRatio
	trainDS, err := imageiter.New(cfg.Dataset.TrainRec, trainOpts)
	if err != nil {
		return nil, err
	}
	ds.closers = append(ds.closers, trainDS.Close)
	ds.StepsPerEpoch = trainDS.NumBatches()
	parallelTrain := imageiter.Parallel(trainDS, threads, 2*threads)
	ds.closers = append(ds.closers, func() error { parallelTrain.Close(); return nil })
	ds.Train = parallelTrain

	if cfg.Dataset.ValRec != "" {
		valOpts := opts
		valOpts.Name = "val"
		valDS, err := imageiter.New(cfg.Dataset.ValRec, valOpts)
		if err != nil {
			_ = ds.Close()
			return nil, err
		}
		ds.closers = append(ds.closers, valDS.Close)
		parallelVal := imageiter.Parallel(valDS, threads, 2*threads)
		ds.closers = append(ds.closers, func() error { parallelVal.Close(); return nil })
		ds.Val = parallelVal
	}
	return ds, nil
}

// RunOptions configure Run.
type RunOptions struct {
	Config *config.Config

	// Store where checkpoints are saved, under Checkpoints.
	Store       Store
	Checkpoints modelstore.Ref

	// Datasets factory. Defaults to OpenDatasets.
	Datasets DatasetFactory

	// RunID identifies the run in the telemetry. If empty a random one is used.
	RunID string
}

// DoCheckpoint returns an epoch-end callback that saves the parameters trained during epoch as the
// checkpoint epoch+1 of ref. onSaved functions are called after every save.
func DoCheckpoint(store Store, ref modelstore.Ref, onSaved ...func(epoch int, path string)) engine.EpochEndFn {
	return func(epoch int, ckpt *modelstore.Checkpoint) error {
		saved := epoch + 1
		if err := store.Save(ref, saved, ckpt); err != nil {
			return errors.WithMessagef(err, "saving checkpoint of epoch %d", saved)
		}
		path := ref.ParamsPath(saved)
		klog.Infof("Saved checkpoint to %q", path)
		for _, fn := range onSaved {
			fn(saved, path)
		}
		return nil
	}
}

// Run trains the resolved starting point, from start.BeginEpoch up to the configured total number of
// epochs, saving a checkpoint after every epoch. If there is nothing left to train it returns
// immediately, without writing anything.
//
// Invalid configurations or datasets return a *ConfigurationError. Failures during training return a
// *TrainingEngineError: the checkpoints already saved are kept.
func Run(trainer Trainer, start *Start, opts RunOptions) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return configErrorf(err, "invalid configuration")
	}
	if opts.Store == nil {
		return configErrorf(nil, "no checkpoint store given")
	}
	total := cfg.Training.TotalEpochs
	if start.BeginEpoch >= total {
		klog.Infof("Nothing to train: %s, and training stops at epoch %d", start.Point, total)
		return nil
	}

	factory := opts.Datasets
	if factory == nil {
		factory = OpenDatasets
	}
	datasets, err := factory(cfg)
	if err != nil {
		return configErrorf(err, "opening datasets")
	}
	defer func() {
		if err := datasets.Close(); err != nil {
			klog.Warningf("Failed to close datasets: %+v", err)
		}
	}()

	reporter, err := telemetry.NewReporter(telemetry.Options{
		RunID:                opts.RunID,
		BatchSize:            cfg.GlobalBatchSize(),
		SpeedometerFrequency: cfg.Training.SpeedometerFrequency,
		BeginEpoch:           start.BeginEpoch,
		TotalEpochs:          total,
		StepsPerEpoch:        datasets.StepsPerEpoch,
		MetricsAddr:          cfg.Telemetry.MetricsAddr,
		ProgressionFile:      telemetry.ProgressionPath(cfg.Telemetry.ProgressionFile),
		PlotFile:             cfg.Telemetry.PlotFile,
	})
	if err != nil {
		return configErrorf(err, "starting telemetry")
	}
	defer func() {
		if err := reporter.Close(); err != nil {
			klog.Warningf("Failed to close telemetry: %+v", err)
		}
	}()

	job := &engine.FitJob{
		Symbol:       start.Symbol,
		Args:         start.Args,
		Aux:          start.Aux,
		AllowMissing: start.AllowMissing,
		Initializer: engine.Xavier{
			RndType:    cfg.Initializer.RndType,
			FactorType: cfg.Initializer.FactorType,
			Magnitude:  cfg.Initializer.Magnitude,
		},
		Optimizer: engine.SGD{
			LearningRate: cfg.Optimizer.LearningRate,
			Momentum:     cfg.Optimizer.Momentum,
			WeightDecay:  cfg.Optimizer.WeightDecay,
			RescaleGrad:  cfg.RescaleGrad(),
			ClipGradient: cfg.Optimizer.ClipGradient,
		},
		Train:      datasets.Train,
		Val:        datasets.Val,
		DataShape:  cfg.Dataset.DataShape,
		BatchSize:  cfg.GlobalBatchSize(),
		BeginEpoch: start.BeginEpoch,
		EndEpoch:   total,
		BatchEnd:   []engine.BatchEndFn{reporter.BatchEnd},
		EpochEnd: []engine.EpochEndFn{
			DoCheckpoint(opts.Store, opts.Checkpoints, reporter.CheckpointSaved),
			reporter.EpochEnd,
		},
		EvalEnd: []engine.EvalEndFn{reporter.EvalEnd},
		Seed:    int64(cfg.Training.Seed),
	}
	klog.Infof("Training %s: epochs %d to %d, batch size %d, run %s",
		start.Point, start.BeginEpoch, total-1, job.BatchSize, reporter.RunID())
	if err := trainer.Fit(job); err != nil {
		return &TrainingEngineError{Err: err}
	}
	return nil
}
