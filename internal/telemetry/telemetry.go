// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package telemetry reports the progress of a fine-tuning run: throughput logs (Speedometer), Prometheus
// metrics, the Kubeflow Trainer progression file and a plot of the validation metrics.
//
// A Reporter bundles them and provides the engine callbacks.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/finetune/internal/engine"
	"github.com/gomlx/finetune/pkg/modelstore"
	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of a Reporter.
type Options struct {
	// RunID identifies the run in the metrics and progression file. If empty a random one is generated.
	RunID string

	BatchSize int

	// SpeedometerFrequency is the number of batches between throughput reports.
	SpeedometerFrequency int

	BeginEpoch, TotalEpochs int

	// StepsPerEpoch is the number of training batches per epoch, 0 if unknown.
	StepsPerEpoch int

	// MetricsAddr to serve Prometheus metrics on. Empty disables the server, the metrics are still collected.
	MetricsAddr string

	// ProgressionFile to write after every epoch. Empty disables it.
	ProgressionFile string

	// PlotFile to save the validation metrics plot to. Empty disables it.
	PlotFile string
}

// Reporter of the training progress.
type Reporter struct {
	opts        Options
	startTime   time.Time
	Speedometer *Speedometer
	Metrics     *Metrics
	History     *History

	server *http.Server

	mu           sync.Mutex
	step         int64
	epoch        int
	trainMetrics []engine.MetricValue
	lastVal      []engine.MetricValue
}

// NewReporter creates a Reporter and starts the metrics server, if configured.
func NewReporter(opts Options) (*Reporter, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	r := &Reporter{
		opts:        opts,
		startTime:   time.Now(),
		Speedometer: NewSpeedometer(opts.BatchSize, opts.SpeedometerFrequency),
		Metrics:     NewMetrics(opts.RunID),
		History:     NewHistory(),
		epoch:       opts.BeginEpoch,
	}
	r.Speedometer.OnSpeed = func(_ int, samplesPerSec float64) {
		r.Metrics.speed.Set(samplesPerSec)
	}
	r.Metrics.epoch.Set(float64(opts.BeginEpoch))
	if opts.MetricsAddr != "" {
		var err error
		r.server, err = r.Metrics.Serve(opts.MetricsAddr)
		if err != nil {
			return nil, err
		}
	}
	klog.Infof("Run %s: %s", opts.RunID, HostReport())
	return r, nil
}

// RunID of the reported run.
func (r *Reporter) RunID() string { return r.opts.RunID }

// BatchEnd is an engine.BatchEndFn.
func (r *Reporter) BatchEnd(params engine.BatchEndParams) {
	r.mu.Lock()
	r.step++
	r.epoch = params.Epoch
	r.trainMetrics = params.Metrics
	r.mu.Unlock()
	r.Metrics.epoch.Set(float64(params.Epoch))
	r.Metrics.batches.Inc()
	r.Speedometer.BatchEnd(params)
}

// EpochEnd is an engine.EpochEndFn: it publishes the training metrics of the epoch and writes the
// progression file.
func (r *Reporter) EpochEnd(epoch int, _ *modelstore.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.trainMetrics {
		r.Metrics.train.WithLabelValues(m.Name).Set(m.Value)
	}
	return r.writeProgressionLocked(epoch+1, fmt.Sprintf("epoch %d trained", epoch))
}

// CheckpointSaved records that the checkpoint of epoch was saved to path.
func (r *Reporter) CheckpointSaved(epoch int, path string) {
	r.Metrics.checkpoints.Inc()
	klog.V(1).Infof("Checkpoint of epoch %d saved to %q", epoch, path)
}

// EvalEnd is an engine.EvalEndFn: it publishes the validation metrics and updates the plot.
func (r *Reporter) EvalEnd(epoch int, validation []engine.MetricValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastVal = validation
	for _, m := range validation {
		r.Metrics.validation.WithLabelValues(m.Name).Set(m.Value)
		r.History.Add(m.Name, epoch, m.Value)
	}
	if err := r.writeProgressionLocked(epoch+1, fmt.Sprintf("epoch %d validated", epoch)); err != nil {
		return err
	}
	if r.opts.PlotFile != "" {
		if err := r.History.SavePNG(r.opts.PlotFile, "Validation "+r.opts.RunID); err != nil {
			// Plotting failures don't stop training.
			klog.Warningf("Failed to plot validation metrics: %+v", err)
		}
	}
	return nil
}

// Close writes the final progression and stops the metrics server.
func (r *Reporter) Close() error {
	r.mu.Lock()
	err := r.writeProgressionLocked(r.epoch+1, "training finished")
	r.mu.Unlock()
	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := r.server.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = errors.Wrap(shutdownErr, "failed to stop metrics server")
		}
		r.server = nil
	}
	return err
}

// writeProgressionLocked writes the progression file with completedEpochs epochs done. r.mu must be held.
func (r *Reporter) writeProgressionLocked(completedEpochs int, message string) error {
	if r.opts.ProgressionFile == "" {
		return nil
	}
	p := &Progression{
		CurrentEpoch: ptr(int64(completedEpochs)),
		TotalEpochs:  ptr(int64(r.opts.TotalEpochs)),
		Message:      message,
		Timestamp:    unixTime(time.Now()),
		StartTime:    ptr(unixTime(r.startTime)),
		CurrentStep:  ptr(r.step),
	}
	if r.opts.StepsPerEpoch > 0 {
		p.TotalSteps = ptr(int64(r.opts.StepsPerEpoch * (r.opts.TotalEpochs - r.opts.BeginEpoch)))
	}
	if len(r.trainMetrics) > 0 {
		p.TrainingMetrics = make(map[string]any, len(r.trainMetrics))
		for _, m := range r.trainMetrics {
			p.TrainingMetrics[m.Name] = m.Value
		}
	}
	if len(r.lastVal) > 0 {
		p.Metrics = make(map[string]any, len(r.lastVal))
		for _, m := range r.lastVal {
			p.Metrics[m.Name] = m.Value
		}
	}
	return WriteProgression(r.opts.ProgressionFile, p)
}

// HostReport describes the host CPU, for the logs.
func HostReport() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH))
	if cpuid.CPU.BrandName != "" {
		parts = append(parts, cpuid.CPU.BrandName)
	}
	parts = append(parts, fmt.Sprintf("%d physical cores, %d logical", cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores))
	if cpuid.CPU.Cache.L3 > 0 {
		parts = append(parts, "L3 "+humanize.IBytes(uint64(cpuid.CPU.Cache.L3)))
	}
	if cpuid.CPU.Supports(cpuid.AVX512F) {
		parts = append(parts, "AVX512")
	} else if cpuid.CPU.Supports(cpuid.AVX2) {
		parts = append(parts, "AVX2")
	}
	return strings.Join(parts, ", ")
}
