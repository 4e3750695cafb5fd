// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/gomlx/finetune/internal/engine"
	"k8s.io/klog/v2"
)

// Speedometer logs the training throughput every Frequent batches, along with the training metrics.
//
// Its BatchEnd method is an engine.BatchEndFn.
type Speedometer struct {
	BatchSize, Frequent int

	// OnSpeed, if set, is called with every measured throughput in samples per second.
	OnSpeed func(epoch int, samplesPerSec float64)

	// now is replaceable in tests.
	now func() time.Time

	init      bool
	tic       time.Time
	lastCount int
}

// NewSpeedometer returns a Speedometer for the given batch size, reporting every frequent batches.
func NewSpeedometer(batchSize, frequent int) *Speedometer {
	return &Speedometer{BatchSize: batchSize, Frequent: max(frequent, 1), now: time.Now}
}

// BatchEnd is called after every training batch.
func (s *Speedometer) BatchEnd(params engine.BatchEndParams) {
	// Counts batches from 0 within an epoch.
	count := params.Batch - 1
	if s.lastCount > count {
		s.init = false
	}
	s.lastCount = count

	if !s.init {
		s.init = true
		s.tic = s.now()
		return
	}
	if count%s.Frequent != 0 {
		return
	}
	now := s.now()
	elapsed := now.Sub(s.tic).Seconds()
	s.tic = now
	if elapsed <= 0 {
		return
	}
	speed := float64(s.Frequent*s.BatchSize) / elapsed
	klog.Info(FormatSpeed(params.Epoch, count, speed, params.Metrics))
	if s.OnSpeed != nil {
		s.OnSpeed(params.Epoch, speed)
	}
}

// FormatSpeed formats a throughput report line.
func FormatSpeed(epoch, batch int, samplesPerSec float64, metrics []engine.MetricValue) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Epoch[%d] Batch [%d]\tSpeed: %.2f samples/sec", epoch, batch, samplesPerSec)
	for _, m := range metrics {
		sb.WriteString("\t")
		sb.WriteString(m.String())
	}
	return sb.String()
}
