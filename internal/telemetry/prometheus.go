// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Metrics exported to Prometheus. Each Metrics has its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	epoch       prometheus.Gauge
	speed       prometheus.Gauge
	batches     prometheus.Counter
	checkpoints prometheus.Counter
	train       *prometheus.GaugeVec
	validation  *prometheus.GaugeVec
}

// NewMetrics creates and registers the fine-tuning metrics. runID is added as a constant label.
func NewMetrics(runID string) *Metrics {
	labels := prometheus.Labels{"run_id": runID}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "finetune_epoch",
			Help:        "Epoch being trained",
			ConstLabels: labels,
		}),
		speed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "finetune_samples_per_second",
			Help:        "Last measured training throughput",
			ConstLabels: labels,
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "finetune_batches_total",
			Help:        "Total number of training batches",
			ConstLabels: labels,
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "finetune_checkpoints_total",
			Help:        "Total number of checkpoints saved",
			ConstLabels: labels,
		}),
		train: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "finetune_train_metric",
			Help:        "Training metrics accumulated over the last epoch",
			ConstLabels: labels,
		}, []string{"metric"}),
		validation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "finetune_validation_metric",
			Help:        "Validation metrics of the last epoch",
			ConstLabels: labels,
		}, []string{"metric"}),
	}
	m.Registry.MustRegister(m.epoch, m.speed, m.batches, m.checkpoints, m.train, m.validation)
	return m
}

// Serve exposes the metrics on addr under /metrics, until the returned server is shut down.
func (m *Metrics) Serve(addr string) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %q for metrics", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("Metrics server on %q stopped: %+v", addr, err)
		}
	}()
	klog.Infof("Serving Prometheus metrics on http://%s/metrics", listener.Addr())
	return server, nil
}
