// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// lossGraph is the mean sparse categorical cross-entropy of the logits. Labels are integers shaped [batch, 1].
func lossGraph(labels, logits []*Node) *Node {
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits(labels[:1], logits[:1]))
}

// TopKAccuracyGraph returns the fraction of examples whose label is among the k largest logits.
// Ties with the label's logit count in its favor.
func TopKAccuracyGraph(k int) metrics.BaseMetricGraph {
	return func(_ *context.Context, labels, logits []*Node) *Node {
		logits0 := logits[0]
		labels0 := labels[0]
		if !labels0.DType().IsInt() {
			exceptions.Panicf("labels dtype (%s) must be integer", labels0.DType())
		}
		if logits0.Rank() != 2 || labels0.Rank() != 2 || labels0.Shape().Dimensions[1] != 1 {
			exceptions.Panicf("top-%d accuracy requires logits [batch, classes] and labels [batch, 1], got %s and %s",
				k, logits0.Shape(), labels0.Shape())
		}
		dtype := logits0.DType()
		batchSize, numClasses := logits0.Shape().Dimensions[0], logits0.Shape().Dimensions[1]
		oneHot := OneHot(Reshape(labels0, batchSize), numClasses, dtype)
		labelLogit := ReduceAndKeep(Mul(oneHot, logits0), ReduceSum, -1)
		labelLogit = BroadcastToDims(labelLogit, batchSize, numClasses)
		// Rank of the label: number of classes with a strictly larger logit.
		rank := ReduceSum(ConvertDType(GreaterThan(logits0, labelLogit), dtype), -1)
		hits := ConvertDType(LessThan(rank, Scalar(logits0.Graph(), dtype, float64(k))), dtype)
		return ReduceAllMean(hits)
	}
}

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", shapes.ConvertTo[float64](value.Value())*100.0)
}

func lossPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.4f", shapes.ConvertTo[float64](value.Value()))
}

// NewTopKAccuracy returns a mean metric of the top-k accuracy.
func NewTopKAccuracy(name, shortName string, k int) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, TopKAccuracyGraph(k), accuracyPPrint)
}

// NewCrossEntropy returns a mean metric of the cross-entropy of the logits.
func NewCrossEntropy(name, shortName string) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, metrics.LossMetricType,
		func(_ *context.Context, labels, logits []*Node) *Node { return lossGraph(labels, logits) },
		lossPPrint)
}

// classificationMetrics returns the metrics computed on training and validation: accuracy, top-5 accuracy
// and cross-entropy, named as MXNet does.
func classificationMetrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewSparseCategoricalAccuracy("accuracy", "acc"),
		NewTopKAccuracy("top_k_accuracy_5", "top5", 5),
		NewCrossEntropy("cross-entropy", "ce"),
	}
}

// MetricValue is the value of a named metric.
type MetricValue struct {
	Name, ShortName string
	Value           float64
}

// String implements fmt.Stringer, in MXNet's "name=value" format.
func (m MetricValue) String() string {
	return fmt.Sprintf("%s=%f", m.Name, m.Value)
}

// metricValues pairs the metrics definitions with their values.
func metricValues(defs []metrics.Interface, values []*tensors.Tensor) []MetricValue {
	result := make([]MetricValue, 0, len(values))
	for ii, value := range values {
		if ii >= len(defs) {
			break
		}
		result = append(result, MetricValue{
			Name:      defs[ii].Name(),
			ShortName: defs[ii].ShortName(),
			Value:     shapes.ConvertTo[float64](value.Value()),
		})
	}
	return result
}
