// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// ProgressionFilePathEnv is the environment variable with the path of the progression file, as set by
// Kubeflow Trainer.
const ProgressionFilePathEnv = "TRAINJOB_PROGRESSION_FILE_PATH"

// Progression is the training status file read by Kubeflow Trainer.
type Progression struct {
	CurrentStep     *int64         `json:"current_step,omitempty"`
	TotalSteps      *int64         `json:"total_steps,omitempty"`
	CurrentEpoch    *int64         `json:"current_epoch,omitempty"`
	TotalEpochs     *int64         `json:"total_epochs,omitempty"`
	Message         string         `json:"message,omitempty"`
	TrainingMetrics map[string]any `json:"training_metrics,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	Timestamp       int64          `json:"timestamp"`
	StartTime       *int64         `json:"start_time,omitempty"`
}

// ProgressionPath returns path if not empty, otherwise the value of $TRAINJOB_PROGRESSION_FILE_PATH.
// It returns "" if neither is set.
func ProgressionPath(path string) string {
	if path != "" {
		return path
	}
	return os.Getenv(ProgressionFilePathEnv)
}

// WriteProgression atomically replaces the file at path with p.
func WriteProgression(path string, p *Progression) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal progression")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to write progression to %q", path)
	}
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "failed to write progression to %q", path)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func unixTime(t time.Time) int64 { return t.Unix() }
