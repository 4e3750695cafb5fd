// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"fmt"

	"github.com/gomlx/finetune/pkg/modelstore"
)

// NotFoundError is returned when the source model or the checkpoint to resume from doesn't exist.
type NotFoundError struct {
	Ref   modelstore.Ref
	Epoch int
	Err   error
}

// Error implements error.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("model %q epoch %d not found: %v", e.Ref, e.Epoch, e.Err)
}

// Unwrap returns the underlying error.
func (e *NotFoundError) Unwrap() error { return e.Err }

// ConfigurationError is returned when the inputs of a run are inconsistent: the layer the new
// classifier is attached to is missing, the checkpoint files are malformed, the record files
// can't be read, etc.
type ConfigurationError struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error, if any.
func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(err error, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// TrainingEngineError wraps a fatal failure of the training engine. Checkpoints written before the
// failure are preserved.
type TrainingEngineError struct {
	Err error
}

// Error implements error.
func (e *TrainingEngineError) Error() string {
	return fmt.Sprintf("training failed: %v", e.Err)
}

// Unwrap returns the engine error.
func (e *TrainingEngineError) Unwrap() error { return e.Err }
