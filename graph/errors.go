// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

// GraphIntegrityError is returned for malformed graphs: nil nodes, entry indices out of range,
// wrong number of inputs or cycles.
type GraphIntegrityError struct {
	Msg string
}

func (e *GraphIntegrityError) Error() string { return "graph integrity: " + e.Msg }

func integrityErrorf(format string, args ...any) error {
	return errors.WithStack(&GraphIntegrityError{Msg: fmt.Sprintf(format, args...)})
}

// NoGradientInputsError is returned when a gradient is requested with respect to no inputs.
type NoGradientInputsError struct{}

func (e *NoGradientInputsError) Error() string {
	return "gradient requested with respect to an empty list of inputs"
}

// UnsupportedHigherOrderGradientError is returned when a gradient would have to flow through a
// backward operator, or when a backward is requested while recording.
type UnsupportedHigherOrderGradientError struct {
	Op, Node string
}

func (e *UnsupportedHigherOrderGradientError) Error() string {
	if e.Op == "" {
		return "higher order gradients are not supported"
	}
	return fmt.Sprintf("higher order gradients are not supported: node %q uses backward operator %q, which has no gradient",
		e.Node, e.Op)
}

// InferenceError is the common content of the inference errors.
type InferenceError struct {
	// Node is the name of the node where inference failed, if any.
	Node string
	Op   string
	Msg  string
}

func (e *InferenceError) describe(kind string) string {
	if e.Node == "" {
		return fmt.Sprintf("%s inference: %s", kind, e.Msg)
	}
	return fmt.Sprintf("%s inference failed at node %q (%s): %s", kind, e.Node, e.Op, e.Msg)
}

// ShapeInferenceError is returned when shapes conflict or remain unknown.
type ShapeInferenceError struct{ InferenceError }

func (e *ShapeInferenceError) Error() string { return e.describe("shape") }

// TypeInferenceError is returned when dtypes conflict or remain unknown.
type TypeInferenceError struct{ InferenceError }

func (e *TypeInferenceError) Error() string { return e.describe("dtype") }

// StorageInferenceError is returned when storage types conflict or remain unknown.
type StorageInferenceError struct{ InferenceError }

func (e *StorageInferenceError) Error() string { return e.describe("storage type") }
