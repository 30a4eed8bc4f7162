// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import "errors"

type ErrorCategory string

const (
	ErrQueue            ErrorCategory = "queue_error"
	ErrTimeout          ErrorCategory = "timeout_error"
	ErrClusterJobFailed ErrorCategory = "cluster_job_failed"
	ErrResultsNotFound  ErrorCategory = "results_not_found"
	ErrCallback         ErrorCategory = "callback_error"
	ErrUnknown          ErrorCategory = "unknown_error"
)

// TaskError carries the category and structured details recorded on a
// failed task.
type TaskError struct {
	Category ErrorCategory
	Message  string
	Details  map[string]any
	Err      error
}

func (e *TaskError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Category)
}

func (e *TaskError) Unwrap() error { return e.Err }

func NewTaskError(category ErrorCategory, message string, details map[string]any) *TaskError {
	return &TaskError{Category: category, Message: message, Details: details}
}

// CategoryOf extracts the failure category from err, defaulting to unknown_error.
func CategoryOf(err error) ErrorCategory {
	var te *TaskError
	if errors.As(err, &te) && te.Category != "" {
		return te.Category
	}
	return ErrUnknown
}

// DetailsOf extracts structured details from err when it is a TaskError.
func DetailsOf(err error) map[string]any {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Details
	}
	return nil
}
