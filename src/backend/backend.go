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

// Package backend defines the two ways a sandbox analysis can execute: a
// Local run that blocks until the report is ready, and a Cluster job that
// is submitted and completed asynchronously. The scheduler only sees an
// Executor, chosen once at start-up.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"analysisqueue/src/model"
)

var ErrNoResult = errors.New("no analysis result available")

// Job is one sandbox analysis request.
type Job struct {
	TaskID   int64
	Identity model.Identity
	// OnContainer, when set, receives the id of the container a Local run
	// starts so the task can record it for the timeout monitor.
	OnContainer func(containerID string)
}

type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// JobState is what a Cluster reports about a submitted job.
type JobState struct {
	Phase       Phase
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	// Gone is set when the orchestrator no longer knows the job.
	Gone bool
}

// Local runs the sandbox synchronously and returns the report payload.
type Local interface {
	Run(ctx context.Context, job Job) (json.RawMessage, error)
}

// Cluster submits jobs to an external orchestrator.
type Cluster interface {
	Submit(ctx context.Context, job Job) (handle string, err error)
	Status(ctx context.Context, handle string) (JobState, error)
	// Result returns ErrNoResult when the job left nothing to read.
	Result(ctx context.Context, handle string, job Job) (json.RawMessage, error)
}

// JobCanceller is implemented by Cluster backends that can delete a job.
type JobCanceller interface {
	Cancel(ctx context.Context, handle string) error
}

// ContainerStopper is implemented by Local backends that can stop a
// direct-execution container on timeout.
type ContainerStopper interface {
	StopContainer(ctx context.Context, containerID string) error
}

// Outcome of Execute: either a finished report (Local) or a job handle
// (Cluster).
type Outcome struct {
	Report json.RawMessage
	Handle string
}

func (o Outcome) Submitted() bool { return o.Handle != "" }

type Executor interface {
	Name() string
	Execute(ctx context.Context, job Job) (Outcome, error)
}

type localExecutor struct{ backend Local }

func NewLocalExecutor(l Local) Executor { return localExecutor{backend: l} }

func (localExecutor) Name() string { return "local" }

func (e localExecutor) Execute(ctx context.Context, job Job) (Outcome, error) {
	report, err := e.backend.Run(ctx, job)
	if err != nil {
		return Outcome{}, err
	}
	if len(report) == 0 {
		return Outcome{}, &model.TaskError{
			Category: model.ErrResultsNotFound,
			Message:  fmt.Sprintf("sandbox produced no report for %s", job.Identity),
			Err:      ErrNoResult,
		}
	}
	return Outcome{Report: report}, nil
}

type clusterExecutor struct{ backend Cluster }

func NewClusterExecutor(c Cluster) Executor { return clusterExecutor{backend: c} }

func (clusterExecutor) Name() string { return "cluster" }

func (e clusterExecutor) Execute(ctx context.Context, job Job) (Outcome, error) {
	handle, err := e.backend.Submit(ctx, job)
	if err != nil {
		return Outcome{}, err
	}
	if handle == "" {
		return Outcome{}, errors.New("cluster accepted job without a handle")
	}
	return Outcome{Handle: handle}, nil
}
