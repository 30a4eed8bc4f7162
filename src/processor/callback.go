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

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"analysisqueue/src/backend"
	"analysisqueue/src/logging"
	"analysisqueue/src/model"
)

var ErrNoCluster = errors.New("no cluster backend configured")

// CompleteFromCluster folds a succeeded cluster job into its task. A job
// that left no result fails the task with results_not_found and returns an
// error wrapping backend.ErrNoResult. Any other fetch error leaves the task
// untouched.
func (s *Scheduler) CompleteFromCluster(ctx context.Context, t *model.Task, state *backend.JobState) (*model.Task, error) {
	if s.cluster == nil {
		return t, ErrNoCluster
	}
	job := backend.Job{TaskID: t.ID, Identity: t.Identity()}
	payload, err := s.cluster.Result(ctx, t.JobHandle, job)
	if errors.Is(err, backend.ErrNoResult) || (err == nil && len(payload) == 0) {
		cause := &model.TaskError{
			Category: model.ErrResultsNotFound,
			Message:  fmt.Sprintf("no analysis result for %s from job %s", t.Identity(), t.JobHandle),
			Details:  map[string]any{"job_handle": t.JobHandle},
			Err:      backend.ErrNoResult,
		}
		failed, ferr := s.Fail(ctx, t.ID, cause)
		if ferr != nil && failed == nil {
			return t, errors.Join(cause, ferr)
		}
		return failed, cause
	}
	if err != nil {
		return t, fmt.Errorf("fetch result of job %s: %w", t.JobHandle, err)
	}
	return s.Complete(ctx, t.ID, payload, state)
}

// OnJobCompleted handles a completion report from a cluster job. It is
// idempotent: a task that no longer holds the slot, or holds it without a
// cluster job, is returned unchanged.
func (s *Scheduler) OnJobCompleted(ctx context.Context, taskID int64, reportedStatus string) (*model.Task, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.HoldsSlot() {
		logging.Task(ctx, slog.LevelInfo, fmt.Sprintf("Ignoring completion callback for %s task", t.Status), taskID)
		return t, nil
	}
	// Local runs finish through the dispatch loop, not the callback.
	if s.cluster == nil || t.JobHandle == "" {
		logging.Task(ctx, slog.LevelInfo, "Ignoring completion callback for a task without a cluster job", taskID)
		return t, nil
	}
	logging.Task(ctx, slog.LevelInfo, "Completion callback received", taskID, slog.String("reported_status", reportedStatus))

	done, err := s.CompleteFromCluster(ctx, t, nil)
	if err == nil || errors.Is(err, backend.ErrNoResult) {
		return done, err
	}

	failed, ferr := s.Fail(ctx, taskID, &model.TaskError{
		Category: model.ErrCallback,
		Message:  fmt.Sprintf("completion callback: %v", err),
		Details:  map[string]any{"reported_status": reportedStatus},
		Err:      err,
	})
	if ferr != nil && failed == nil {
		return t, errors.Join(err, ferr)
	}
	return failed, err
}
