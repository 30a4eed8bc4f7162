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

// Package reconcile folds the state of cluster jobs back into their tasks,
// covering completions whose callback never arrived.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"analysisqueue/src/backend"
	"analysisqueue/src/logging"
	"analysisqueue/src/model"
	"analysisqueue/src/store"
)

// Finalizer writes terminal states and wakes the dispatcher.
type Finalizer interface {
	CompleteFromCluster(ctx context.Context, t *model.Task, state *backend.JobState) (*model.Task, error)
	Fail(ctx context.Context, taskID int64, cause error) (*model.Task, error)
	Kick()
}

type Stats struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
	Errors    int `json:"errors"`
}

type Reconciler struct {
	Store    store.Store
	Cluster  backend.Cluster
	Final    Finalizer
	Interval time.Duration
	Now      func() time.Time
}

func New(st store.Store, cluster backend.Cluster, final Finalizer, interval time.Duration) *Reconciler {
	return &Reconciler{Store: st, Cluster: cluster, Final: final, Interval: interval, Now: time.Now}
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := r.Once(ctx)
			if err != nil {
				logging.Log(fmt.Sprintf("Reconciliation sweep failed: %v", err), slog.LevelError)
				continue
			}
			if stats.Checked > 0 {
				logging.Logger().InfoContext(ctx, "Reconciliation sweep finished",
					slog.Int("checked", stats.Checked), slog.Int("completed", stats.Completed),
					slog.Int("failed", stats.Failed), slog.Int("running", stats.Running), slog.Int("errors", stats.Errors))
			}
		}
	}
}

// Once checks every task holding a cluster job. Per-task errors are counted
// and never stop the sweep.
func (r *Reconciler) Once(ctx context.Context) (Stats, error) {
	ctx, span := logging.StartSpan(ctx, "reconcile.sweep")
	defer span.End()

	var stats Stats
	tasks, err := r.Store.List(ctx, store.Filter{Statuses: model.SlotStatuses})
	if err != nil {
		return stats, fmt.Errorf("list active tasks: %w", err)
	}

	for _, t := range tasks {
		if t.JobHandle == "" {
			continue
		}
		stats.Checked++
		if err := r.reconcile(ctx, t, &stats); err != nil {
			stats.Errors++
			logging.Task(ctx, slog.LevelError, fmt.Sprintf("Error reconciling job %s: %v", t.JobHandle, err), t.ID)
			logging.Count(ctx, logging.MetricReconcileErrors, 1)
		}
	}
	span.SetAttributes(attribute.Int("checked", stats.Checked), attribute.Int("errors", stats.Errors))

	r.Final.Kick()
	return stats, nil
}

func (r *Reconciler) reconcile(ctx context.Context, t *model.Task, stats *Stats) error {
	state, err := r.Cluster.Status(ctx, t.JobHandle)
	if err != nil {
		return err
	}

	switch state.Phase {
	case backend.PhaseSucceeded:
		return r.complete(ctx, t, &state, stats)

	case backend.PhaseFailed:
		if state.Gone {
			// Removed by its TTL before we looked; a result means it succeeded.
			return r.complete(ctx, t, nil, stats)
		}
		_, err := r.Final.Fail(ctx, t.ID, &model.TaskError{
			Category: model.ErrClusterJobFailed,
			Message:  fmt.Sprintf("cluster job %s failed: %s", t.JobHandle, state.Error),
			Details:  map[string]any{"job_handle": t.JobHandle, "job_error": state.Error},
		})
		if err != nil && !errors.Is(err, store.ErrTerminal) {
			return err
		}
		stats.Failed++
		return nil

	default:
		stats.Running++
		return r.markRunning(ctx, t.ID, state)
	}
}

func (r *Reconciler) complete(ctx context.Context, t *model.Task, state *backend.JobState, stats *Stats) error {
	_, err := r.Final.CompleteFromCluster(ctx, t, state)
	switch {
	case errors.Is(err, backend.ErrNoResult):
		stats.Failed++
		return nil
	case err != nil:
		return err
	}
	stats.Completed++
	return nil
}

// markRunning records that the job is alive: submitted becomes running once
// the orchestrator reports the pod running.
func (r *Reconciler) markRunning(ctx context.Context, taskID int64, state backend.JobState) error {
	now := r.Now()
	_, err := r.Store.Transition(ctx, taskID, func(t *model.Task) error {
		if !t.Status.HoldsSlot() {
			return store.ErrSkip
		}
		if state.Phase == backend.PhaseRunning {
			t.Status = model.TaskRunning
		}
		if t.StartedAt == nil {
			started := now
			if state.StartedAt != nil {
				started = *state.StartedAt
			}
			t.StartedAt = &started
		}
		if now.After(*t.StartedAt) {
			t.LastHeartbeat = &now
		}
		return nil
	})
	if errors.Is(err, store.ErrSkip) || errors.Is(err, store.ErrTerminal) {
		return nil
	}
	return err
}
