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

// Package monitor holds the periodic sweeps that keep the task table
// healthy: failing runs that exceed their budget and deleting old history.
package monitor

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

// Failer fails a task when a condition still holds on the locked row.
type Failer interface {
	FailIf(ctx context.Context, taskID int64, cause error, cond func(*model.Task) bool) (*model.Task, error)
}

type TimeoutMonitor struct {
	Store    store.Store
	Final    Failer
	Interval time.Duration
	Now      func() time.Time
	// Stopper and Canceller are optional; they release the sandbox behind a
	// timed-out task on a best-effort basis.
	Stopper   backend.ContainerStopper
	Canceller backend.JobCanceller
}

func NewTimeoutMonitor(st store.Store, final Failer, interval time.Duration) *TimeoutMonitor {
	return &TimeoutMonitor{Store: st, Final: final, Interval: interval, Now: time.Now}
}

func (m *TimeoutMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				logging.Log(fmt.Sprintf("Timeout check failed: %v", err), slog.LevelError)
			}
		}
	}
}

// Check fails every task holding the slot longer than its timeout and
// returns how many it failed.
func (m *TimeoutMonitor) Check(ctx context.Context) (int, error) {
	ctx, span := logging.StartSpan(ctx, "monitor.timeouts")
	defer span.End()

	now := m.Now()
	tasks, err := m.Store.List(ctx, store.Filter{Statuses: model.SlotStatuses})
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}

	var errs []error
	timedOut := 0
	for _, t := range tasks {
		if !t.TimedOut(now) {
			continue
		}
		failed, err := m.expire(ctx, t, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", t.ID, err))
			continue
		}
		if failed {
			timedOut++
		}
	}
	span.SetAttributes(attribute.Int("timed_out", timedOut))
	return timedOut, errors.Join(errs...)
}

func (m *TimeoutMonitor) expire(ctx context.Context, t *model.Task, now time.Time) (bool, error) {
	elapsed := now.Sub(*t.StartedAt)
	details := map[string]any{
		"timeout_minutes":   t.TimeoutMinutes,
		"elapsed_seconds":   elapsed.Seconds(),
		"started_at":        t.StartedAt.UTC().Format(time.RFC3339),
		"timed_out_at":      now.UTC().Format(time.RFC3339),
		"container_id":      t.ContainerID,
		"container_stopped": false,
	}
	cause := &model.TaskError{
		Category: model.ErrTimeout,
		Message:  fmt.Sprintf("Task timed out after %d minutes (elapsed %s)", t.TimeoutMinutes, elapsed.Truncate(time.Second)),
		Details:  details,
	}

	// Stop first: the details record whether the container stopped.
	if t.ContainerID != "" && m.Stopper != nil {
		if err := m.Stopper.StopContainer(ctx, t.ContainerID); err != nil {
			logging.Task(ctx, slog.LevelWarn, fmt.Sprintf("Failed to stop container %s: %v", t.ContainerID, err), t.ID)
		} else {
			details["container_stopped"] = true
		}
	}
	if t.JobHandle != "" && m.Canceller != nil {
		if err := m.Canceller.Cancel(ctx, t.JobHandle); err != nil {
			logging.Task(ctx, slog.LevelWarn, fmt.Sprintf("Failed to delete job %s: %v", t.JobHandle, err), t.ID)
		}
	}

	_, err := m.Final.FailIf(ctx, t.ID, cause, func(cur *model.Task) bool {
		return cur.Status.HoldsSlot() && cur.TimedOut(now)
	})
	if errors.Is(err, store.ErrSkip) || errors.Is(err, store.ErrTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	logging.Task(ctx, slog.LevelWarn, cause.Message, t.ID)
	logging.Count(ctx, logging.MetricTimedOut, 1)
	return true, nil
}
