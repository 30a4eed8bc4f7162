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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"analysisqueue/src/backend"
	"analysisqueue/src/logging"
	"analysisqueue/src/model"
	"analysisqueue/src/store"
)

// processNext dispatches queued tasks until one holds the slot or the queue
// is empty.
func (s *Scheduler) processNext(ctx context.Context) {
	for ctx.Err() == nil {
		if s.slot != 0 {
			t, err := s.store.Get(ctx, s.slot)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				s.storeFailure(ctx, err)
				return
			}
			if err == nil && !t.Status.Terminal() {
				return
			}
			s.release(ctx, s.slot)
		}

		head, err := s.store.NextQueued(ctx)
		if err != nil {
			s.storeFailure(ctx, err)
			return
		}
		if head == nil {
			return
		}
		if !s.slotFree(ctx, head) {
			return
		}
		if !s.dispatch(ctx, head) {
			return
		}
	}
}

func (s *Scheduler) release(ctx context.Context, taskID int64) {
	if s.cancelExec != nil {
		s.cancelExec()
		s.cancelExec = nil
	}
	s.slot = 0
	s.stats.setCurrent(nil)
	logging.Task(ctx, slog.LevelDebug, "Released sandbox slot", taskID)
}

// slotFree checks the store for a task this loop does not own. While one
// exists the head of the queue waits on the contention policy and is failed
// with queue_error once the policy gives up. Only the current head keeps a
// contention record; an overtaken head starts over when it is head again.
func (s *Scheduler) slotFree(ctx context.Context, head *model.Task) bool {
	for id := range s.blocked {
		if id != head.ID {
			delete(s.blocked, id)
		}
	}

	active, err := s.store.Active(ctx)
	if err != nil {
		s.storeFailure(ctx, err)
		return false
	}
	if active == nil {
		delete(s.blocked, head.ID)
		return true
	}

	now := s.now()
	c, ok := s.blocked[head.ID]
	if !ok {
		c = &contention{}
		s.blocked[head.ID] = c
	} else if now.Before(c.next) {
		return false
	}

	d := s.opts.Retry.Contention(c.attempts)
	if !d.Retry {
		delete(s.blocked, head.ID)
		s.Fail(ctx, head.ID, model.NewTaskError(model.ErrQueue,
			fmt.Sprintf("sandbox slot held by task %d after %d dispatch retries", active.ID, c.attempts),
			map[string]any{"blocking_task_id": active.ID, "retries": c.attempts}))
		return false
	}
	c.attempts++
	c.next = now.Add(d.Delay)
	logging.Task(ctx, slog.LevelInfo, "Sandbox slot busy, retrying dispatch", head.ID,
		slog.Int64("blocking_task_id", active.ID), slog.Int("attempt", c.attempts), slog.Duration("delay", d.Delay))
	s.wakeAfter(d.Delay)
	return false
}

// dispatch moves head out of the queue. It returns true when the loop should
// look at the next head, i.e. head did not take the slot.
func (s *Scheduler) dispatch(ctx context.Context, head *model.Task) bool {
	ctx, span := logging.StartSpan(ctx, "scheduler.dispatch", attribute.Int64("task_id", head.ID))
	defer span.End()

	done, err := s.finder.CompletedFor(ctx, head)
	if err != nil {
		s.storeFailure(ctx, err)
		return false
	}

	now := s.now()
	t, err := s.store.Transition(ctx, head.ID, func(t *model.Task) error {
		if t.Status != model.TaskQueued {
			return store.ErrSkip
		}
		if done != nil && done.ReportID != nil {
			t.MarkCompleted(*done.ReportID, done.DownloadURL, now, now)
			return nil
		}
		t.Status = model.TaskRunning
		t.StartedAt = &now
		t.LastHeartbeat = &now
		if t.TimeoutMinutes <= 0 {
			t.TimeoutMinutes = s.opts.DefaultTimeoutMinutes
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrSkip), errors.Is(err, store.ErrTerminal), errors.Is(err, store.ErrNotFound):
		delete(s.blocked, head.ID)
		return true
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		s.storeFailure(ctx, err)
		return false
	}
	delete(s.blocked, t.ID)

	if t.Status == model.TaskCompleted {
		logging.Task(ctx, slog.LevelInfo, "Queued task reused a finished analysis", t.ID, slog.Int64("source_task_id", done.ID))
		logging.Count(ctx, logging.MetricDedupHits, 1)
		logging.Count(ctx, logging.MetricCompleted, 1)
		s.stats.add(ctx, statDelta{dedup: 1, success: 1})
		return true
	}

	s.slot = t.ID
	s.stats.setCurrent(t)
	s.stats.add(ctx, statDelta{dispatched: 1})
	logging.Count(ctx, logging.MetricDispatched, 1, attribute.String("backend", s.executor.Name()))
	logging.Task(ctx, slog.LevelInfo, fmt.Sprintf("Processing task: %s", t.Identity()), t.ID)
	s.startExecution(ctx, t, 0)
	return false
}

func (s *Scheduler) startExecution(ctx context.Context, t *model.Task, attempt int) {
	if s.cancelExec != nil {
		s.cancelExec()
	}
	execCtx, cancel := context.WithCancel(ctx)
	s.cancelExec = cancel
	go s.execute(execCtx, ctx, t, attempt)
}

// execute runs on its own goroutine; the result goes back to the loop as an
// event. execCtx is cancelled when the slot is released under it.
func (s *Scheduler) execute(execCtx, loopCtx context.Context, t *model.Task, attempt int) {
	execCtx, span := logging.StartSpan(execCtx, "sandbox.execute",
		attribute.Int64("task_id", t.ID),
		attribute.String("backend", s.executor.Name()),
		attribute.Int("attempt", attempt))
	defer span.End()

	job := backend.Job{
		TaskID:   t.ID,
		Identity: t.Identity(),
		OnContainer: func(containerID string) {
			s.recordContainer(execCtx, t.ID, containerID)
		},
	}
	out, err := s.executor.Execute(execCtx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if execCtx.Err() != nil {
		return
	}
	s.send(loopCtx, execResult{taskID: t.ID, attempt: attempt, outcome: out, err: err})
}

func (s *Scheduler) recordContainer(ctx context.Context, taskID int64, containerID string) {
	now := s.now()
	_, err := s.store.Transition(ctx, taskID, func(t *model.Task) error {
		if t.Status != model.TaskRunning {
			return store.ErrSkip
		}
		t.ContainerID = containerID
		t.LastHeartbeat = &now
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrSkip) && !errors.Is(err, store.ErrTerminal) {
		logging.Task(ctx, slog.LevelError, fmt.Sprintf("Error recording container %s: %v", containerID, err), taskID)
	}
}

func (s *Scheduler) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case execResult:
		s.finishExecution(ctx, ev)
	case execRetry:
		s.retryExecution(ctx, ev)
	}
}

func (s *Scheduler) finishExecution(ctx context.Context, r execResult) {
	if r.taskID != s.slot {
		return
	}
	if r.err != nil {
		// A run past its budget is never retried; the timeout monitor fails it.
		if t, err := s.store.Get(ctx, r.taskID); err == nil && t.TimedOut(s.now()) {
			logging.Task(ctx, slog.LevelWarn, fmt.Sprintf("Execution ended after timeout: %v", r.err), r.taskID)
			return
		}
		d := s.opts.Retry.Backoff(r.attempt)
		if d.Retry {
			logging.Task(ctx, slog.LevelWarn, fmt.Sprintf("Attempt %d failed: %v. Retrying in %s", r.attempt+1, r.err, d.Delay), r.taskID)
			next := execRetry{taskID: r.taskID, attempt: r.attempt + 1}
			time.AfterFunc(d.Delay, func() { s.send(ctx, next) })
			return
		}
		logging.Task(ctx, slog.LevelError, fmt.Sprintf("Task execution failed after retries: %v", r.err), r.taskID)
		s.Fail(ctx, r.taskID, r.err)
		return
	}

	if r.outcome.Submitted() {
		s.markSubmitted(ctx, r.taskID, r.outcome.Handle)
		return
	}
	if _, err := s.Complete(ctx, r.taskID, r.outcome.Report, nil); err != nil {
		logging.Task(ctx, slog.LevelError, fmt.Sprintf("Error completing task: %v", err), r.taskID)
		s.Fail(ctx, r.taskID, err)
	}
}

func (s *Scheduler) retryExecution(ctx context.Context, r execRetry) {
	if r.taskID != s.slot {
		return
	}
	t, err := s.store.Get(ctx, r.taskID)
	if err != nil {
		s.storeFailure(ctx, err)
		return
	}
	if t.Status != model.TaskRunning {
		return
	}
	s.startExecution(ctx, t, r.attempt)
}

func (s *Scheduler) markSubmitted(ctx context.Context, taskID int64, handle string) {
	now := s.now()
	_, err := s.store.Transition(ctx, taskID, func(t *model.Task) error {
		if t.Status != model.TaskRunning {
			return store.ErrSkip
		}
		t.Status = model.TaskSubmitted
		t.JobHandle = handle
		t.LastHeartbeat = &now
		return nil
	})
	switch {
	case errors.Is(err, store.ErrSkip), errors.Is(err, store.ErrTerminal):
		logging.Task(ctx, slog.LevelWarn, fmt.Sprintf("Job %s submitted for a task that already left running", handle), taskID)
	case err != nil:
		s.storeFailure(ctx, err)
	default:
		logging.Task(ctx, slog.LevelInfo, fmt.Sprintf("Submitted cluster job %s", handle), taskID)
	}
}

// heartbeat refreshes last_heartbeat of a Local run in progress.
func (s *Scheduler) heartbeat(ctx context.Context) {
	if s.slot == 0 || s.cancelExec == nil {
		return
	}
	now := s.now()
	_, err := s.store.Transition(ctx, s.slot, func(t *model.Task) error {
		if t.Status != model.TaskRunning {
			return store.ErrSkip
		}
		t.LastHeartbeat = &now
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrSkip) && !errors.Is(err, store.ErrTerminal) {
		s.storeFailure(ctx, err)
	}
}

// Complete persists payload as a report and moves the task to completed.
// state, when known, supplies the backend's own start and end times.
// Completing a task that is already terminal is a no-op.
func (s *Scheduler) Complete(ctx context.Context, taskID int64, payload json.RawMessage, state *backend.JobState) (*model.Task, error) {
	current, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}
	if !current.Status.HoldsSlot() {
		return current, fmt.Errorf("%w: task %d is %s", store.ErrInvalidTransition, taskID, current.Status)
	}

	reportID, err := s.store.SaveReport(ctx, current.Identity(), payload)
	if err != nil {
		s.storeFailure(ctx, err)
		return nil, fmt.Errorf("save report for task %d: %w", taskID, err)
	}

	now := s.now()
	started, completed := now, now
	if state != nil && state.StartedAt != nil {
		started = *state.StartedAt
	}
	if state != nil && state.CompletedAt != nil {
		completed = *state.CompletedAt
	}
	t, err := s.store.Transition(ctx, taskID, func(t *model.Task) error {
		if !t.Status.HoldsSlot() {
			return store.ErrSkip
		}
		t.MarkCompleted(reportID, s.reportURL(reportID), started, completed)
		return nil
	})
	if errors.Is(err, store.ErrSkip) || errors.Is(err, store.ErrTerminal) {
		return t, nil
	}
	if err != nil {
		s.storeFailure(ctx, err)
		return nil, err
	}

	logging.Task(ctx, slog.LevelInfo, "Task completed successfully", taskID, slog.Int64("report_id", reportID))
	logging.Count(ctx, logging.MetricCompleted, 1)
	s.stats.add(ctx, statDelta{success: 1})
	s.Kick()
	return t, nil
}

// Fail moves a non-terminal task to failed.
func (s *Scheduler) Fail(ctx context.Context, taskID int64, cause error) (*model.Task, error) {
	return s.FailIf(ctx, taskID, cause, nil)
}

// FailIf fails the task only if cond, evaluated on the locked row, holds.
// A rejected condition returns the current task and store.ErrSkip.
func (s *Scheduler) FailIf(ctx context.Context, taskID int64, cause error, cond func(*model.Task) bool) (*model.Task, error) {
	now := s.now()
	t, err := s.store.Transition(ctx, taskID, func(t *model.Task) error {
		if cond != nil && !cond(t) {
			return store.ErrSkip
		}
		t.MarkFailed(cause, now)
		return nil
	})
	if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrSkip) {
		return t, err
	}
	if err != nil {
		s.storeFailure(ctx, err)
		logging.Task(ctx, slog.LevelError, fmt.Sprintf("Error updating task status to failed: %v", err), taskID)
		return nil, err
	}

	category := model.CategoryOf(cause)
	logging.Task(ctx, slog.LevelError, fmt.Sprintf("Task failed: %v", cause), taskID, slog.String("error_category", string(category)))
	logging.Count(ctx, logging.MetricFailed, 1, attribute.String("error_category", string(category)))
	s.stats.add(ctx, statDelta{failed: 1})
	s.Kick()
	return t, nil
}

func (s *Scheduler) reportURL(reportID int64) string {
	return fmt.Sprintf("%s/reports/%d", s.opts.BaseURL, reportID)
}
