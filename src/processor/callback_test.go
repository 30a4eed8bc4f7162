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
	"testing"
	"time"

	"analysisqueue/src/backend"
	"analysisqueue/src/model"
	"analysisqueue/src/store"
)

func TestClusterJobHoldsSlotUntilCallback(t *testing.T) {
	st := newTestStore(t)
	cluster := newStubCluster()
	s := newScheduler(st, backend.NewClusterExecutor(cluster), testOptions()).WithCluster(cluster)
	runScheduler(t, s)
	ctx := context.Background()

	a := submit(t, s, "pkg:npm/a@1.0.0", 0)
	submitted := waitFor(t, st, a.Task.ID, "submitted", hasStatus(model.TaskSubmitted))
	if submitted.JobHandle != fmt.Sprintf("job-%d", a.Task.ID) {
		t.Fatalf("job handle = %q", submitted.JobHandle)
	}

	b := submit(t, s, "pkg:npm/b@1.0.0", 0)
	time.Sleep(50 * time.Millisecond)
	if got := cluster.Submitted(); len(got) != 1 {
		t.Fatalf("cluster received %v while a job was in flight", got)
	}
	queued, err := s.Status(ctx, b.Task.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if queued.Status != model.TaskQueued || queued.QueuePosition == nil || *queued.QueuePosition != 1 {
		t.Fatalf("second task = %s at %v, want queued at 1", queued.Status, queued.QueuePosition)
	}

	cluster.setResult(a.Task.ID, `{"verdict":"clean"}`)
	done, err := s.OnJobCompleted(ctx, a.Task.ID, "completed")
	if err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if done.Status != model.TaskCompleted || done.ReportID == nil {
		t.Fatalf("task after callback = %s report %v", done.Status, done.ReportID)
	}
	wantURL := fmt.Sprintf("http://scheduler.test/reports/%d", *done.ReportID)
	if done.DownloadURL != wantURL {
		t.Fatalf("download url = %q, want %q", done.DownloadURL, wantURL)
	}
	if stored, err := st.Get(ctx, a.Task.ID); err != nil || stored.DownloadURL != wantURL {
		t.Fatalf("stored download url = %v, %v", stored, err)
	}

	waitFor(t, st, b.Task.ID, "submitted", hasStatus(model.TaskSubmitted))
	if n := slotHolders(t, st); n != 1 {
		t.Fatalf("%d tasks hold the slot, want 1", n)
	}

	again, err := s.OnJobCompleted(ctx, a.Task.ID, "completed")
	if err != nil {
		t.Fatalf("repeated callback: %v", err)
	}
	if again.Status != model.TaskCompleted || *again.ReportID != *done.ReportID {
		t.Fatal("repeated callback changed a completed task")
	}
}

func TestCallbackWithoutResultFailsTask(t *testing.T) {
	st := newTestStore(t)
	cluster := newStubCluster()
	s := newScheduler(st, backend.NewClusterExecutor(cluster), testOptions()).WithCluster(cluster)
	runScheduler(t, s)

	a := submit(t, s, "pkg:pypi/empty@1.0.0", 0)
	waitFor(t, st, a.Task.ID, "submitted", hasStatus(model.TaskSubmitted))

	failed, err := s.OnJobCompleted(context.Background(), a.Task.ID, "completed")
	if !errors.Is(err, backend.ErrNoResult) {
		t.Fatalf("error = %v, want ErrNoResult", err)
	}
	if failed.Status != model.TaskFailed || failed.ErrorCategory != model.ErrResultsNotFound {
		t.Fatalf("task = %s %s, want failed results_not_found", failed.Status, failed.ErrorCategory)
	}
	if failed.ErrorDetails["job_handle"] != fmt.Sprintf("job-%d", a.Task.ID) {
		t.Fatalf("details = %v", failed.ErrorDetails)
	}
}

func TestCallbackForUnknownTask(t *testing.T) {
	st := newTestStore(t)
	cluster := newStubCluster()
	s := newScheduler(st, backend.NewClusterExecutor(cluster), testOptions()).WithCluster(cluster)

	if _, err := s.OnJobCompleted(context.Background(), 999, "completed"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestCallbackIgnoresQueuedTask(t *testing.T) {
	st := newTestStore(t)
	cluster := newStubCluster()
	s := newScheduler(st, backend.NewClusterExecutor(cluster), testOptions()).WithCluster(cluster)

	// Not running the loop keeps the task queued.
	res := submit(t, s, "pkg:npm/waiting@1.0.0", 0)
	got, err := s.OnJobCompleted(context.Background(), res.Task.ID, "completed")
	if err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if got.Status != model.TaskQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
}

func TestCallbackLeavesLocalRunAlone(t *testing.T) {
	st := newTestStore(t)
	local := &stubLocal{gate: make(chan struct{})}
	s := newScheduler(st, backend.NewLocalExecutor(local), testOptions())
	runScheduler(t, s)
	ctx := context.Background()

	a := submit(t, s, "pkg:npm/busy@1.0.0", 0)
	waitFor(t, st, a.Task.ID, "running", hasStatus(model.TaskRunning))

	got, err := s.OnJobCompleted(ctx, a.Task.ID, "completed")
	if err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if got.Status != model.TaskRunning || got.ErrorCategory != "" {
		t.Fatalf("task = %s %s, want running", got.Status, got.ErrorCategory)
	}

	close(local.gate)
	done := waitFor(t, st, a.Task.ID, "completed", hasStatus(model.TaskCompleted))
	if done.ReportID == nil {
		t.Fatal("local run finished without a report")
	}
}

func TestCallbackIgnoresSlotHolderWithoutJob(t *testing.T) {
	st := newTestStore(t)
	cluster := newStubCluster()
	s := newScheduler(st, backend.NewClusterExecutor(cluster), testOptions()).WithCluster(cluster)
	ctx := context.Background()

	// Running but not yet handed to the cluster.
	res := submit(t, s, "pkg:npm/starting@1.0.0", 0)
	now := time.Now()
	if _, err := st.Transition(ctx, res.Task.ID, func(t *model.Task) error {
		t.Status = model.TaskRunning
		t.StartedAt = &now
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	got, err := s.OnJobCompleted(ctx, res.Task.ID, "completed")
	if err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if got.Status != model.TaskRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
}

func TestCompleteFromClusterWithoutBackend(t *testing.T) {
	st := newTestStore(t)
	s := newScheduler(st, backend.NewLocalExecutor(&stubLocal{}), testOptions())

	if _, err := s.CompleteFromCluster(context.Background(), &model.Task{ID: 1}, nil); !errors.Is(err, ErrNoCluster) {
		t.Fatalf("error = %v, want ErrNoCluster", err)
	}
}

func TestCompleteUsesBackendTimes(t *testing.T) {
	st := newTestStore(t)
	cluster := newStubCluster()
	s := newScheduler(st, backend.NewClusterExecutor(cluster), testOptions()).WithCluster(cluster)
	runScheduler(t, s)
	ctx := context.Background()

	a := submit(t, s, "pkg:cargo/serde@1.0.0", 0)
	task := waitFor(t, st, a.Task.ID, "submitted", hasStatus(model.TaskSubmitted))

	completedAt := task.StartedAt.Add(2 * time.Minute)
	cluster.setResult(a.Task.ID, `{"ok":true}`)
	done, err := s.CompleteFromCluster(ctx, task, &backend.JobState{Phase: backend.PhaseSucceeded, CompletedAt: &completedAt})
	if err != nil {
		t.Fatalf("CompleteFromCluster: %v", err)
	}
	if done.Duration == nil || *done.Duration != 120 {
		t.Fatalf("duration = %v, want 120", done.Duration)
	}
	if !done.CompletedAt.Equal(completedAt) {
		t.Fatalf("completed_at = %s, want %s", done.CompletedAt, completedAt)
	}
}
