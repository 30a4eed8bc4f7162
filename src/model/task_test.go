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

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskQueued, true},
		{TaskQueued, TaskRunning, true},
		{TaskQueued, TaskCompleted, true},
		{TaskQueued, TaskSubmitted, false},
		{TaskRunning, TaskSubmitted, true},
		{TaskSubmitted, TaskRunning, true},
		{TaskSubmitted, TaskCompleted, true},
		{TaskRunning, TaskQueued, false},
		{TaskRunning, TaskRunning, true},
		{TaskCompleted, TaskFailed, false},
		{TaskFailed, TaskQueued, false},
		{TaskCompleted, TaskCompleted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTimedOutUsesStrictlyGreaterThanBudget(t *testing.T) {
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	task := &Task{StartedAt: &started, TimeoutMinutes: 30}

	if task.TimedOut(started.Add(30 * time.Minute)) {
		t.Fatal("task must not time out exactly at its budget")
	}
	if !task.TimedOut(started.Add(31 * time.Minute)) {
		t.Fatal("expected task to time out after 31 minutes")
	}
	if (&Task{TimeoutMinutes: 30}).TimedOut(started.Add(time.Hour)) {
		t.Fatal("a task that never started cannot time out")
	}
}

func TestRemainingMinutes(t *testing.T) {
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	task := &Task{StartedAt: &started, TimeoutMinutes: 30}

	if got := task.RemainingMinutes(started.Add(10 * time.Minute)); got != 20 {
		t.Fatalf("remaining = %v, want 20", got)
	}
	if got := task.RemainingMinutes(started.Add(2 * time.Hour)); got != 0 {
		t.Fatalf("remaining after expiry = %v, want 0", got)
	}
}

func TestMarkCompletedKeepsRecordedStart(t *testing.T) {
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	task := &Task{Status: TaskRunning, StartedAt: &started, ErrorMessage: "old", ErrorCategory: ErrUnknown}

	task.MarkCompleted(7, "http://x/reports/7", started.Add(time.Hour), started.Add(90*time.Second))

	if task.Status != TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if !task.StartedAt.Equal(started) {
		t.Fatalf("started_at = %s, want %s", task.StartedAt, started)
	}
	if task.Duration == nil || *task.Duration != 90 {
		t.Fatalf("duration = %v, want 90", task.Duration)
	}
	if task.ReportID == nil || *task.ReportID != 7 || task.DownloadURL != "http://x/reports/7" {
		t.Fatalf("unexpected report fields: %v %q", task.ReportID, task.DownloadURL)
	}
	if task.ErrorMessage != "" || task.ErrorCategory != "" {
		t.Fatal("expected error fields to be cleared")
	}
}

func TestMarkCompletedClampsCompletionToStart(t *testing.T) {
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	task := &Task{Status: TaskQueued}

	task.MarkCompleted(1, "", started, started.Add(-time.Minute))

	if task.CompletedAt.Before(*task.StartedAt) {
		t.Fatalf("completed_at %s precedes started_at %s", task.CompletedAt, task.StartedAt)
	}
	if *task.Duration != 0 {
		t.Fatalf("duration = %v, want 0", *task.Duration)
	}
}

func TestMarkFailedRecordsCategoryAndDetails(t *testing.T) {
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	task := &Task{Status: TaskRunning, StartedAt: &started}
	cause := NewTaskError(ErrTimeout, "took too long", map[string]any{"timeout_minutes": 30})

	task.MarkFailed(cause, started.Add(31*time.Minute))

	if task.Status != TaskFailed || task.ErrorCategory != ErrTimeout {
		t.Fatalf("got status %s category %s", task.Status, task.ErrorCategory)
	}
	if task.ErrorMessage != "took too long" {
		t.Fatalf("message = %q", task.ErrorMessage)
	}
	if task.ErrorDetails["timeout_minutes"] != 30 {
		t.Fatalf("details = %v", task.ErrorDetails)
	}
	if task.Duration == nil || *task.Duration != 31*60 {
		t.Fatalf("duration = %v, want %d", task.Duration, 31*60)
	}
}

func TestMarkFailedDefaultsToUnknownCategory(t *testing.T) {
	task := &Task{Status: TaskQueued}
	task.MarkFailed(errors.New("boom"), time.Now())

	if task.ErrorCategory != ErrUnknown {
		t.Fatalf("category = %s, want %s", task.ErrorCategory, ErrUnknown)
	}
	if task.Duration != nil {
		t.Fatal("a task that never started has no duration")
	}
}

func TestCategoryOfUnwrapsTaskError(t *testing.T) {
	inner := &TaskError{Category: ErrResultsNotFound, Err: errors.New("missing")}
	wrapped := errors.Join(errors.New("outer"), inner)

	if got := CategoryOf(wrapped); got != ErrResultsNotFound {
		t.Fatalf("CategoryOf = %s, want %s", got, ErrResultsNotFound)
	}
	if got := inner.Error(); got != "missing" {
		t.Fatalf("Error() = %q, want wrapped message", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	pos := 1
	orig := &Task{QueuePosition: &pos, ErrorDetails: map[string]any{"a": 1}}
	c := orig.Clone()
	*c.QueuePosition = 5
	c.ErrorDetails["a"] = 2

	if *orig.QueuePosition != 1 || orig.ErrorDetails["a"] != 1 {
		t.Fatal("Clone shares state with the original")
	}
}
