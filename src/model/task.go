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
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSubmitted TaskStatus = "submitted"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ActiveStatuses are the statuses a dedup lookup may attach to.
var ActiveStatuses = []TaskStatus{TaskRunning, TaskQueued, TaskPending, TaskSubmitted}

// SlotStatuses occupy the single sandbox slot.
var SlotStatuses = []TaskStatus{TaskRunning, TaskSubmitted}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

func (s TaskStatus) HoldsSlot() bool {
	return s == TaskRunning || s == TaskSubmitted
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskQueued, TaskRunning, TaskSubmitted, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// transitions lists every allowed status change. Terminal statuses have no
// outgoing edges.
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:   {TaskQueued, TaskFailed},
	TaskQueued:    {TaskRunning, TaskCompleted, TaskFailed},
	TaskRunning:   {TaskSubmitted, TaskCompleted, TaskFailed},
	TaskSubmitted: {TaskRunning, TaskCompleted, TaskFailed},
}

// CanTransition reports whether a task may move from one status to another.
// Staying in the same non-terminal status is always allowed.
func CanTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Task struct {
	ID             int64          `json:"task_id"`
	Purl           string         `json:"purl,omitempty"`
	Ecosystem      string         `json:"ecosystem"`
	PackageName    string         `json:"package_name"`
	PackageVersion string         `json:"package_version"`
	Status         TaskStatus     `json:"status"`
	Priority       int            `json:"priority"`
	QueuePosition  *int           `json:"queue_position"`
	CreatedAt      time.Time      `json:"created_at"`
	QueuedAt       *time.Time     `json:"queued_at,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LastHeartbeat  *time.Time     `json:"last_heartbeat,omitempty"`
	JobHandle      string         `json:"job_handle,omitempty"`
	TimeoutMinutes int            `json:"timeout_minutes"`
	ContainerID    string         `json:"container_id,omitempty"`
	ReportID       *int64         `json:"report_id,omitempty"`
	DownloadURL    string         `json:"download_url,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ErrorCategory  ErrorCategory  `json:"error_category,omitempty"`
	ErrorDetails   map[string]any `json:"error_details,omitempty"`
	Duration       *float64       `json:"duration_seconds,omitempty"`
	APIKey         string         `json:"-"`
}

// Identity returns the dedup key of the task.
func (t *Task) Identity() Identity {
	return Identity{
		Purl:      t.Purl,
		Ecosystem: t.Ecosystem,
		Name:      t.PackageName,
		Version:   t.PackageVersion,
	}
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.QueuePosition = clonePtr(t.QueuePosition)
	c.QueuedAt = clonePtr(t.QueuedAt)
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	c.LastHeartbeat = clonePtr(t.LastHeartbeat)
	c.ReportID = clonePtr(t.ReportID)
	c.Duration = clonePtr(t.Duration)
	if t.ErrorDetails != nil {
		c.ErrorDetails = make(map[string]any, len(t.ErrorDetails))
		for k, v := range t.ErrorDetails {
			c.ErrorDetails[k] = v
		}
	}
	return &c
}

// TimedOut reports whether the task has run past its budget at now.
func (t *Task) TimedOut(now time.Time) bool {
	if t.StartedAt == nil || t.TimeoutMinutes <= 0 {
		return false
	}
	return now.Sub(*t.StartedAt) > time.Duration(t.TimeoutMinutes)*time.Minute
}

// RemainingMinutes is the time left before the timeout monitor fails the task.
func (t *Task) RemainingMinutes(now time.Time) float64 {
	if t.StartedAt == nil {
		return float64(t.TimeoutMinutes)
	}
	left := time.Duration(t.TimeoutMinutes)*time.Minute - now.Sub(*t.StartedAt)
	if left < 0 {
		return 0
	}
	return left.Minutes()
}

// MarkCompleted moves t to completed with the given report. started is only
// used when the task never recorded a start; completion is clamped so it
// never precedes the start.
func (t *Task) MarkCompleted(reportID int64, downloadURL string, started, completed time.Time) {
	if t.StartedAt != nil {
		started = *t.StartedAt
	}
	if completed.Before(started) {
		completed = started
	}
	duration := completed.Sub(started).Seconds()
	t.Status = TaskCompleted
	t.StartedAt = &started
	t.CompletedAt = &completed
	t.LastHeartbeat = &completed
	t.ReportID = &reportID
	t.DownloadURL = downloadURL
	t.Duration = &duration
	t.ErrorMessage = ""
	t.ErrorCategory = ""
	t.ErrorDetails = nil
}

// MarkFailed moves t to failed, recording the category and details carried
// by cause.
func (t *Task) MarkFailed(cause error, now time.Time) {
	completed := now
	if t.StartedAt != nil && completed.Before(*t.StartedAt) {
		completed = *t.StartedAt
	}
	t.Status = TaskFailed
	t.CompletedAt = &completed
	t.ErrorMessage = cause.Error()
	t.ErrorCategory = CategoryOf(cause)
	t.ErrorDetails = DetailsOf(cause)
	if t.StartedAt != nil {
		duration := completed.Sub(*t.StartedAt).Seconds()
		t.Duration = &duration
	}
}

// Report is the immutable output of one successful sandbox run.
type Report struct {
	ID        int64           `json:"id"`
	Purl      string          `json:"purl,omitempty"`
	Ecosystem string          `json:"ecosystem"`
	Name      string          `json:"package_name"`
	Version   string          `json:"package_version"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
