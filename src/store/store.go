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

// Package store persists analysis tasks and reports. Every mutation of a
// task's scheduling fields goes through Transition, which holds a row lock
// for the read-modify-write and enforces the task state machine.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"analysisqueue/src/model"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrTerminal          = errors.New("task is terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSkip returned from a TransitionFunc leaves the row untouched.
	ErrSkip = errors.New("transition skipped")
)

// TransitionFunc mutates t in place. It runs inside the row-locked
// transaction and must not call back into the store.
type TransitionFunc func(t *model.Task) error

type Filter struct {
	Statuses []model.TaskStatus
	APIKey   string
	Limit    int
	Offset   int
	// ByQueue orders by queue position instead of newest first.
	ByQueue bool
}

type Counts struct {
	Total     int     `json:"total_tasks"`
	Pending   int     `json:"pending_tasks"`
	Queued    int     `json:"queued_tasks"`
	Running   int     `json:"running_tasks"`
	Submitted int     `json:"submitted_tasks"`
	Completed int     `json:"completed_tasks"`
	Failed    int     `json:"failed_tasks"`
	AvgExec   float64 `json:"avg_execution_seconds"`
	LastHour  int     `json:"throughput_tasks_per_hour"`
}

type Store interface {
	// CreateQueued inserts a pending task and moves it to queued in the same
	// transaction, assigning queue_position = count(queued) + 1.
	CreateQueued(ctx context.Context, t *model.Task) (*model.Task, error)
	Get(ctx context.Context, id int64) (*model.Task, error)
	// Transition applies fn to the locked row and writes it back. The new
	// status must be reachable from the old one; terminal rows are immutable.
	Transition(ctx context.Context, id int64, fn TransitionFunc) (*model.Task, error)
	List(ctx context.Context, f Filter) ([]*model.Task, error)
	// NextQueued returns the head of the queue: priority desc, queued_at asc, id asc.
	NextQueued(ctx context.Context) (*model.Task, error)
	// Active returns the task occupying the sandbox slot, if any.
	Active(ctx context.Context) (*model.Task, error)
	// Renumber reassigns queue positions 1..N to all queued tasks.
	Renumber(ctx context.Context) error

	FindCompleted(ctx context.Context, id model.Identity, excludeID int64) (*model.Task, error)
	FindActive(ctx context.Context, id model.Identity, since time.Time) (*model.Task, error)
	// FindRecent returns the newest active task created since since.
	FindRecent(ctx context.Context, id model.Identity, since time.Time) (*model.Task, error)

	SaveReport(ctx context.Context, id model.Identity, payload json.RawMessage) (int64, error)
	GetReport(ctx context.Context, reportID int64) (*model.Report, error)

	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Counts(ctx context.Context) (Counts, error)

	Close() error
}
