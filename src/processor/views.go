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
	"time"

	"analysisqueue/src/model"
	"analysisqueue/src/store"
)

// StatusView is what a caller polling one task sees. QueuePosition is 0 while
// the task holds the sandbox slot and nil once it is terminal.
type StatusView struct {
	TaskID           int64               `json:"task_id"`
	Purl             string              `json:"purl,omitempty"`
	Status           model.TaskStatus    `json:"status"`
	Priority         int                 `json:"priority"`
	QueuePosition    *int                `json:"queue_position"`
	CreatedAt        time.Time           `json:"created_at"`
	StartedAt        *time.Time          `json:"started_at,omitempty"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
	RemainingMinutes *float64            `json:"remaining_minutes,omitempty"`
	DurationSeconds  *float64            `json:"duration_seconds,omitempty"`
	ReportID         *int64              `json:"report_id,omitempty"`
	DownloadURL      string              `json:"download_url,omitempty"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	ErrorCategory    model.ErrorCategory `json:"error_category,omitempty"`
	ErrorDetails     map[string]any      `json:"error_details,omitempty"`
}

func viewOf(t *model.Task, now time.Time) StatusView {
	v := StatusView{
		TaskID:          t.ID,
		Purl:            t.Purl,
		Status:          t.Status,
		Priority:        t.Priority,
		QueuePosition:   t.QueuePosition,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		DurationSeconds: t.Duration,
		ReportID:        t.ReportID,
		DownloadURL:     t.DownloadURL,
		ErrorMessage:    t.ErrorMessage,
		ErrorCategory:   t.ErrorCategory,
		ErrorDetails:    t.ErrorDetails,
	}
	if v.Purl == "" {
		v.Purl = t.Identity().Key()
	}
	if t.Status.HoldsSlot() {
		zero := 0
		remaining := t.RemainingMinutes(now)
		v.QueuePosition = &zero
		v.RemainingMinutes = &remaining
	}
	return v
}

func (s *Scheduler) Status(ctx context.Context, taskID int64) (StatusView, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return StatusView{}, err
	}
	return viewOf(t, s.now()), nil
}

type QueueView struct {
	Active []StatusView `json:"active"`
	Queued []StatusView `json:"queued"`
}

// Queue lists the tasks holding the slot followed by the queue in dispatch
// order.
func (s *Scheduler) Queue(ctx context.Context) (QueueView, error) {
	now := s.now()
	view := QueueView{Active: []StatusView{}, Queued: []StatusView{}}

	active, err := s.store.List(ctx, store.Filter{Statuses: model.SlotStatuses})
	if err != nil {
		return view, err
	}
	for _, t := range active {
		view.Active = append(view.Active, viewOf(t, now))
	}

	queued, err := s.store.List(ctx, store.Filter{Statuses: []model.TaskStatus{model.TaskQueued}, ByQueue: true})
	if err != nil {
		return view, err
	}
	for _, t := range queued {
		view.Queued = append(view.Queued, viewOf(t, now))
	}
	return view, nil
}

type TimeoutView struct {
	CheckedAt time.Time    `json:"checked_at"`
	Running   []StatusView `json:"running"`
	TimedOut  []StatusView `json:"timed_out"`
}

// Timeouts reports the time left for every task holding the slot, and those
// already past their budget that the monitor has not swept yet.
func (s *Scheduler) Timeouts(ctx context.Context) (TimeoutView, error) {
	now := s.now()
	view := TimeoutView{CheckedAt: now, Running: []StatusView{}, TimedOut: []StatusView{}}
	active, err := s.store.List(ctx, store.Filter{Statuses: model.SlotStatuses})
	if err != nil {
		return view, err
	}
	for _, t := range active {
		if t.TimedOut(now) {
			view.TimedOut = append(view.TimedOut, viewOf(t, now))
		} else {
			view.Running = append(view.Running, viewOf(t, now))
		}
	}
	return view, nil
}

// Counts summarizes the store, served on /global-status.
func (s *Scheduler) Counts(ctx context.Context) (store.Counts, error) {
	return s.store.Counts(ctx)
}
