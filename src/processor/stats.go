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
	"sync"
	"time"

	"analysisqueue/src/logging"
	"analysisqueue/src/model"
)

// StatusResponse is the scheduler's view of itself, served on /status.
type StatusResponse struct {
	ID               string      `json:"id"`
	Backend          string      `json:"backend"`
	StartTime        time.Time   `json:"start_time"`
	Uptime           string      `json:"uptime"`
	TasksSubmitted   uint64      `json:"tasks_submitted"`
	DedupHits        uint64      `json:"dedup_hits"`
	TasksDispatched  uint64      `json:"tasks_dispatched"`
	TasksSuccessful  uint64      `json:"tasks_successful"`
	TasksFailed      uint64      `json:"tasks_failed"`
	DatabaseFailures uint64      `json:"database_failures"`
	CurrentTask      *model.Task `json:"current_task,omitempty"`
}

// Stats tracks the internal state of the scheduler.
type Stats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewStats(id, backend string) *Stats {
	return &Stats{
		statusResponse: StatusResponse{
			ID:        id,
			Backend:   backend,
			StartTime: time.Now(),
		},
	}
}

type statDelta struct {
	submitted, dedup, dispatched, success, failed, databaseFailures uint64
}

func (s *Stats) add(ctx context.Context, d statDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.statusResponse
	r.TasksSubmitted += d.submitted
	r.DedupHits += d.dedup
	r.TasksDispatched += d.dispatched
	r.TasksSuccessful += d.success
	r.TasksFailed += d.failed
	r.DatabaseFailures += d.databaseFailures

	logging.UpdateSpanValue(ctx, "scheduler_tasks_dispatched", float64(r.TasksDispatched))
	logging.UpdateSpanValue(ctx, "scheduler_tasks_succeeded", float64(r.TasksSuccessful))
	logging.UpdateSpanValue(ctx, "scheduler_tasks_failed", float64(r.TasksFailed))
	if finished := r.TasksSuccessful + r.TasksFailed; finished > 0 {
		logging.UpdateSpanValue(ctx, "scheduler_tasks_error_rate", float64(r.TasksFailed)/float64(finished))
	}
}

func (s *Stats) setCurrent(t *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.CurrentTask = t.Clone()
}

// Snapshot returns the current statistics.
func (s *Stats) Snapshot() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.CurrentTask = s.statusResponse.CurrentTask.Clone()
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}
