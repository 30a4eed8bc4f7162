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
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"analysisqueue/src/dedup"
	"analysisqueue/src/logging"
	"analysisqueue/src/model"
)

type Outcome string

const (
	// Cached requests are answered by a finished analysis.
	Cached Outcome = "cached"
	// InProgress requests attach to a task that is queued or running.
	InProgress Outcome = "in_progress"
	Created    Outcome = "created"
)

type Request struct {
	Identity       model.Identity
	Priority       int
	APIKey         string
	TimeoutMinutes int
}

type SubmitResult struct {
	Task    *model.Task
	Outcome Outcome
}

// Submit admits a request: reuse a finished or in-flight task for the same
// identity, otherwise create a queued task and wake the dispatcher.
func (s *Scheduler) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	if err := req.Identity.Validate(); err != nil {
		return SubmitResult{}, err
	}
	ctx, span := logging.StartSpan(ctx, "scheduler.submit", attribute.String("identity", req.Identity.Key()))
	defer span.End()

	// Admission is short; serializing it closes the check-then-create gap
	// inside this process.
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	match, err := s.finder.FindReusable(ctx, req.Identity)
	if err != nil {
		return SubmitResult{}, s.queueError(ctx, req.Identity, err)
	}
	if match.Found() {
		logging.Count(ctx, logging.MetricDedupHits, 1, attribute.String("match", match.Kind.String()))
		s.stats.add(ctx, statDelta{dedup: 1})
		outcome := InProgress
		if match.Kind == dedup.MatchCompleted {
			outcome = Cached
		}
		return SubmitResult{Task: match.Task, Outcome: outcome}, nil
	}

	recent, err := s.finder.RecentlyCreated(ctx, req.Identity)
	if err != nil {
		return SubmitResult{}, s.queueError(ctx, req.Identity, err)
	}
	if recent != nil {
		logging.Count(ctx, logging.MetricDedupHits, 1, attribute.String("match", "recent"))
		s.stats.add(ctx, statDelta{dedup: 1})
		return SubmitResult{Task: recent, Outcome: InProgress}, nil
	}

	timeout := req.TimeoutMinutes
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeoutMinutes
	}
	now := s.now().UTC()
	created, err := s.store.CreateQueued(ctx, &model.Task{
		Purl:           req.Identity.Purl,
		Ecosystem:      req.Identity.Ecosystem,
		PackageName:    req.Identity.Name,
		PackageVersion: req.Identity.Version,
		Priority:       req.Priority,
		CreatedAt:      now,
		QueuedAt:       &now,
		TimeoutMinutes: timeout,
		APIKey:         req.APIKey,
	})
	if err != nil {
		return SubmitResult{}, s.queueError(ctx, req.Identity, err)
	}

	logging.Task(ctx, slog.LevelInfo, fmt.Sprintf("Queued %s", req.Identity), created.ID,
		slog.Int("priority", created.Priority), slog.Any("queue_position", created.QueuePosition))
	logging.Count(ctx, logging.MetricSubmitted, 1)
	s.stats.add(ctx, statDelta{submitted: 1})
	s.Kick()
	return SubmitResult{Task: created, Outcome: Created}, nil
}

// queueError reports a store failure that kept a request out of the queue.
func (s *Scheduler) queueError(ctx context.Context, id model.Identity, err error) error {
	s.storeFailure(ctx, err)
	return &model.TaskError{
		Category: model.ErrQueue,
		Message:  fmt.Sprintf("queue %s: %v", id, err),
		Err:      err,
	}
}
