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

// Package processor admits analysis requests and dispatches them, one at a
// time, to the configured execution backend.
//
// All dispatch decisions are made by the goroutine running Scheduler.Run. It
// alone owns the sandbox slot; everything else (admission, the reconciler,
// the timeout monitor, the completion callback) writes through the store and
// then calls Kick.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"analysisqueue/src/backend"
	"analysisqueue/src/dedup"
	"analysisqueue/src/logging"
	"analysisqueue/src/model"
	"analysisqueue/src/store"
)

type Options struct {
	ID                    string
	BaseURL               string
	DefaultTimeoutMinutes int
	PollingInterval       time.Duration
	Retry                 RetryPolicy
	// RecoverOrphans fails tasks left running by a previous process. Only
	// safe for the Local backend, whose runs die with the process.
	RecoverOrphans bool
	// Wake triggers a dispatch pass on every receive, e.g. store.Listen.
	Wake <-chan struct{}
}

type Scheduler struct {
	store    store.Store
	finder   *dedup.Finder
	executor backend.Executor
	cluster  backend.Cluster
	opts     Options
	stats    *Stats
	now      func() time.Time

	admitMu sync.Mutex
	kick    chan struct{}
	events  chan any
	running atomic.Bool

	// Owned by the Run goroutine.
	slot       int64
	cancelExec context.CancelFunc
	blocked    map[int64]*contention
	retryTimer *time.Timer
}

type contention struct {
	attempts int
	next     time.Time
}

type execResult struct {
	taskID  int64
	attempt int
	outcome backend.Outcome
	err     error
}

type execRetry struct {
	taskID  int64
	attempt int
}

// New builds a scheduler. A nil executor yields one that can admit and
// finalize tasks but not Run.
func New(st store.Store, finder *dedup.Finder, executor backend.Executor, opts Options) *Scheduler {
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 5 * time.Second
	}
	if opts.DefaultTimeoutMinutes <= 0 {
		opts.DefaultTimeoutMinutes = 30
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	backendName := "none"
	if executor != nil {
		backendName = executor.Name()
	}
	return &Scheduler{
		store:    st,
		finder:   finder,
		executor: executor,
		opts:     opts,
		stats:    NewStats(opts.ID, backendName),
		now:      time.Now,
		kick:     make(chan struct{}, 1),
		events:   make(chan any, 16),
		blocked:  make(map[int64]*contention),
	}
}

// WithCluster attaches the cluster backend used to fetch results for
// completion callbacks and reconciliation.
func (s *Scheduler) WithCluster(c backend.Cluster) *Scheduler {
	s.cluster = c
	return s
}

// SetClock replaces the scheduler's and the dedup finder's time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
	s.finder.Now = now
}

func (s *Scheduler) Stats() StatusResponse { return s.stats.Snapshot() }

// Kick asks the dispatch loop to look at the queue again. It never blocks.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run is the dispatch loop. It returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.executor == nil {
		return errors.New("scheduler has no executor")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler is already running")
	}
	defer s.running.Store(false)
	defer s.stopTimers()

	s.recover(ctx)

	ticker := time.NewTicker(s.opts.PollingInterval)
	defer ticker.Stop()
	wake := s.opts.Wake

	logging.Log(fmt.Sprintf("Scheduler %s started with %s backend", s.opts.ID, s.executor.Name()), slog.LevelInfo)
	s.processNext(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.Log("Scheduler stopping", slog.LevelInfo)
			return nil
		case <-s.kick:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ticker.C:
			s.heartbeat(ctx)
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
		s.processNext(ctx)
	}
}

func (s *Scheduler) stopTimers() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	if s.cancelExec != nil {
		s.cancelExec()
		s.cancelExec = nil
	}
}

// recover adopts a task that already holds the slot when the loop starts.
func (s *Scheduler) recover(ctx context.Context) {
	active, err := s.store.List(ctx, store.Filter{Statuses: model.SlotStatuses})
	if err != nil {
		logging.Log(fmt.Sprintf("Error loading active tasks: %v", err), slog.LevelError)
		return
	}
	for _, t := range active {
		if t.Status == model.TaskRunning && s.opts.RecoverOrphans {
			logging.Task(ctx, slog.LevelWarn, "Failing task orphaned by a previous run", t.ID)
			s.Fail(ctx, t.ID, model.NewTaskError(model.ErrUnknown,
				"scheduler restarted while the sandbox was running", map[string]any{"started_at": t.StartedAt}))
			continue
		}
		if s.slot == 0 {
			s.slot = t.ID
			s.stats.setCurrent(t)
			logging.Task(ctx, slog.LevelInfo, "Adopted task holding the sandbox slot", t.ID, slog.String("status", string(t.Status)))
		}
	}
}

func (s *Scheduler) send(ctx context.Context, ev any) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Scheduler) wakeAfter(d time.Duration) {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(d, s.Kick)
}

func (s *Scheduler) storeFailure(ctx context.Context, err error) {
	logging.Log(fmt.Sprintf("Task store error: %v", err), slog.LevelError)
	logging.Count(ctx, logging.MetricStoreFailures, 1)
	s.stats.add(ctx, statDelta{databaseFailures: 1})
}
