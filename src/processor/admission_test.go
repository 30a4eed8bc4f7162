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
	"sync"
	"testing"
	"time"

	"analysisqueue/src/backend"
	"analysisqueue/src/dedup"
	"analysisqueue/src/model"
)

func TestSubmitRejectsInvalidIdentity(t *testing.T) {
	st := newTestStore(t)
	s := newScheduler(st, backend.NewLocalExecutor(&stubLocal{}), testOptions())

	_, err := s.Submit(context.Background(), Request{Identity: model.Identity{Name: "orphan"}})
	if !errors.Is(err, model.ErrInvalidPurl) {
		t.Fatalf("error = %v, want ErrInvalidPurl", err)
	}
}

func TestSubmitAppliesDefaultTimeout(t *testing.T) {
	st := newTestStore(t)
	opts := testOptions()
	opts.DefaultTimeoutMinutes = 45
	s := newScheduler(st, backend.NewLocalExecutor(&stubLocal{}), opts)

	res := submit(t, s, "pkg:npm/a@1.0.0", 0)
	if res.Task.TimeoutMinutes != 45 {
		t.Fatalf("timeout = %d, want 45", res.Task.TimeoutMinutes)
	}

	id, _ := model.ParseIdentity("pkg:npm/b@1.0.0")
	custom, err := s.Submit(context.Background(), Request{Identity: id, TimeoutMinutes: 5, APIKey: "key-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if custom.Task.TimeoutMinutes != 5 || custom.Task.APIKey != "key-1" {
		t.Fatalf("task = %+v", custom.Task)
	}
}

func TestConcurrentSubmitsCreateOneTask(t *testing.T) {
	st := newTestStore(t)
	s := newScheduler(st, backend.NewLocalExecutor(&stubLocal{}), testOptions())
	id, _ := model.ParseIdentity("pkg:npm/popular@2.0.0")

	const n = 8
	results := make([]SubmitResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Submit(context.Background(), Request{Identity: id})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if results[i].Outcome == Created {
			created++
		}
		if results[i].Task.ID != results[0].Task.ID {
			t.Fatalf("submit %d got task %d, want %d", i, results[i].Task.ID, results[0].Task.ID)
		}
	}
	if created != 1 {
		t.Fatalf("%d submits created a task, want 1", created)
	}
}

func TestSubmitReportsQueueErrorWhenStoreFails(t *testing.T) {
	st := newTestStore(t)
	s := newScheduler(st, backend.NewLocalExecutor(&stubLocal{}), testOptions())
	id, _ := model.ParseIdentity("pkg:npm/a@1.0.0")

	if _, err := st.DB().Exec(`DROP TABLE tasks`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	_, err := s.Submit(context.Background(), Request{Identity: id})
	if got := model.CategoryOf(err); got != model.ErrQueue {
		t.Fatalf("category = %s (err %v), want %s", got, err, model.ErrQueue)
	}
	if stats := s.Stats(); stats.DatabaseFailures != 1 {
		t.Fatalf("database failures = %d, want 1", stats.DatabaseFailures)
	}
}

func TestResubmitAfterFailureCreatesNewTask(t *testing.T) {
	st := newTestStore(t)
	s := New(st, dedup.New(st, 24*time.Hour, time.Minute), backend.NewLocalExecutor(&stubLocal{}), testOptions())
	ctx := context.Background()

	first := submit(t, s, "pkg:npm/flaky@1.0.0", 0)
	if _, err := s.Fail(ctx, first.Task.ID, model.NewTaskError(model.ErrUnknown, "sandbox crashed", nil)); err != nil {
		t.Fatalf("fail: %v", err)
	}

	again := submit(t, s, "pkg:npm/flaky@1.0.0", 0)
	if again.Outcome != Created {
		t.Fatalf("outcome = %s, want %s", again.Outcome, Created)
	}
	if again.Task.ID == first.Task.ID || again.Task.Status != model.TaskQueued {
		t.Fatalf("resubmit returned task %d (%s), want a new queued task", again.Task.ID, again.Task.Status)
	}
}
