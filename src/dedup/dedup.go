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

// Package dedup finds an existing task that can answer a request for a
// package identity, so the same package is not analyzed twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"analysisqueue/src/model"
	"analysisqueue/src/store"
)

type MatchKind int

const (
	MatchNone MatchKind = iota
	// MatchCompleted is a finished task whose report can be reused verbatim.
	MatchCompleted
	// MatchActive is an in-flight task the caller can attach to.
	MatchActive
)

func (k MatchKind) String() string {
	switch k {
	case MatchCompleted:
		return "completed"
	case MatchActive:
		return "active"
	default:
		return "none"
	}
}

type Match struct {
	Task *model.Task
	Kind MatchKind
}

func (m Match) Found() bool { return m.Kind != MatchNone && m.Task != nil }

type Finder struct {
	Store        store.Store
	ActiveWindow time.Duration
	RaceWindow   time.Duration
	Now          func() time.Time
}

func New(s store.Store, activeWindow, raceWindow time.Duration) *Finder {
	return &Finder{Store: s, ActiveWindow: activeWindow, RaceWindow: raceWindow, Now: time.Now}
}

func (f *Finder) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// FindReusable prefers the most recent completed task with a report, then
// the most recent active task created inside the active window.
func (f *Finder) FindReusable(ctx context.Context, id model.Identity) (Match, error) {
	completed, err := f.Store.FindCompleted(ctx, id, 0)
	if err != nil {
		return Match{}, fmt.Errorf("find completed task for %s: %w", id.Key(), err)
	}
	if completed != nil {
		return Match{Task: completed, Kind: MatchCompleted}, nil
	}

	active, err := f.Store.FindActive(ctx, id, f.now().Add(-f.ActiveWindow))
	if err != nil {
		return Match{}, fmt.Errorf("find active task for %s: %w", id.Key(), err)
	}
	if active != nil {
		return Match{Task: active, Kind: MatchActive}, nil
	}
	return Match{}, nil
}

// CompletedFor looks for another finished task that a queued task can copy
// its result from instead of running.
func (f *Finder) CompletedFor(ctx context.Context, t *model.Task) (*model.Task, error) {
	completed, err := f.Store.FindCompleted(ctx, t.Identity(), t.ID)
	if err != nil {
		return nil, fmt.Errorf("find completed task for %s: %w", t.Identity().Key(), err)
	}
	return completed, nil
}

// RecentlyCreated closes the window between two near-simultaneous requests
// for the same identity: an active task created inside RaceWindow is
// returned. Failed tasks are never reused.
func (f *Finder) RecentlyCreated(ctx context.Context, id model.Identity) (*model.Task, error) {
	recent, err := f.Store.FindRecent(ctx, id, f.now().Add(-f.RaceWindow))
	if err != nil {
		return nil, fmt.Errorf("find recent task for %s: %w", id.Key(), err)
	}
	return recent, nil
}
