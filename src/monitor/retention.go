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

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"analysisqueue/src/logging"
	"analysisqueue/src/store"
)

// Retention deletes finished tasks older than Days. Reports are kept.
type Retention struct {
	Store    store.Store
	Days     int
	Interval time.Duration
	Now      func() time.Time
}

func NewRetention(st store.Store, days int, interval time.Duration) *Retention {
	return &Retention{Store: st, Days: days, Interval: interval, Now: time.Now}
}

func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				logging.Log(fmt.Sprintf("Retention sweep failed: %v", err), slog.LevelError)
			}
		}
	}
}

func (r *Retention) Sweep(ctx context.Context) (int64, error) {
	if r.Days <= 0 {
		return 0, nil
	}
	cutoff := r.Now().Add(-time.Duration(r.Days) * 24 * time.Hour)
	deleted, err := r.Store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete tasks finished before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if deleted > 0 {
		logging.Log(fmt.Sprintf("Retention sweep deleted %d tasks finished before %s", deleted, cutoff.Format(time.RFC3339)), slog.LevelInfo)
	}
	return deleted, nil
}
