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

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"analysisqueue/src/logging"
)

// Listen subscribes to NotifyChannel and forwards every notification (and
// every reconnect, since notifications may have been missed) as a wake-up.
// The returned channel is closed when ctx is done.
func Listen(ctx context.Context, dsn string) (<-chan struct{}, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelError)
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer listener.Close()

		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Notify:
				// A nil notification signals a reconnect.
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-ping.C:
				go listener.Ping()
			}
		}
	}()
	return wake, nil
}
