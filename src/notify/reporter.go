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

// Package notify reports the end of a cluster analysis job back to the
// scheduler's completion callback.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"analysisqueue/src/logging"
)

// ErrRejected marks a response that retrying cannot fix.
var ErrRejected = errors.New("callback rejected")

type Reporter struct {
	TaskID      string
	URL         string
	Token       string
	MaxAttempts int
	InitialWait time.Duration
	Client      *http.Client
}

// NewReporter returns a reporter with the default policy: 10 attempts,
// waiting 2s, 4s, 8s... between them.
func NewReporter(taskID, url, token string) *Reporter {
	return &Reporter{
		TaskID:      taskID,
		URL:         url,
		Token:       token,
		MaxAttempts: 10,
		InitialWait: 2 * time.Second,
		Client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type payload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// ReportDone posts the final status. 5xx, 429 and transport errors are
// retried with exponential backoff; other 4xx responses are not. A reporter
// without a task id does nothing.
func (r *Reporter) ReportDone(ctx context.Context, status string) error {
	if r.TaskID == "" {
		logging.Logger().DebugContext(ctx, "No task id provided, skipping completion report")
		return nil
	}
	body, err := json.Marshal(payload{TaskID: r.TaskID, Status: status})
	if err != nil {
		return fmt.Errorf("marshal completion report: %w", err)
	}

	for i := 0; i < r.MaxAttempts; i++ {
		err := r.send(ctx, body)
		if err == nil {
			logging.Logger().InfoContext(ctx, "Completion reported", slog.String("task_id", r.TaskID), slog.String("status", status))
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if i == r.MaxAttempts-1 {
			break
		}

		wait := r.InitialWait * time.Duration(1<<i)
		logging.Logger().WarnContext(ctx, "Completion report failed, retrying",
			slog.Int("attempt", i+1), slog.Any("error", err), slog.Duration("next_retry_in", wait))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("completion report for task %s failed after %d attempts", r.TaskID, r.MaxAttempts)
}

func (r *Reporter) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.Token)

	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("callback returned retryable status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}
