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

import "time"

// Decision is what a failed or blocked dispatch attempt should do next.
type Decision struct {
	Retry bool
	Delay time.Duration
}

func RetryAfter(d time.Duration) Decision { return Decision{Retry: true, Delay: d} }

func Terminal() Decision { return Decision{} }

// RetryPolicy covers the two retry paths of the dispatcher: a fixed delay
// while another task holds the sandbox slot, and exponential backoff when
// the execution backend itself fails.
type RetryPolicy struct {
	ContentionDelay      time.Duration
	MaxContentionRetries int
	BackoffBase          time.Duration
	MaxExecutionRetries  int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ContentionDelay:      30 * time.Second,
		MaxContentionRetries: 120,
		BackoffBase:          60 * time.Second,
		MaxExecutionRetries:  1,
	}
}

// Contention is consulted each time the head of the queue finds the slot
// taken. attempt counts the retries already spent.
func (p RetryPolicy) Contention(attempt int) Decision {
	if attempt >= p.MaxContentionRetries {
		return Terminal()
	}
	return RetryAfter(p.ContentionDelay)
}

// Backoff is consulted after an execution error: base * 2^attempt.
func (p RetryPolicy) Backoff(attempt int) Decision {
	if attempt >= p.MaxExecutionRetries {
		return Terminal()
	}
	return RetryAfter(p.BackoffBase * time.Duration(1<<attempt))
}
