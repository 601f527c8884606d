// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// BreakerState names the circuit breaker states as they appear on the ops
// surface (JSON snapshots and CLI output).
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerOpen     BreakerState = "open"
)

// CircuitBreakerMetrics is a point-in-time snapshot of one dependency's
// breaker. One instance exists per external dependency for the life of the
// process; counters only reset on explicit ops action.
type CircuitBreakerMetrics struct {
	Dependency          string       `json:"dependency"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalRequests       uint64       `json:"total_requests"`
	TotalFailures       uint64       `json:"total_failures"`
	TotalTimeouts       uint64       `json:"total_timeouts"`
	TotalRejections     uint64       `json:"total_rejections"`
	LastFailureTime     time.Time    `json:"last_failure_time,omitzero"`
}
