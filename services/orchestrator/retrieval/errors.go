// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"errors"
	"fmt"
)

// RetrievalError reports a failed retrieval attempt against one of the
// corpus backends.
//
// StatusCode is set when the failure was a non-200 HTTP response, zero
// otherwise. Retryable marks failures worth another attempt (transport
// errors, 429, 5xx); permanent failures such as a 400 are not retried.
type RetrievalError struct {
	Op         string // "vector_search" or "web_search"
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *RetrievalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// IsRetrievalError reports whether err is or wraps a RetrievalError.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}
