// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Pipeline-local error kinds. Dependency-level errors (RetrievalError,
// CircuitOpenError, TimeoutError) live with the packages that raise them;
// the two kinds here are raised by pipeline stages themselves and are never
// fatal to a turn — both degrade into a default classification or a
// fail-open quality pass.
package pipeline

import (
	"errors"
	"fmt"
)

// ClassificationError records a failed or unparsable classification. The
// turn proceeds with default domain and intent; the error exists for logs
// and metrics only.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed, using defaults: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// IsClassificationError reports whether err is or wraps a
// ClassificationError.
func IsClassificationError(err error) bool {
	var ce *ClassificationError
	return errors.As(err, &ce)
}

// QualityGradeParseError records an unparsable grader response. Always
// handled fail-open; it never reaches callers of Invoke or Stream.
type QualityGradeParseError struct {
	// Raw holds a truncated snippet of the response that failed to parse,
	// for debugging grader prompt regressions.
	Raw string
	Err error
}

func (e *QualityGradeParseError) Error() string {
	return fmt.Sprintf("quality grade unparsable (fail-open): %v", e.Err)
}

func (e *QualityGradeParseError) Unwrap() error { return e.Err }

// IsQualityGradeParseError reports whether err is or wraps a
// QualityGradeParseError.
func IsQualityGradeParseError(err error) bool {
	var pe *QualityGradeParseError
	return errors.As(err, &pe)
}
