// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package strategy

import (
	"errors"
	"fmt"
)

// ErrStrategyFailure is the root of the recoverable failure taxonomy.
// The orchestrator records a sample as failed and moves on when a
// solve error wraps it; any other error aborts the run.
var ErrStrategyFailure = errors.New("strategy failure")

var (
	// ErrExceededRetries means a retry loop exhausted its budget
	// without producing the required artifact.
	ErrExceededRetries = fmt.Errorf("%w: exceeded retries", ErrStrategyFailure)

	// ErrParsing means no answer could be extracted from the model.
	ErrParsing = fmt.Errorf("%w: parsing", ErrStrategyFailure)

	// ErrTie means a vote aggregation had no unique winner.
	ErrTie = fmt.Errorf("%w: tie", ErrStrategyFailure)

	// ErrAmbiguousFormalization means a formalization step could not
	// uniquely convert the problem.
	ErrAmbiguousFormalization = fmt.Errorf("%w: ambiguous formalization", ErrStrategyFailure)
)

// failf wraps a taxonomy sentinel with call-site context.
func failf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
