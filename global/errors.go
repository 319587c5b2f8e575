/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError carries every problem found while validating a write.
// The write it guards is never partially applied.
type ValidationError struct {
	Subject  string   `json:"subject"`
	Problems []string `json:"problems"`
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid %s: %s", e.Subject, e.Problems[0])
	}
	return fmt.Sprintf("invalid %s:\n  - %s", e.Subject, strings.Join(e.Problems, "\n  - "))
}

// NewValidationError returns nil when there are no problems
func NewValidationError(subject string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Subject: subject, Problems: problems}
}

// IsValidationError extracts a ValidationError from an error chain
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}
