// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package partner

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrUnavailable indicates the partner service could not be
	// reached, or did not answer in time. Callers may retry; check
	// paths degrade to safe defaults instead.
	ErrUnavailable = errors.ConstError("partner service unavailable")

	// ErrMissingSecret indicates the signing secret is not configured.
	// An unsigned call would be rejected by the partner anyway, so the
	// call fails before any request is sent.
	ErrMissingSecret = errors.ConstError("signing secret not configured")
)

// RejectedError is returned when the partner answered but refused the
// call with a non-success result code. The partner's own message text is
// preserved for the user.
type RejectedError struct {
	Code    int
	Message string
}

// Error implements error.
func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("partner rejected request (result %d)", e.Code)
	}
	return fmt.Sprintf("partner rejected request: %s", e.Message)
}

// IsRejected reports whether err is a partner rejection.
func IsRejected(err error) bool {
	_, ok := errors.Cause(err).(*RejectedError)
	return ok
}
