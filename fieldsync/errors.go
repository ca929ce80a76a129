// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for the failure taxonomy. Callers classify with errors.Is;
// remote call failures additionally wrap the underlying transport error.
var (
	// ErrNotFound is returned by the local store when an entity does not
	// exist in the requested collection.
	ErrNotFound = errors.New("entity not found")

	// ErrStorageUnavailable means device-local persistence failed (quota
	// exceeded, database locked beyond the busy timeout, read-only
	// filesystem). Callers must degrade to online-only behavior, not crash.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrNetwork is a transient transport failure or timeout. Retried with
	// bounded exponential backoff.
	ErrNetwork = errors.New("network error")

	// ErrValidationRejected means the server rejected the payload as
	// invalid. Replaying the same payload cannot succeed, so it is never
	// retried automatically.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrAuthRequired means the mutation cannot proceed without valid
	// credentials. Held as Failed until re-authentication.
	ErrAuthRequired = errors.New("authentication required")
)

// VersionConflictError reports that the server's stored version of an entity
// differs from the base version a mutation was made against. It is routed to
// the conflict resolver, not treated as a failure.
type VersionConflictError struct {
	EntityID      string
	ServerVersion int64
	ServerRow     map[string]any
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: server at version %d", e.EntityID, e.ServerVersion)
}

// ClassifyFailure maps a remote call error to the fail class that decides
// retry behavior. Version conflicts never reach this path.
func ClassifyFailure(err error) FailClass {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return FailAuth
	case errors.Is(err, ErrValidationRejected):
		return FailValidation
	default:
		return FailNetwork
	}
}

// wrapTransportError folds raw transport failures (dial errors, timeouts,
// canceled contexts) into ErrNetwork so the reconciler sees a single
// retryable class.
func wrapTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: request timed out: %w", ErrNetwork, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
