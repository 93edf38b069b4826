// Package common defines shared constants and sentinel errors used across
// the pipeline roles. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// ErrClaimConflict is returned when a conditional status update affected
	// zero rows: another replica already claimed the row, or the message that
	// led here is a stale redelivery. Callers treat it as a no-op.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrSyncInFlight fences destructive admin actions while a source is
	// pending or syncing.
	ErrSyncInFlight = errors.New("sync in flight")

	// ErrSourceDisabled is returned when a trigger is requested for a
	// disabled source.
	ErrSourceDisabled = errors.New("source disabled")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")
)
