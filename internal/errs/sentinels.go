// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a guarded status transition failed because the
	// record was not in any of the expected states. Callers re-read and
	// decide; this is not a crash condition.
	ErrConflict = errors.New("status conflict")

	// ErrQuotaExceeded indicates a repository or file exceeds the configured
	// limit. Non-retryable; recorded as the sync failure reason.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvariant indicates a caller bug (duplicate branch name, unknown
	// default email). Rejected loudly, never silently repaired.
	ErrInvariant = errors.New("invariant violation")

	// ErrConfiguration indicates an unusable policy configuration, e.g.
	// timed expiration without an expiry instant.
	ErrConfiguration = errors.New("configuration error")

	// ErrSourceGone indicates the external source no longer reports the
	// entity (deleted or access permanently revoked). Not retryable.
	ErrSourceGone = errors.New("source gone")

	// ErrSourceUnavailable indicates a transient source failure (network,
	// rate limit, 5xx). Retryable within the configured bound.
	ErrSourceUnavailable = errors.New("source unavailable")
)
