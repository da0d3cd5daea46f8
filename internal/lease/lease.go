// Package lease provides per-repository mutual exclusion for sync passes.
package lease

import "context"

// Manager hands out exclusive leases keyed by one repository identity. A
// lease is held for the duration of a sync pass and must be released on all
// exit paths, including failure.
type Manager interface {
	// Acquire tries to take the lease for (source, externalID) without
	// blocking. On success it returns a release func and ok=true; if another
	// holder has the lease it returns ok=false.
	Acquire(ctx context.Context, source, externalID string) (release func(), ok bool, err error)
}
