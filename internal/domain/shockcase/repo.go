package shockcase

import "context"

// Repository is the storage contract of the lifecycle. Implementations
// return ErrNotFound for missing records and must serialize UpdateCase,
// DeleteCase and AtomicReplace calls that target the same token.
type Repository interface {
	GetCase(ctx context.Context, tt TrackingToken) (*Case, error)
	PutCase(ctx context.Context, c *Case) error

	// UpdateCase loads the case under its lock, runs mutate on a private
	// copy and persists the copy if mutate succeeds.
	UpdateCase(ctx context.Context, tt TrackingToken, mutate func(*Case) error) (*Case, error)

	// DeleteCase removes the case. A non-nil guard runs under the case's
	// lock and aborts the delete by returning an error.
	DeleteCase(ctx context.Context, tt TrackingToken, guard func(*Case) error) error

	GetArchive(ctx context.Context, id RegistryID) (*ArchiveRecord, error)
	PutArchive(ctx context.Context, rec *ArchiveRecord) error

	// AtomicReplace locks the case, asks build for the archive record and
	// then, as one unit, inserts the record, deletes the case and indexes
	// the record by Registry ID. A duplicate identifier yields ErrDuplicate.
	// On any error nothing is applied.
	AtomicReplace(ctx context.Context, tt TrackingToken, build func(*Case) (*ArchiveRecord, error)) (*ArchiveRecord, error)

	// ListCases pages through active cases in creation order. An empty
	// status matches all.
	ListCases(ctx context.Context, status Status, limit, offset int) ([]*Case, int, error)
}
