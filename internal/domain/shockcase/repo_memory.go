package shockcase

import (
	"context"
	"sort"
	"sync"
)

const numCaseShards = 128

// MemoryRepository keeps cases and archive records in process memory.
// Per-token serialization comes from a fixed set of sharded mutexes; the
// maps themselves sit behind a single RWMutex.
type MemoryRepository struct {
	shards [numCaseShards]sync.Mutex

	mu         sync.RWMutex
	cases      map[TrackingToken]*Case
	archives   map[RegistryID]*ArchiveRecord
	archiveIDs map[ArchiveID]struct{}

	// afterArchiveWrite runs between the archive insert and the case
	// delete inside AtomicReplace. Tests use it to inject faults.
	afterArchiveWrite func() error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		cases:      make(map[TrackingToken]*Case),
		archives:   make(map[RegistryID]*ArchiveRecord),
		archiveIDs: make(map[ArchiveID]struct{}),
	}
}

func (r *MemoryRepository) lock(ctx context.Context, tt TrackingToken) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &r.shards[hashToken(tt)%numCaseShards]
	m.Lock()
	if err := ctx.Err(); err != nil {
		m.Unlock()
		return nil, err
	}
	return m.Unlock, nil
}

// hashToken is FNV-1a.
func hashToken(tt TrackingToken) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(tt); i++ {
		h ^= uint32(tt[i])
		h *= fnvPrime
	}
	return h
}

func (r *MemoryRepository) GetCase(ctx context.Context, tt TrackingToken) (*Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cases[tt]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryRepository) PutCase(ctx context.Context, c *Case) error {
	unlock, err := r.lock(ctx, c.TT)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	r.cases[c.TT] = c.Clone()
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) UpdateCase(ctx context.Context, tt TrackingToken, mutate func(*Case) error) (*Case, error) {
	unlock, err := r.lock(ctx, tt)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r.mu.RLock()
	current, ok := r.cases[tt]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cases[tt] = next
	r.mu.Unlock()
	return next.Clone(), nil
}

func (r *MemoryRepository) DeleteCase(ctx context.Context, tt TrackingToken, guard func(*Case) error) error {
	unlock, err := r.lock(ctx, tt)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.RLock()
	current, ok := r.cases[tt]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if guard != nil {
		if err := guard(current.Clone()); err != nil {
			return err
		}
	}

	r.mu.Lock()
	delete(r.cases, tt)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) GetArchive(ctx context.Context, id RegistryID) (*ArchiveRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.archives[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) PutArchive(ctx context.Context, rec *ArchiveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertArchiveLocked(rec)
}

func (r *MemoryRepository) insertArchiveLocked(rec *ArchiveRecord) error {
	if _, ok := r.archives[rec.RegistryID]; ok {
		return ErrDuplicate
	}
	if _, ok := r.archiveIDs[rec.ArchiveID]; ok {
		return ErrDuplicate
	}
	r.archives[rec.RegistryID] = rec.Clone()
	r.archiveIDs[rec.ArchiveID] = struct{}{}
	return nil
}

func (r *MemoryRepository) AtomicReplace(ctx context.Context, tt TrackingToken, build func(*Case) (*ArchiveRecord, error)) (*ArchiveRecord, error) {
	unlock, err := r.lock(ctx, tt)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r.mu.RLock()
	current, ok := r.cases[tt]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	rec, err := build(current.Clone())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.insertArchiveLocked(rec); err != nil {
		return nil, err
	}
	if r.afterArchiveWrite != nil {
		if err := r.afterArchiveWrite(); err != nil {
			delete(r.archives, rec.RegistryID)
			delete(r.archiveIDs, rec.ArchiveID)
			return nil, err
		}
	}
	delete(r.cases, tt)
	return rec.Clone(), nil
}

func (r *MemoryRepository) ListCases(ctx context.Context, status Status, limit, offset int) ([]*Case, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	r.mu.RLock()
	var matched []*Case
	for _, c := range r.cases {
		if status == "" || c.Status == status {
			matched = append(matched, c.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].TT < matched[j].TT
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*Case{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}
