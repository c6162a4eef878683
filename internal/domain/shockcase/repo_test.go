package shockcase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
)

type xorSealer struct{}

func (xorSealer) EncryptBytes(b []byte) ([]byte, error) { return xor(b), nil }
func (xorSealer) DecryptBytes(b []byte) ([]byte, error) { return xor(b), nil }

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = v ^ 0x5a
	}
	return out
}

// RepositorySuite runs the storage contract against one implementation.
type RepositorySuite struct {
	suite.Suite
	newRepo func(t *testing.T) (Repository, func(hook func() error))

	repo    Repository
	setHook func(hook func() error)
	ctx     context.Context
}

func (s *RepositorySuite) SetupTest() {
	s.repo, s.setHook = s.newRepo(s.T())
	s.ctx = context.Background()
}

func TestMemoryRepository(t *testing.T) {
	suite.Run(t, &RepositorySuite{newRepo: func(*testing.T) (Repository, func(func() error)) {
		r := NewMemoryRepository()
		return r, func(h func() error) { r.afterArchiveWrite = h }
	}})
}

func TestSQLiteRepository(t *testing.T) {
	suite.Run(t, &RepositorySuite{newRepo: func(t *testing.T) (Repository, func(func() error)) {
		r, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "registry.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		return r, func(h func() error) { r.afterArchiveWrite = h }
	}})
}

func TestSQLiteRepository_Sealed(t *testing.T) {
	suite.Run(t, &RepositorySuite{newRepo: func(t *testing.T) (Repository, func(func() error)) {
		r, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sealed.db"), xorSealer{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		return r, func(h func() error) { r.afterArchiveWrite = h }
	}})
}

func TestSQLiteRepository_UniqueViolation(t *testing.T) {
	r, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "unique.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	insert := func(rid, aid string) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO registry_archive (registry_id, archive_id, outcome_status, archived_at, record)
			VALUES (?, ?, 'died_icu', 0, x'7b7d')`, rid, aid)
		return err
	}
	require.NoError(t, insert("NSN-AAAA-AAAA-AAAA", "a1"))

	err = insert("NSN-AAAA-AAAA-AAAA", "a2")
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err), "primary key: %v", err)

	err = insert("NSN-BBBB-BBBB-BBBB", "a1")
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err), "unique archive id: %v", err)

	_, err = r.db.ExecContext(ctx, `INSERT INTO registry_archive (registry_id) VALUES ('NSN-CCCC-CCCC-CCCC')`)
	require.Error(t, err)
	assert.False(t, isUniqueViolation(err), "not null: %v", err)

	assert.False(t, isUniqueViolation(errors.New("UNIQUE constraint failed: registry_archive.registry_id")))
	assert.False(t, isUniqueViolation(nil))
}

var repoSeq int

func newTestCase(status Status) *Case {
	repoSeq++
	at := time.Date(2026, 3, 1, 0, 0, repoSeq, 0, time.UTC)
	c := &Case{
		TT:            TrackingToken(fmt.Sprintf("00000000-0000-4000-8000-%012d", repoSeq)),
		Status:        status,
		ShockType:     ShockCardiogenic,
		SCAIStage:     SCAIC,
		PeakSCAIStage: SCAIC,
		AgeDecade:     60,
		Sex:           SexFemale,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	c.Sections.Merge(History{Fields: Fields{"prior_mi": true}}, at)
	return c
}

func testArchive(rid RegistryID, aid ArchiveID) *ArchiveRecord {
	return &ArchiveRecord{
		RegistryID:    rid,
		ArchiveID:     aid,
		ShockType:     ShockCardiogenic,
		AgeDecade:     60,
		Sex:           SexFemale,
		OutcomeStatus: OutcomeSurvivedICU,
		ArchivedAt:    time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	}
}

func (s *RepositorySuite) TestPutGetRoundTrip() {
	c := newTestCase(StatusPending)
	s.Require().NoError(s.repo.PutCase(s.ctx, c))

	got, err := s.repo.GetCase(s.ctx, c.TT)
	s.Require().NoError(err)
	s.Equal(c.TT, got.TT)
	s.Equal(StatusPending, got.Status)
	s.Equal(SCAIC, got.PeakSCAIStage)
	s.True(c.CreatedAt.Equal(got.CreatedAt))
	s.Require().NotNil(got.Sections.History)
	s.Equal(true, got.Sections.History.Fields["prior_mi"])
}

func (s *RepositorySuite) TestGetMissing() {
	_, err := s.repo.GetCase(s.ctx, "missing")
	s.True(errors.Is(err, ErrNotFound))
	_, err = s.repo.GetArchive(s.ctx, "NSN-AAAA-AAAA-AAAA")
	s.True(errors.Is(err, ErrNotFound))
}

func (s *RepositorySuite) TestUpdateCase() {
	c := newTestCase(StatusPending)
	s.Require().NoError(s.repo.PutCase(s.ctx, c))

	_, err := s.repo.UpdateCase(s.ctx, c.TT, func(c *Case) error {
		c.Status = StatusApproved
		c.Version++
		return nil
	})
	s.Require().NoError(err)

	got, err := s.repo.GetCase(s.ctx, c.TT)
	s.Require().NoError(err)
	s.Equal(StatusApproved, got.Status)
	s.Equal(int64(1), got.Version)
}

func (s *RepositorySuite) TestUpdateCase_MutateErrorLeavesCaseUnchanged() {
	c := newTestCase(StatusPending)
	s.Require().NoError(s.repo.PutCase(s.ctx, c))

	boom := errors.New("boom")
	_, err := s.repo.UpdateCase(s.ctx, c.TT, func(c *Case) error {
		c.Status = StatusAdmitted
		return boom
	})
	s.ErrorIs(err, boom)

	got, err := s.repo.GetCase(s.ctx, c.TT)
	s.Require().NoError(err)
	s.Equal(StatusPending, got.Status)
}

func (s *RepositorySuite) TestUpdateCase_Missing() {
	_, err := s.repo.UpdateCase(s.ctx, "missing", func(*Case) error { return nil })
	s.True(errors.Is(err, ErrNotFound))
}

func (s *RepositorySuite) TestDeleteCase_Guard() {
	c := newTestCase(StatusAdmitted)
	s.Require().NoError(s.repo.PutCase(s.ctx, c))

	refuse := errors.New("not yet")
	s.ErrorIs(s.repo.DeleteCase(s.ctx, c.TT, func(*Case) error { return refuse }), refuse)
	_, err := s.repo.GetCase(s.ctx, c.TT)
	s.Require().NoError(err)

	s.Require().NoError(s.repo.DeleteCase(s.ctx, c.TT, nil))
	_, err = s.repo.GetCase(s.ctx, c.TT)
	s.True(errors.Is(err, ErrNotFound))
}

func (s *RepositorySuite) TestAtomicReplace() {
	c := newTestCase(StatusDischarged)
	s.Require().NoError(s.repo.PutCase(s.ctx, c))

	rec, err := s.repo.AtomicReplace(s.ctx, c.TT, func(got *Case) (*ArchiveRecord, error) {
		s.Equal(c.TT, got.TT)
		return testArchive("NSN-ABCD-EFGH-JKLM", "a1"), nil
	})
	s.Require().NoError(err)
	s.Equal(RegistryID("NSN-ABCD-EFGH-JKLM"), rec.RegistryID)

	_, err = s.repo.GetCase(s.ctx, c.TT)
	s.True(errors.Is(err, ErrNotFound))

	got, err := s.repo.GetArchive(s.ctx, "NSN-ABCD-EFGH-JKLM")
	s.Require().NoError(err)
	s.Equal(ArchiveID("a1"), got.ArchiveID)
	s.Equal(OutcomeSurvivedICU, got.OutcomeStatus)
}

func (s *RepositorySuite) TestAtomicReplace_BuildErrorAppliesNothing() {
	c := newTestCase(StatusAdmitted)
	s.Require().NoError(s.repo.PutCase(s.ctx, c))

	_, err := s.repo.AtomicReplace(s.ctx, c.TT, func(*Case) (*ArchiveRecord, error) {
		return nil, ErrInvalidState
	})
	s.True(errors.Is(err, ErrInvalidState))

	_, err = s.repo.GetCase(s.ctx, c.TT)
	s.NoError(err)
}

func (s *RepositorySuite) TestAtomicReplace_DuplicateRegistryIDRollsBack() {
	s.Require().NoError(s.repo.PutArchive(s.ctx, testArchive("NSN-ABCD-EFGH-JKLM", "a1")))

	c := newTestCase(StatusDischarged)
	s.Require().NoError(s.repo.PutCase(s.ctx, c))

	_, err := s.repo.AtomicReplace(s.ctx, c.TT, func(*Case) (*ArchiveRecord, error) {
		return testArchive("NSN-ABCD-EFGH-JKLM", "a2"), nil
	})
	s.ErrorIs(err, ErrDuplicate)

	got, err := s.repo.GetCase(s.ctx, c.TT)
	s.Require().NoError(err)
	s.Equal(StatusDischarged, got.Status)

	rec, err := s.repo.GetArchive(s.ctx, "NSN-ABCD-EFGH-JKLM")
	s.Require().NoError(err)
	s.Equal(ArchiveID("a1"), rec.ArchiveID)
}

func (s *RepositorySuite) TestAtomicReplace_DuplicateArchiveID() {
	s.Require().NoError(s.repo.PutArchive(s.ctx, testArchive("NSN-ABCD-EFGH-JKLM", "a1")))

	c := newTestCase(StatusDischarged)
	s.Require().NoError(s.repo.PutCase(s.ctx, c))

	_, err := s.repo.AtomicReplace(s.ctx, c.TT, func(*Case) (*ArchiveRecord, error) {
		return testArchive("NSN-ZZZZ-ZZZZ-ZZZZ", "a1"), nil
	})
	s.ErrorIs(err, ErrDuplicate)
	_, err = s.repo.GetArchive(s.ctx, "NSN-ZZZZ-ZZZZ-ZZZZ")
	s.True(errors.Is(err, ErrNotFound))
}

func (s *RepositorySuite) TestAtomicReplace_FaultAfterArchiveWrite() {
	c := newTestCase(StatusDischarged)
	s.Require().NoError(s.repo.PutCase(s.ctx, c))

	fault := errors.New("disk full")
	s.setHook(func() error { return fault })
	_, err := s.repo.AtomicReplace(s.ctx, c.TT, func(*Case) (*ArchiveRecord, error) {
		return testArchive("NSN-ABCD-EFGH-JKLM", "a1"), nil
	})
	s.ErrorIs(err, fault)

	// Neither half of the replace is visible.
	_, err = s.repo.GetCase(s.ctx, c.TT)
	s.NoError(err)
	_, err = s.repo.GetArchive(s.ctx, "NSN-ABCD-EFGH-JKLM")
	s.True(errors.Is(err, ErrNotFound))

	// The same identifiers are free for a retry.
	s.setHook(nil)
	_, err = s.repo.AtomicReplace(s.ctx, c.TT, func(*Case) (*ArchiveRecord, error) {
		return testArchive("NSN-ABCD-EFGH-JKLM", "a1"), nil
	})
	s.NoError(err)
}

func (s *RepositorySuite) TestListCases() {
	a := newTestCase(StatusPending)
	b := newTestCase(StatusAdmitted)
	c := newTestCase(StatusPending)
	for _, x := range []*Case{c, a, b} {
		s.Require().NoError(s.repo.PutCase(s.ctx, x))
	}

	all, total, err := s.repo.ListCases(s.ctx, "", 0, 0)
	s.Require().NoError(err)
	s.Equal(3, total)
	s.Require().Len(all, 3)
	s.Equal(a.TT, all[0].TT)
	s.Equal(c.TT, all[2].TT)

	pending, total, err := s.repo.ListCases(s.ctx, StatusPending, 1, 1)
	s.Require().NoError(err)
	s.Equal(2, total)
	s.Require().Len(pending, 1)
	s.Equal(c.TT, pending[0].TT)

	none, total, err := s.repo.ListCases(s.ctx, StatusDischarged, 10, 0)
	s.Require().NoError(err)
	s.Equal(0, total)
	s.Empty(none)
}

func (s *RepositorySuite) TestConcurrentUpdatesSerialize() {
	c := newTestCase(StatusAdmitted)
	s.Require().NoError(s.repo.PutCase(s.ctx, c))

	const writers = 20
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		day := i + 1
		g.Go(func() error {
			_, err := s.repo.UpdateCase(s.ctx, c.TT, func(c *Case) error {
				c.Sections.Merge(DailyEntry{Day: day}, time.Now())
				c.Version++
				return nil
			})
			return err
		})
	}
	s.Require().NoError(g.Wait())

	got, err := s.repo.GetCase(s.ctx, c.TT)
	s.Require().NoError(err)
	s.Len(got.Sections.DailyEntries, writers)
	s.Equal(int64(writers), got.Version)
}

func (s *RepositorySuite) TestCancelledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	err := s.repo.PutCase(ctx, newTestCase(StatusPending))
	s.Error(err)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	c := newTestCase(StatusPending)
	labs := map[string]any{"lactate": 4.2}
	c.Sections.History.Fields["labs"] = labs
	require.NoError(t, r.PutCase(ctx, c))
	labs["lactate"] = 0.0

	got, err := r.GetCase(ctx, c.TT)
	require.NoError(t, err)
	got.Status = StatusAdmitted
	got.Sections.History.Fields["prior_mi"] = false
	got.Sections.History.Fields["labs"].(map[string]any)["lactate"] = 1.0

	again, err := r.GetCase(ctx, c.TT)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
	assert.Equal(t, true, again.Sections.History.Fields["prior_mi"])
	assert.Equal(t, 4.2, again.Sections.History.Fields["labs"].(map[string]any)["lactate"])

	_, err = r.UpdateCase(ctx, c.TT, func(c *Case) error {
		c.Sections.History.Fields["labs"].(map[string]any)["lactate"] = 9.9
		return errors.New("abort")
	})
	require.Error(t, err)
	again, err = r.GetCase(ctx, c.TT)
	require.NoError(t, err)
	assert.Equal(t, 4.2, again.Sections.History.Fields["labs"].(map[string]any)["lactate"])
}
