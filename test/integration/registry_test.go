//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/domain/shockcase"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/db"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/phi"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/migrations"
)

func newPGService(t *testing.T, opts ...shockcase.Option) *shockcase.Service {
	t.Helper()
	resetTables(t)
	return shockcase.NewService(shockcase.NewPGRepository(globalPool, nil), opts...)
}

func createDischarged(t *testing.T, svc *shockcase.Service) shockcase.TrackingToken {
	t.Helper()
	ctx := context.Background()
	tt, err := svc.Create(ctx, shockcase.CreateRequest{
		ShockType: shockcase.ShockCardiogenic,
		SCAIStage: shockcase.SCAIC,
		AgeDecade: 60,
		Sex:       shockcase.SexMale,
	})
	require.NoError(t, err)
	for _, s := range []shockcase.Status{shockcase.StatusApproved, shockcase.StatusAdmitted, shockcase.StatusDischarged} {
		_, err := svc.Transition(ctx, tt, s)
		require.NoError(t, err)
	}
	require.NoError(t, svc.SetOutcome(ctx, tt, shockcase.Outcome{Status: shockcase.OutcomeSurvivedICU}))
	return tt
}

func TestMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := db.NewMigrator(globalPool, migrations.FS)

	applied, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, s := range status {
		assert.True(t, s.Applied, s.Name)
	}
}

func TestLifecycle_Postgres(t *testing.T) {
	svc := newPGService(t)
	ctx := context.Background()

	tt, err := svc.Create(ctx, shockcase.CreateRequest{
		ShockType: shockcase.ShockSeptic,
		SCAIStage: shockcase.SCAIB,
		AgeDecade: 70,
		Sex:       shockcase.SexFemale,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Update(ctx, tt, shockcase.History{Fields: shockcase.Fields{"diabetes": true}}, nil))
	err = svc.Update(ctx, tt, shockcase.DailyEntry{Day: 1}, nil)
	assert.True(t, errors.Is(err, shockcase.ErrSectionNotVisible))

	for _, s := range []shockcase.Status{shockcase.StatusApproved, shockcase.StatusAdmitted} {
		_, err := svc.Transition(ctx, tt, s)
		require.NoError(t, err)
	}
	scai := shockcase.SCAID
	require.NoError(t, svc.Update(ctx, tt, shockcase.DailyEntry{Day: 1}, &scai))
	require.NoError(t, svc.Update(ctx, tt, shockcase.MCSEntry{Device: "impella"}, nil))

	_, err = svc.Transition(ctx, tt, shockcase.StatusDischarged)
	require.NoError(t, err)
	require.NoError(t, svc.SetOutcome(ctx, tt, shockcase.Outcome{Status: shockcase.OutcomeDiedHospital}))

	rid, aid, err := svc.CloseAndArchive(ctx, tt)
	require.NoError(t, err)
	assert.NotEmpty(t, aid)

	rec, err := svc.Lookup(ctx, strings.ToLower(string(rid)))
	require.NoError(t, err)
	assert.Equal(t, shockcase.OutcomeDiedHospital, rec.OutcomeStatus)
	assert.Equal(t, shockcase.SCAID, rec.SCAIStageWorst)
	assert.Equal(t, shockcase.SCAIB, rec.SCAIStageAdmission)
	assert.Equal(t, 1, rec.AggregatedData.DailyEntryCount)
	assert.Equal(t, []string{"impella"}, rec.AggregatedData.MCSDevices)

	_, err = svc.GetCase(ctx, tt)
	assert.True(t, errors.Is(err, shockcase.ErrNotFound))
	_, err = svc.Lookup(ctx, string(tt))
	assert.True(t, errors.Is(err, shockcase.ErrNotFound))
}

func TestArchive_StoresNoTrackingToken(t *testing.T) {
	svc := newPGService(t)
	ctx := context.Background()
	tt := createDischarged(t, svc)

	_, _, err := svc.CloseAndArchive(ctx, tt)
	require.NoError(t, err)

	var hits int
	err = globalPool.QueryRow(ctx,
		`SELECT count(*) FROM registry_archive WHERE record::text LIKE '%' || $1 || '%'`, string(tt)).Scan(&hits)
	require.NoError(t, err)
	assert.Zero(t, hits)
}

func TestArchive_RowsAreImmutable(t *testing.T) {
	svc := newPGService(t)
	ctx := context.Background()
	rid, _, err := svc.CloseAndArchive(ctx, createDischarged(t, svc))
	require.NoError(t, err)

	_, err = globalPool.Exec(ctx, `UPDATE registry_archive SET outcome_status = 'died_icu' WHERE registry_id = $1`, string(rid))
	assert.ErrorContains(t, err, "immutable")

	_, err = globalPool.Exec(ctx, `DELETE FROM registry_archive WHERE registry_id = $1`, string(rid))
	assert.ErrorContains(t, err, "immutable")
}

func TestConcurrentAppends_Postgres(t *testing.T) {
	svc := newPGService(t)
	ctx := context.Background()
	tt, err := svc.Create(ctx, shockcase.CreateRequest{
		ShockType: shockcase.ShockMixed, SCAIStage: shockcase.SCAIA, AgeDecade: 40, Sex: shockcase.SexOther,
	})
	require.NoError(t, err)
	for _, s := range []shockcase.Status{shockcase.StatusApproved, shockcase.StatusAdmitted} {
		_, err := svc.Transition(ctx, tt, s)
		require.NoError(t, err)
	}

	const writers = 20
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		day := i + 1
		g.Go(func() error { return svc.Update(ctx, tt, shockcase.DailyEntry{Day: day}, nil) })
	}
	require.NoError(t, g.Wait())

	view, err := svc.GetCase(ctx, tt)
	require.NoError(t, err)
	assert.Len(t, view.Sections.DailyEntries, writers)
	assert.Equal(t, int64(writers+2), view.Version)
}

func TestConcurrentClose_Postgres(t *testing.T) {
	svc := newPGService(t)
	ctx := context.Background()
	tt := createDischarged(t, svc)

	var (
		g  errgroup.Group
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			_, _, err := svc.CloseAndArchive(ctx, tt)
			switch {
			case err == nil:
				mu.Lock()
				ok++
				mu.Unlock()
			case !errors.Is(err, shockcase.ErrNotFound):
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, ok)

	var archived int
	require.NoError(t, globalPool.QueryRow(ctx, `SELECT count(*) FROM registry_archive`).Scan(&archived))
	assert.Equal(t, 1, archived)
}

func TestSealedSections_Postgres(t *testing.T) {
	resetTables(t)
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	enc, err := phi.NewEncryptor(key)
	require.NoError(t, err)

	svc := shockcase.NewService(shockcase.NewPGRepository(globalPool, enc))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tt, err := svc.Create(ctx, shockcase.CreateRequest{
		ShockType: shockcase.ShockCardiogenic, SCAIStage: shockcase.SCAIC, AgeDecade: 50, Sex: shockcase.SexMale,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Update(ctx, tt, shockcase.History{Fields: shockcase.Fields{"note": "sensitive-marker"}}, nil))

	var raw []byte
	require.NoError(t, globalPool.QueryRow(ctx,
		`SELECT sections FROM shock_case WHERE tracking_token = $1`, string(tt)).Scan(&raw))
	assert.NotContains(t, string(raw), "sensitive-marker")

	view, err := svc.GetCase(ctx, tt)
	require.NoError(t, err)
	require.NotNil(t, view.Sections.History)
	assert.Equal(t, "sensitive-marker", view.Sections.History.Fields["note"])
}
