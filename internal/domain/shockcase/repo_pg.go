package shockcase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type repoPG struct {
	pool  *pgxpool.Pool
	codec sectionCodec
}

// NewPGRepository returns a Postgres-backed Repository. The schema lives in
// migrations/. A nil sealer stores section payloads unencrypted.
func NewPGRepository(pool *pgxpool.Pool, sealer Sealer) Repository {
	return &repoPG{pool: pool, codec: sectionCodec{sealer: sealer}}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const caseCols = `tracking_token, status, shock_type, scai_stage, peak_scai_stage, admission_scai,
	age_decade, sex, sections, created_at, updated_at, version`

func (r *repoPG) scanCase(row pgx.Row) (*Case, error) {
	var (
		c   Case
		raw []byte
	)
	err := row.Scan(&c.TT, &c.Status, &c.ShockType, &c.SCAIStage, &c.PeakSCAIStage, &c.AdmissionSCAIStage,
		&c.AgeDecade, &c.Sex, &raw, &c.CreatedAt, &c.UpdatedAt, &c.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan case: %w", err)
	}
	if c.Sections, err = r.codec.decode(raw); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) GetCase(ctx context.Context, tt TrackingToken) (*Case, error) {
	return r.scanCase(r.pool.QueryRow(ctx, `SELECT `+caseCols+` FROM shock_case WHERE tracking_token = $1`, string(tt)))
}

func (r *repoPG) lockCase(ctx context.Context, q querier, tt TrackingToken) (*Case, error) {
	return r.scanCase(q.QueryRow(ctx,
		`SELECT `+caseCols+` FROM shock_case WHERE tracking_token = $1 FOR UPDATE`, string(tt)))
}

func (r *repoPG) PutCase(ctx context.Context, c *Case) error {
	return r.upsertCase(ctx, r.pool, c)
}

func (r *repoPG) upsertCase(ctx context.Context, q querier, c *Case) error {
	raw, err := r.codec.encode(c.Sections)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO shock_case (`+caseCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tracking_token) DO UPDATE SET
			status = EXCLUDED.status,
			scai_stage = EXCLUDED.scai_stage,
			peak_scai_stage = EXCLUDED.peak_scai_stage,
			admission_scai = EXCLUDED.admission_scai,
			sections = EXCLUDED.sections,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version`,
		string(c.TT), string(c.Status), string(c.ShockType), string(c.SCAIStage), string(c.PeakSCAIStage),
		string(c.AdmissionSCAIStage), c.AgeDecade, string(c.Sex), raw,
		c.CreatedAt, c.UpdatedAt, c.Version)
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	return nil
}

func (r *repoPG) UpdateCase(ctx context.Context, tt TrackingToken, mutate func(*Case) error) (*Case, error) {
	var out *Case
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		c, err := r.lockCase(ctx, tx, tt)
		if err != nil {
			return err
		}
		if err := mutate(c); err != nil {
			return err
		}
		if err := r.upsertCase(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) DeleteCase(ctx context.Context, tt TrackingToken, guard func(*Case) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		c, err := r.lockCase(ctx, tx, tt)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(c); err != nil {
				return err
			}
		}
		return deleteCasePG(ctx, tx, tt)
	})
}

func deleteCasePG(ctx context.Context, q querier, tt TrackingToken) error {
	tag, err := q.Exec(ctx, `DELETE FROM shock_case WHERE tracking_token = $1`, string(tt))
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) GetArchive(ctx context.Context, id RegistryID) (*ArchiveRecord, error) {
	var (
		aid string
		raw []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT archive_id::text, record FROM registry_archive WHERE registry_id = $1`, string(id)).Scan(&aid, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get archive: %w", err)
	}
	var rec ArchiveRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	rec.ArchiveID = ArchiveID(aid)
	return &rec, nil
}

func (r *repoPG) PutArchive(ctx context.Context, rec *ArchiveRecord) error {
	return insertArchivePG(ctx, r.pool, rec)
}

func insertArchivePG(ctx context.Context, q querier, rec *ArchiveRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO registry_archive (registry_id, archive_id, outcome_status, archived_at, record)
		VALUES ($1, $2::text::uuid, $3, $4, $5)`,
		string(rec.RegistryID), string(rec.ArchiveID), string(rec.OutcomeStatus), rec.ArchivedAt, raw)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert archive: %w", err)
	}
	return nil
}

func (r *repoPG) AtomicReplace(ctx context.Context, tt TrackingToken, build func(*Case) (*ArchiveRecord, error)) (*ArchiveRecord, error) {
	var out *ArchiveRecord
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		c, err := r.lockCase(ctx, tx, tt)
		if err != nil {
			return err
		}
		rec, err := build(c)
		if err != nil {
			return err
		}
		if err := insertArchivePG(ctx, tx, rec); err != nil {
			return err
		}
		if err := deleteCasePG(ctx, tx, tt); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) ListCases(ctx context.Context, status Status, limit, offset int) ([]*Case, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM shock_case WHERE $1 = '' OR status = $1`, string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cases: %w", err)
	}

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.pool.Query(ctx, `SELECT `+caseCols+` FROM shock_case
		WHERE $1 = '' OR status = $1
		ORDER BY created_at, tracking_token
		LIMIT $2 OFFSET $3`, string(status), lim, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	out := []*Case{}
	for rows.Next() {
		c, err := r.scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate cases: %w", err)
	}
	return out, total, nil
}
