package shockcase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS shock_case (
	tracking_token   TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	shock_type       TEXT NOT NULL,
	scai_stage       TEXT NOT NULL,
	peak_scai_stage  TEXT NOT NULL,
	admission_scai   TEXT NOT NULL DEFAULT '',
	age_decade       INTEGER NOT NULL,
	sex              TEXT NOT NULL,
	sections         BLOB NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	version          INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_shock_case_status ON shock_case (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS registry_archive (
	registry_id     TEXT PRIMARY KEY,
	archive_id      TEXT NOT NULL UNIQUE,
	outcome_status  TEXT NOT NULL,
	archived_at     INTEGER NOT NULL,
	record          BLOB NOT NULL
)`,
}

// SQLiteRepository stores cases in a single SQLite file. The pool is
// limited to one connection, so every transaction is serialized.
type SQLiteRepository struct {
	db    *sql.DB
	codec sectionCodec

	afterArchiveWrite func() error
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. A nil sealer stores section payloads unencrypted.
func OpenSQLite(ctx context.Context, path string, sealer Sealer) (*SQLiteRepository, error) {
	if path == "" {
		path = "registry.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLiteRepository{db: db, codec: sectionCodec{sealer: sealer}}, nil
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }

// PingContext reports whether the database file is reachable.
func (r *SQLiteRepository) PingContext(ctx context.Context) error { return r.db.PingContext(ctx) }

const sqliteCaseCols = `tracking_token, status, shock_type, scai_stage, peak_scai_stage, admission_scai,
	age_decade, sex, sections, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteRepository) scanCase(row rowScanner) (*Case, error) {
	var (
		c                Case
		raw              []byte
		created, updated int64
	)
	err := row.Scan(&c.TT, &c.Status, &c.ShockType, &c.SCAIStage, &c.PeakSCAIStage, &c.AdmissionSCAIStage,
		&c.AgeDecade, &c.Sex, &raw, &created, &updated, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan case: %w", err)
	}
	c.Sections, err = r.codec.decode(raw)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return &c, nil
}

func (r *SQLiteRepository) GetCase(ctx context.Context, tt TrackingToken) (*Case, error) {
	return r.scanCase(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteCaseCols+` FROM shock_case WHERE tracking_token = ?`, string(tt)))
}

func (r *SQLiteRepository) PutCase(ctx context.Context, c *Case) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.upsertCase(ctx, tx, c)
	})
}

func (r *SQLiteRepository) upsertCase(ctx context.Context, tx *sql.Tx, c *Case) error {
	raw, err := r.codec.encode(c.Sections)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shock_case (`+sqliteCaseCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tracking_token) DO UPDATE SET
			status = excluded.status,
			scai_stage = excluded.scai_stage,
			peak_scai_stage = excluded.peak_scai_stage,
			admission_scai = excluded.admission_scai,
			sections = excluded.sections,
			updated_at = excluded.updated_at,
			version = excluded.version`,
		string(c.TT), string(c.Status), string(c.ShockType), string(c.SCAIStage), string(c.PeakSCAIStage),
		string(c.AdmissionSCAIStage), c.AgeDecade, string(c.Sex), raw,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), c.Version)
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateCase(ctx context.Context, tt TrackingToken, mutate func(*Case) error) (*Case, error) {
	var out *Case
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		c, err := r.scanCase(tx.QueryRowContext(ctx,
			`SELECT `+sqliteCaseCols+` FROM shock_case WHERE tracking_token = ?`, string(tt)))
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

func (r *SQLiteRepository) DeleteCase(ctx context.Context, tt TrackingToken, guard func(*Case) error) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		c, err := r.scanCase(tx.QueryRowContext(ctx,
			`SELECT `+sqliteCaseCols+` FROM shock_case WHERE tracking_token = ?`, string(tt)))
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(c); err != nil {
				return err
			}
		}
		return deleteCaseTx(ctx, tx, tt)
	})
}

func deleteCaseTx(ctx context.Context, tx *sql.Tx, tt TrackingToken) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM shock_case WHERE tracking_token = ?`, string(tt))
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) GetArchive(ctx context.Context, id RegistryID) (*ArchiveRecord, error) {
	var (
		aid string
		raw []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT archive_id, record FROM registry_archive WHERE registry_id = ?`, string(id)).Scan(&aid, &raw)
	if errors.Is(err, sql.ErrNoRows) {
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

func (r *SQLiteRepository) PutArchive(ctx context.Context, rec *ArchiveRecord) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return insertArchiveTx(ctx, tx, rec)
	})
}

func insertArchiveTx(ctx context.Context, tx *sql.Tx, rec *ArchiveRecord) error {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registry_archive WHERE registry_id = ? OR archive_id = ?`,
		string(rec.RegistryID), string(rec.ArchiveID)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check archive identifiers: %w", err)
	}
	if exists > 0 {
		return ErrDuplicate
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO registry_archive (registry_id, archive_id, outcome_status, archived_at, record)
		VALUES (?, ?, ?, ?, ?)`,
		string(rec.RegistryID), string(rec.ArchiveID), string(rec.OutcomeStatus), rec.ArchivedAt.UnixNano(), raw)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert archive: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure. The driver enables extended result codes.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func (r *SQLiteRepository) AtomicReplace(ctx context.Context, tt TrackingToken, build func(*Case) (*ArchiveRecord, error)) (*ArchiveRecord, error) {
	var out *ArchiveRecord
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		c, err := r.scanCase(tx.QueryRowContext(ctx,
			`SELECT `+sqliteCaseCols+` FROM shock_case WHERE tracking_token = ?`, string(tt)))
		if err != nil {
			return err
		}
		rec, err := build(c)
		if err != nil {
			return err
		}
		if err := insertArchiveTx(ctx, tx, rec); err != nil {
			return err
		}
		if r.afterArchiveWrite != nil {
			if err := r.afterArchiveWrite(); err != nil {
				return err
			}
		}
		if err := deleteCaseTx(ctx, tx, tt); err != nil {
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

func (r *SQLiteRepository) ListCases(ctx context.Context, status Status, limit, offset int) ([]*Case, int, error) {
	where, args := "", []any{}
	if status != "" {
		where, args = " WHERE status = ?", append(args, string(status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shock_case`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cases: %w", err)
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteCaseCols+` FROM shock_case`+where+` ORDER BY created_at, tracking_token LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
