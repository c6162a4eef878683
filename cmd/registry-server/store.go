package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/config"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/domain/shockcase"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/db"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/phi"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/migrations"
)

// store bundles the configured repository with what /health/db and
// shutdown need from it.
type store struct {
	driver string
	repo   shockcase.Repository
	ping   db.PingFunc
	pool   *pgxpool.Pool
	close  func()
}

func (s *store) Close() {
	if s.close != nil {
		s.close()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	var sealer shockcase.Sealer
	if cfg.PHIEncryptionKey != "" {
		enc, err := phi.NewEncryptorFromHex(cfg.PHIEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("phi encryptor: %w", err)
		}
		sealer = enc
	}

	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns:         cfg.DBMaxConns,
			MinConns:         cfg.DBMinConns,
			StatementTimeout: cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info().Int("applied", count).Msg("connected to postgres")
		return &store{
			driver: cfg.StorageDriver,
			repo:   shockcase.NewPGRepository(pool, sealer),
			ping:   pool.Ping,
			pool:   pool,
			close:  pool.Close,
		}, nil

	case config.StorageSQLite:
		repo, err := shockcase.OpenSQLite(ctx, cfg.SQLitePath, sealer)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &store{
			driver: cfg.StorageDriver,
			repo:   repo,
			ping:   repo.PingContext,
			close: func() {
				if err := repo.Close(); err != nil {
					logger.Error().Err(err).Msg("close sqlite")
				}
			},
		}, nil

	default:
		logger.Warn().Msg("using in-memory store; cases are lost on restart")
		return &store{
			driver: config.StorageMemory,
			repo:   shockcase.NewMemoryRepository(),
			ping:   func(context.Context) error { return nil },
		}, nil
	}
}
