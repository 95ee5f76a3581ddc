package db

import (
	"context"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // register postgres driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, errors.Annotate(err, "parse database url")
	}
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Annotate(err, "create pool")
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Annotate(err, "ping database")
	}

	return pool, nil
}

// RunMigrations applies the embedded schema. It is a no-op when the schema is current.
func RunMigrations(url string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errors.Annotate(err, "open embedded migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return errors.Annotate(err, "create migrator")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Annotate(err, "run migrations up")
	}
	return nil
}

// WithTransaction runs fn inside a database transaction, committing only if fn succeeds.
func WithTransaction(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Annotate(err, "begin tx")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Annotatef(err, "rollback failed (%v)", rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Annotate(err, "commit tx")
	}
	return nil
}
