package db

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations applies all pending migrations embedded in the binary.
// Safe to call on every startup; applied versions are skipped.
//
// A dirty state left by a crashed run is forced back one version so the
// failed migration is retried.
func RunMigrations(dbURL string) error {
	log := logger.GetLogger()

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, convertToPgx5URL(dbURL))
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info("Empty schema, applying all migrations")
	case err != nil:
		return fmt.Errorf("failed to read migration version: %w", err)
	case dirty:
		log.Warnw("Dirty migration state detected, resetting to retry", "dirtyVersion", version)
		if err := m.Force(int(version) - 1); err != nil {
			return fmt.Errorf("failed to reset dirty migration: %w", err)
		}
	default:
		log.Infow("Current migration version", "version", version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("Database is up to date, no migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	if version, _, err := m.Version(); err == nil {
		log.Infow("Migrations applied successfully", "currentVersion", version)
	}
	return nil
}

// convertToPgx5URL rewrites postgres:// URLs to the pgx5:// scheme golang-migrate expects.
func convertToPgx5URL(dbURL string) string {
	for _, prefix := range []string{"postgresql:", "postgres:"} {
		if strings.HasPrefix(dbURL, prefix) {
			return "pgx5:" + strings.TrimPrefix(dbURL, prefix)
		}
	}
	return dbURL
}
