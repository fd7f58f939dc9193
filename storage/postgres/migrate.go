package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // database/sql driver used by the migration runner

	"github.com/selfrevolutions/subgate/pkg/billing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations. Safe to call on every start;
// an up-to-date schema is a no-op.
func Migrate(connectionString string, logger billing.Logger) error {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return fmt.Errorf("migrations: open database: %w", err)
	}
	defer db.Close()

	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	before, _, verr := m.Version()
	switch {
	case errors.Is(verr, migrate.ErrNilVersion):
		logger.Info("No schema version found; migrating a fresh database")
	case verr != nil:
		return fmt.Errorf("migrations: read version: %w", verr)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("Schema is up to date", billing.Field{Key: "version", Value: before})
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	after, _, _ := m.Version()
	logger.Info("Schema migrated",
		billing.Field{Key: "from_version", Value: before},
		billing.Field{Key: "to_version", Value: after},
	)
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init: %w", err)
	}
	return m, nil
}
