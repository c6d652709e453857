package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"budgetflow/internal/log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsTable keeps the ledger's schema version apart from any other
// tool sharing the database file.
const MigrationsTable = "ledger_schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateLogger forwards golang-migrate progress to the ledger logger.
type migrateLogger struct {
	logger *log.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), log.FieldOperation, log.OpMigrate)
}

func (l migrateLogger) Verbose() bool { return false }

// migrateSchema brings the ledger at dbPath to the latest schema version on a
// dedicated connection. A dirty schema is reported instead of migrated.
func migrateSchema(dbPath string, logger *log.Logger) error {
	migrateDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer migrateDB.Close()

	driver, err := sqlite.WithInstance(migrateDB, &sqlite.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()
	m.Log = migrateLogger{logger: logger}

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return fmt.Errorf("read ledger schema version: %w", err)
	case dirty:
		return fmt.Errorf("ledger schema version %d is dirty: fix %s by hand", from, MigrationsTable)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("Ledger schema up to date", log.FieldOperation, log.OpMigrate, "version", from)
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	to, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read ledger schema version: %w", err)
	}
	logger.Info("Ledger schema migrated",
		log.FieldOperation, log.OpMigrate,
		"from_version", from,
		"to_version", to)
	return nil
}
