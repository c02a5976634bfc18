package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-pairing/core"
	pairingmigrations "github.com/goliatone/go-pairing/migrations"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "go-pairing" }

// Ledger bundles the persistence client with the session ledger built on it.
type Ledger struct {
	client *persistence.Client
	*SessionLedger
}

func (l *Ledger) DB() *bun.DB {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.DB()
}

func (l *Ledger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

// OpenLedger connects to the configured database, applies the embedded
// migrations for its dialect and returns a ready ledger.
func OpenLedger(ctx context.Context, cfg core.LedgerConfig) (*Ledger, error) {
	driver := strings.TrimSpace(strings.ToLower(cfg.Driver))
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: ledger dsn is required")
	}

	migrationDialect, err := pairingmigrations.DialectForDriver(driver)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: unsupported ledger driver %q", cfg.Driver)
	}
	var dialect schema.Dialect = pgdialect.New()
	if migrationDialect == pairingmigrations.DialectSQLite {
		driver = DriverSQLite
		dialect = sqlitedialect.New()
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(persistenceConfig{driver: driver, server: dsn, debug: cfg.Debug}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}

	_, err = pairingmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != migrationDialect {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, pairingmigrations.WithValidationTargets(migrationDialect))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}

	ledger, err := NewSessionLedger(client.DB())
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Ledger{client: client, SessionLedger: ledger}, nil
}
