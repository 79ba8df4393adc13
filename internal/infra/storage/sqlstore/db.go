package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers "postgres"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers "sqlite"

	"github.com/vietddude/txtracker/internal/metrics"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds SQL connection configuration.
type Config struct {
	Driver   string `yaml:"driver"` // pgx, postgres, sqlite
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// dialect maps a configured driver to the sql driver name, the sqlx bind
// type name and the goose dialect.
func dialect(driver string) (sqlDriver, bindName, gooseDialect string, err error) {
	switch driver {
	case "pgx":
		return "pgx", "pgx", "postgres", nil
	case "postgres":
		return "postgres", "postgres", "postgres", nil
	case "sqlite", "":
		return "sqlite", "sqlite3", "sqlite3", nil
	default:
		return "", "", "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// DB wraps the SQL connection.
type DB struct {
	*sqlx.DB
}

// NewDB opens the database, checks connectivity and applies migrations.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	sqlDriver, bindName, gooseDialect, err := dialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	raw, err := sql.Open(sqlDriver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if sqlDriver == "sqlite" {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY.
		raw.SetMaxOpenConns(1)
	} else {
		if cfg.MaxConns > 0 {
			raw.SetMaxOpenConns(cfg.MaxConns)
		} else {
			raw.SetMaxOpenConns(10)
		}
		if cfg.MinConns > 0 {
			raw.SetMaxIdleConns(cfg.MinConns)
		} else {
			raw.SetMaxIdleConns(2)
		}
		raw.SetConnMaxLifetime(time.Hour)
		raw.SetConnMaxIdleTime(30 * time.Minute)
	}

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, raw, gooseDialect); err != nil {
		_ = raw.Close()
		return nil, err
	}

	return &DB{DB: sqlx.NewDb(raw, bindName)}, nil
}

func migrate(ctx context.Context, db *sql.DB, gooseDialect string) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}

// StartMetricsCollector starts a background goroutine to collect DB metrics.
func (db *DB) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				// MaxOpenConnections is 0 when unlimited.
				if stats.MaxOpenConnections > 0 {
					usage := float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100
					metrics.DBConnectionPoolUsage.Set(usage)
				}
			}
		}
	}()
}

// Health checks if the database is healthy.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
