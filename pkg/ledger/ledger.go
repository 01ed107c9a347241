// Package ledger keeps a history of sweeps, trials and aggregations in
// sqlite or postgres.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DataFileName = "ledger.db"

	driverSqlite   = "sqlite"
	driverPostgres = "postgres"
)

var (
	//go:embed sql
	migrations embed.FS

	ErrNotInitialized = errors.New("ledger not initialized")
)

// Store is an open ledger.
type Store struct {
	db     *sql.DB
	driver string
}

// DriverFor picks the database driver for dsn. Postgres URLs use lib/pq,
// anything else is treated as a sqlite file path.
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres
	}
	return driverSqlite
}

// Redact masks the password of a postgres DSN for display. Sqlite paths and
// unparsable values are returned as is.
func Redact(dsn string) string {
	if DriverFor(dsn) != driverPostgres {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "postgres://***"
	}
	return u.Redacted()
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("ledger dsn not specified")
	}

	driver := DriverFor(dsn)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s ledger: %w", driver, err)
	}
	if driver == driverSqlite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver is the database driver in use.
func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	dir := path.Join("sql", s.driver)
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		version, err := strconv.Atoi(strings.SplitN(e.Name(), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration name %s: %w", e.Name(), err)
		}
		if version <= current {
			continue
		}

		b, err := migrations.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", e.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(b)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_version (version) VALUES (?)`), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
		slog.Debug("applied ledger migration", "driver", s.driver, "version", version)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != driverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) check() error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	return nil
}

// Reset deletes every recorded sweep, trial and aggregation. The schema is
// kept.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting reset: %w", err)
	}
	for _, table := range []string{"trial", "sweep", "aggregation"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			tx.Rollback()
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing reset: %w", err)
	}
	return nil
}
