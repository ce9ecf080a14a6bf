// Package sqlite persists revocations and task events in SQLite through the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/eugener/courier/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// Store implements storage.Store. Writes go through a single connection so
// SQLite never sees competing writers; reads use a separate pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens dsn (a file path or ":memory:"), applies pending migrations, and
// returns the store.
func New(dsn string) (*Store, error) {
	source := connString(dsn)

	write, err := openPool(source, 1)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	read, err := openPool(source, max(4, runtime.NumCPU()))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}

	s := &Store{write: write, read: read}
	if err := s.migrate(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// connString builds the driver DSN. In-memory databases use a shared cache
// so both pools see the same data.
func connString(dsn string) string {
	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}
	query := strings.Join(params, "&")
	if dsn == ":memory:" {
		return "file::memory:?mode=memory&cache=shared&" + query
	}
	return "file:" + dsn + "?" + query
}

func openPool(source string, conns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conns)
	return db, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.write, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

// Timestamps are stored as fixed-width UTC strings so that lexical and
// chronological order agree in range queries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Ping checks that the read pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close releases both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
