package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq" // Postgres driver
	sqlite "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrations embed.FS

type SQLStore struct {
	db         *sql.DB
	driverName string
	dsn        string
}

// New opens the database, applies pending migrations and returns a store.
// driverName is "sqlite3" or "postgres". Postgres DSNs must be URLs
// (postgres://...) so the migrator can reuse them.
func New(driverName, dataSourceName string) (*SQLStore, error) {
	return Open(driverName, dataSourceName, true)
}

// Open is New with migrations optional, for deployments that migrate
// out of band.
func Open(driverName, dataSourceName string, runMigrations bool) (*SQLStore, error) {
	if driverName == "sqlite3" {
		dataSourceName = sqliteDSN(dataSourceName)
	}
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// One writer keeps :memory: databases shared and sqlite writes serialized.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName, dsn: dataSourceName}
	if !runMigrations {
		return s, nil
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
}

func (s *SQLStore) migrate() error {
	src, err := iofs.New(migrations, "migrations/"+s.driverName)
	if err != nil {
		return err
	}

	var m *migrate.Migrate
	switch s.driverName {
	case "sqlite3":
		driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
		if err != nil {
			src.Close()
			return err
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite3", driver)
		if err != nil {
			src.Close()
			return err
		}
		// m.Close would close s.db along with the driver.
		defer src.Close()
	case "postgres":
		m, err = migrate.NewWithSourceInstance("iofs", src, s.dsn)
		if err != nil {
			src.Close()
			return err
		}
		defer m.Close()
	default:
		src.Close()
		return fmt.Errorf("unsupported driver %q", s.driverName)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
