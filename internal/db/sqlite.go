package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Row is one persisted cache entry of the Pictures table.
type Row struct {
	Key        string
	URL        string
	LifeSpan   int
	Path       string
	RemoteDate int64
	LastAccess int64
}

// DB represents the database connection.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	driver, err := sqlite.WithInstance(d.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	// m.Close would also close d.db, which is shared with the driver.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Upsert inserts or replaces a single row.
func (d *DB) Upsert(ctx context.Context, r Row) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO Pictures (UUID, SRC_URL, TYPE, PATH, REMOTE_DATE, DATE) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Key, r.URL, r.LifeSpan, r.Path, r.RemoteDate, r.LastAccess)
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", r.Key, err)
	}
	return nil
}

// Delete removes the row stored under key. Missing rows are not an error.
func (d *DB) Delete(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM Pictures WHERE UUID = ?", key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Clear removes every row.
func (d *DB) Clear(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM Pictures"); err != nil {
		return fmt.Errorf("failed to clear pictures: %w", err)
	}
	return nil
}

// LoadAll returns every persisted row.
func (d *DB) LoadAll(ctx context.Context) ([]Row, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT UUID, SRC_URL, TYPE, COALESCE(PATH, ''), REMOTE_DATE, DATE FROM Pictures`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pictures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Key, &r.URL, &r.LifeSpan, &r.Path, &r.RemoteDate, &r.LastAccess); err != nil {
			return nil, fmt.Errorf("failed to scan picture row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read picture rows: %w", err)
	}
	return out, nil
}
