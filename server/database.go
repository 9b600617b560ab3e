package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DatabaseArchiver produces and applies backups of the application database.
type DatabaseArchiver interface {
	Snapshot(ctx context.Context) (io.ReadCloser, error)
	Replace(ctx context.Context, r io.Reader) error
}

// SQLiteDatabase archives the SQLite file shared with the business app.
type SQLiteDatabase struct {
	path string
}

// NewSQLiteDatabase constructs an archiver for the database at path.
func NewSQLiteDatabase(path string) *SQLiteDatabase {
	return &SQLiteDatabase{path: filepath.Clean(path)}
}

// Path returns the database file location.
func (d *SQLiteDatabase) Path() string {
	return d.path
}

// Snapshot writes a consistent copy of the database with VACUUM INTO and
// returns a reader over it. Closing the reader removes the copy.
func (d *SQLiteDatabase) Snapshot(ctx context.Context) (io.ReadCloser, error) {
	if _, err := os.Stat(d.path); err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".snapshot-*.db")
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	_ = os.Remove(tmpPath)

	db, err := sql.Open("sqlite", d.path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO "+quoteLiteral(tmpPath)); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot database: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	return &tempFile{File: f}, nil
}

// Replace swaps the database file for the contents of r after checking that
// they form a healthy SQLite database.
func (d *SQLiteDatabase) Replace(ctx context.Context, r io.Reader) error {
	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".restore-*.db")
	if err != nil {
		return fmt.Errorf("create restore file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write restore file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close restore file: %w", err)
	}

	if err := checkIntegrity(ctx, tmpPath); err != nil {
		cleanup()
		return err
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(d.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			cleanup()
			return fmt.Errorf("remove %s: %w", suffix, err)
		}
	}
	if err := os.Rename(tmpPath, d.path); err != nil {
		cleanup()
		return fmt.Errorf("replace database: %w", err)
	}
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored database: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("check restored database: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("restored database failed integrity check: %s", result)
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

type tempFile struct {
	*os.File
}

func (f *tempFile) Close() error {
	err := f.File.Close()
	_ = os.Remove(f.File.Name())
	return err
}
