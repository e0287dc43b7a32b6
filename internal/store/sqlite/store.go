// Package sqlite persists the alert log in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store is an append-only alert record table. Appending a tombstone purges
// every earlier record; appends past the retention limit purge the oldest.
type Store struct {
	db     *sql.DB
	keep   int
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(path string, keep int, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database only lives as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, keep: keep, logger: logger.With("component", "alert-store")}
	s.logger.Info("alert store opened", "path", path, "keep", keep)
	return s, nil
}

// Append inserts r, purging what the tombstone or the retention limit drops.
func (s *Store) Append(ctx context.Context, r domain.AlertRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if r.Tombstone() {
		res, err := tx.ExecContext(ctx, `DELETE FROM alert_records WHERE seq < ?`, r.Seq)
		if err != nil {
			return fmt.Errorf("purge alert records: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			s.logger.Info("alert records purged", "rows", n, "tombstone", r.Seq)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alert_records (seq, id, level, source, condition, subject, status, message, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Seq, r.ID, string(r.Level), string(r.Source), r.Condition, r.Subject,
		string(r.Status), r.Message, r.Score, r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert alert record %d: %w", r.Seq, err)
	}

	if s.keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM alert_records
			WHERE seq <= (SELECT MAX(seq) FROM alert_records) - ?`, s.keep); err != nil {
			return fmt.Errorf("trim alert records: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Recent returns up to n of the newest records, oldest first.
func (s *Store) Recent(ctx context.Context, n int) ([]domain.AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, level, source, condition, subject, status, message, score, created_at
		FROM alert_records ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query alert records: %w", err)
	}
	defer rows.Close()

	var records []domain.AlertRecord
	for rows.Next() {
		var (
			r                            domain.AlertRecord
			level, source, status, stamp string
		)
		if err := rows.Scan(&r.Seq, &r.ID, &level, &source, &r.Condition, &r.Subject, &status, &r.Message, &r.Score, &stamp); err != nil {
			return nil, fmt.Errorf("scan alert record: %w", err)
		}
		r.Level, r.Source, r.Status = domain.Level(level), domain.AlertSource(source), domain.AlertStatus(status)
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
			return nil, fmt.Errorf("alert record %d created_at: %w", r.Seq, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read alert records: %w", err)
	}
	slices.Reverse(records)
	return records, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count alert records: %w", err)
	}
	return n, nil
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
