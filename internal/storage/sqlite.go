package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLite keeps every blob in a single table of a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Blobs = (*SQLite)(nil)

func NewSQLite(dbPath string) (*SQLite, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.WithField("path", dbPath).Info("sqlite storage initialized")
	return &SQLite{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (kind, id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Read(ctx context.Context, kind Kind, id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM blobs WHERE kind = ? AND id = ?",
		string(kind), id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %s/%s", kind, id)
	}
	return data, nil
}

// Write is a single upsert statement, which SQLite applies atomically.
func (s *SQLite) Write(ctx context.Context, kind Kind, id string, data []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (kind, id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(kind, id) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, string(kind), id, data)
	if err != nil {
		return errors.WithMessagef(err, "writing %s/%s", kind, id)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, kind Kind, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE kind = ? AND id = ?", string(kind), id)
	if err != nil {
		return errors.WithMessagef(err, "removing %s/%s", kind, id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, kind Kind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM blobs WHERE kind = ? ORDER BY id ASC", string(kind))
	if err != nil {
		return nil, errors.WithMessagef(err, "listing %s", kind)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
