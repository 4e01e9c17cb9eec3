// Package sqlite keeps a copy of every saved snapshot in a SQLite table, one
// row per entity kind.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Mirror stores snapshot payloads by bucket (the entity kind).
type Mirror struct {
	db   *sql.DB
	path string
}

// Row is one mirrored snapshot.
type Row struct {
	Bucket   string
	Payload  []byte
	Checksum uint64
	SavedAt  time.Time
}

// Open creates or opens the mirror database at path.
func Open(path string) (*Mirror, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty mirror path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		checksum INTEGER NOT NULL,
		saved_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &Mirror{db: db, path: path}, nil
}

func (m *Mirror) Path() string { return m.path }

// Put upserts the payload for bucket.
func (m *Mirror) Put(ctx context.Context, bucket string, payload []byte) error {
	_, err := m.db.ExecContext(ctx, `INSERT INTO snapshots(bucket, payload, checksum, saved_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload, checksum=excluded.checksum, saved_at=excluded.saved_at`,
		bucket, payload, int64(xxhash.Sum64(payload)), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", bucket, err)
	}
	return nil
}

// Get returns the last payload stored for bucket.
func (m *Mirror) Get(ctx context.Context, bucket string) (Row, bool, error) {
	var (
		row      Row
		checksum int64
		savedAt  string
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT bucket, payload, checksum, saved_at FROM snapshots WHERE bucket = ?`, bucket).
		Scan(&row.Bucket, &row.Payload, &checksum, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("select %s: %w", bucket, err)
	}
	row.Checksum = uint64(checksum)
	if row.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return Row{}, false, fmt.Errorf("parse saved_at: %w", err)
	}
	if xxhash.Sum64(row.Payload) != row.Checksum {
		return Row{}, false, fmt.Errorf("bucket %s: checksum mismatch", bucket)
	}
	return row, true, nil
}

// Buckets lists the mirrored kinds.
func (m *Mirror) Buckets(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT bucket FROM snapshots ORDER BY bucket`)
	if err != nil {
		return nil, fmt.Errorf("select buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (m *Mirror) Close() error {
	return m.db.Close()
}
