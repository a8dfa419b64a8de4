package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"

	"github.com/menta2k/firewatch/pkg/session"
	"github.com/menta2k/firewatch/pkg/types"
)

// CredentialKey is the fixed settings key the API key is stored under
const CredentialKey = "api_key"

//go:embed schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// DB persists the credential and the detection history in SQLite
type DB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
}

var (
	_ session.CredentialStore = (*DB)(nil)
	_ session.History         = (*DB)(nil)
)

// Open opens (creating if needed) the database at fname. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, fname string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", fname)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway and every
	// connection to ":memory:" would otherwise see its own database.
	sqldb.SetMaxOpenConns(1)
	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: sqldb, filepath: fname}, nil
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.db.Close()
}

// Path returns the file the database was opened from
func (db *DB) Path() string { return db.filepath }

// LoadCredential returns the stored API key, or "" when none is stored
func (db *DB) LoadCredential(ctx context.Context) (string, error) {
	var value string
	err := db.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, CredentialKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	return value, nil
}

func (db *DB) SaveCredential(ctx context.Context, key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		CredentialKey, key, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (db *DB) ClearCredential(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.db.ExecContext(ctx, `DELETE FROM settings WHERE key = $1`, CredentialKey); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// RecordRun appends a run to the history, assigning an ID and timestamp when
// they are missing
func (db *DB) RecordRun(ctx context.Context, run types.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	dets := run.Detections
	if dets == nil {
		dets = []types.Detection{}
	}
	blob, err := json.Marshal(dets)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO runs (id, image_name, mime_type, language, backend, model, detections, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.ImageName, run.MimeType, run.Language, run.Backend, run.Model, blob, run.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]types.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, image_name, mime_type, language, backend, model, detections, created_at
		FROM runs
		ORDER BY created_at DESC, rowid DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		var (
			run     types.Run
			blob    []byte
			created int64
		)
		if err := rows.Scan(&run.ID, &run.ImageName, &run.MimeType, &run.Language, &run.Backend, &run.Model, &blob, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(blob, &run.Detections); err != nil {
			return nil, fmt.Errorf("run %s: %w", run.ID, err)
		}
		run.CreatedAt = time.UnixMilli(created)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
