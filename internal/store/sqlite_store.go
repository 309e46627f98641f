package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/cwbudde/welltestfit/internal/fit"
)

var (
	_ Store  = (*SQLiteStore)(nil)
	_ Tracer = (*SQLiteStore)(nil)
	_ Store  = (*FSStore)(nil)
	_ Tracer = (*FSStore)(nil)
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps checkpoints and traces in a single SQLite database. Checkpoint
// payloads are zstd-compressed JSON; the list columns are stored alongside for cheap
// listing.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies pending migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer at a time; modernc serializes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrateUp runs the embedded migrations. The migrate instance is not closed because that
// would close the shared *sql.DB.
func (s *SQLiteStore) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	slog.Debug("migrate: " + fmt.Sprintf(format, v...))
}

func (migrateLogger) Verbose() bool {
	return false
}

// SaveCheckpoint inserts or replaces the checkpoint row for fitID.
func (s *SQLiteStore) SaveCheckpoint(fitID string, checkpoint *Checkpoint) error {
	if fitID == "" {
		return fmt.Errorf("fitID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	payload := compress(data)

	_, err = s.db.Exec(`INSERT OR REPLACE INTO checkpoints
		(fit_id, model_type, best_mse, iteration, points, reason, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fitID, string(checkpoint.Session.Model), checkpoint.BestMSE, checkpoint.Iteration,
		checkpoint.Session.Series.Len(), string(checkpoint.Reason), checkpoint.Timestamp.UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Debug("Checkpoint saved", "fitID", fitID, "raw_bytes", len(data), "stored_bytes", len(payload))
	return nil
}

// LoadCheckpoint reads and decompresses the checkpoint for fitID.
func (s *SQLiteStore) LoadCheckpoint(fitID string) (*Checkpoint, error) {
	if fitID == "" {
		return nil, fmt.Errorf("fitID cannot be empty")
	}

	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM checkpoints WHERE fit_id = ?`, fitID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{FitID: fitID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	data, err := decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress checkpoint: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// ListCheckpoints returns checkpoint metadata, newest first, without touching payloads.
func (s *SQLiteStore) ListCheckpoints() ([]CheckpointInfo, error) {
	rows, err := s.db.Query(`SELECT fit_id, model_type, best_mse, iteration, points, reason, created_at
		FROM checkpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	infos := []CheckpointInfo{}
	for rows.Next() {
		var (
			info    CheckpointInfo
			model   string
			reason  string
			created int64
		)
		if err := rows.Scan(&info.FitID, &model, &info.BestMSE, &info.Iteration, &info.Points, &reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		info.Model = fit.ModelType(model)
		info.Reason = fit.Termination(reason)
		info.Timestamp = time.Unix(0, created)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return infos, nil
}

// DeleteCheckpoint removes the checkpoint and its trace rows.
func (s *SQLiteStore) DeleteCheckpoint(fitID string) error {
	if fitID == "" {
		return fmt.Errorf("fitID cannot be empty")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM checkpoints WHERE fit_id = ?`, fitID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{FitID: fitID}
	}
	if _, err := tx.Exec(`DELETE FROM trace_entries WHERE fit_id = ?`, fitID); err != nil {
		return fmt.Errorf("failed to delete trace: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// OpenTrace implements Tracer. Without append, earlier entries of fitID are discarded.
func (s *SQLiteStore) OpenTrace(fitID string, append bool) (TraceSink, error) {
	if !append {
		if _, err := s.db.Exec(`DELETE FROM trace_entries WHERE fit_id = ?`, fitID); err != nil {
			return nil, fmt.Errorf("failed to reset trace: %w", err)
		}
	}
	var next int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq) + 1, 0) FROM trace_entries WHERE fit_id = ?`, fitID).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to read trace position: %w", err)
	}
	return &sqliteTrace{db: s.db, fitID: fitID, seq: next}, nil
}

// ReadTrace implements Tracer.
func (s *SQLiteStore) ReadTrace(fitID string) ([]TraceEntry, error) {
	rows, err := s.db.Query(`SELECT iteration, mse, lambda, created_at, params FROM trace_entries
		WHERE fit_id = ? ORDER BY seq`, fitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace: %w", err)
	}
	defer rows.Close()

	var entries []TraceEntry
	for rows.Next() {
		var (
			entry   TraceEntry
			created int64
			params  sql.NullString
		)
		if err := rows.Scan(&entry.Iteration, &entry.MSE, &entry.Lambda, &created, &params); err != nil {
			return nil, fmt.Errorf("failed to scan trace row: %w", err)
		}
		entry.Timestamp = time.Unix(0, created)
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &entry.Params); err != nil {
				return nil, fmt.Errorf("failed to decode trace params: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trace: %w", err)
	}
	if entries == nil {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM checkpoints WHERE fit_id = ?`, fitID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{FitID: fitID}
		}
	}
	return entries, nil
}

type sqliteTrace struct {
	mu    sync.Mutex
	db    *sql.DB
	fitID string
	seq   int64
}

func (t *sqliteTrace) Write(entry TraceEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var params sql.NullString
	if entry.Params != nil {
		data, err := json.Marshal(entry.Params)
		if err != nil {
			return fmt.Errorf("failed to marshal trace params: %w", err)
		}
		params = sql.NullString{String: string(data), Valid: true}
	}
	_, err := t.db.Exec(`INSERT INTO trace_entries (fit_id, seq, iteration, mse, lambda, created_at, params)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, t.fitID, t.seq, entry.Iteration, entry.MSE, entry.Lambda, entry.Timestamp.UnixNano(), params)
	if err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	t.seq++
	return nil
}

func (t *sqliteTrace) Close() error {
	return nil
}
