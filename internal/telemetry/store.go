// Package telemetry persists run, episode and translation-chunk records to
// a SQLite file inside the series working tree. Telemetry is append-only
// diagnostics; it never gates pipeline correctness, so write failures are
// reported to the caller but safe to log-and-continue.
package telemetry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"episodedl/internal/translate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps the telemetry database. A single connection behind one mutex:
// episode workers and chunk workers write concurrently, and SQLite is
// happiest with serialized writers.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("telemetry db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// StartRun opens a run record and returns its id for the episode and chunk
// rows to reference.
func (s *Store) StartRun(runID, slug, selector string, cliArgs map[string]any, appVersion string) error {
	args, err := json.Marshal(cliArgs)
	if err != nil {
		return fmt.Errorf("marshal cli args: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO runs (run_id, slug, selector, cli_args, app_version, started_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, slug, selector, string(args), appVersion, now(), "running")
	return err
}

func (s *Store) EndRun(runID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE runs SET ended_at = ?, status = ? WHERE run_id = ?`,
		now(), status, runID)
	return err
}

func (s *Store) StartEpisode(runID, episodeID, baseName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO episodes (run_id, episode_id, base_name, started_at, ended_at, status, error)
		 VALUES (?, ?, ?, ?, NULL, ?, NULL)`,
		runID, episodeID, baseName, now(), "running")
	return err
}

func (s *Store) EndEpisode(runID, episodeID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE episodes SET ended_at = ?, status = ?, error = ? WHERE run_id = ? AND episode_id = ?`,
		now(), status, nullable(errMsg), runID, episodeID)
	return err
}

// RecordChunk implements translate.ChunkRecorder.
func (s *Store) RecordChunk(rec translate.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO translation_chunks (
			run_id, episode_id, track_type, chunk_name, model, chunk_size, input_items,
			started_at, ended_at, duration_ms, ok, exit_code, missing_ids, fallback_used,
			log_path, total_tokens
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.EpisodeID, rec.TrackType, rec.ChunkName, nullable(rec.Model),
		rec.ChunkSize, rec.InputItems,
		rec.StartedAt.Format(time.RFC3339Nano), rec.EndedAt.Format(time.RFC3339Nano),
		rec.DurationMS, boolInt(rec.OK), rec.ExitCode, rec.MissingIDs, boolInt(rec.FallbackUsed),
		nullable(rec.LogPath), nullableTokens(rec.TotalTokens))
	return err
}

var _ translate.ChunkRecorder = (*Store)(nil)

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTokens(n int) any {
	if n < 0 {
		return nil
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
