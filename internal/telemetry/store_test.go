package telemetry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"episodedl/internal/translate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta", "telemetry.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunAndEpisodeLifecycle(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.StartRun("run-1", "cuentame", "T25", map[string]any{"jobs": 2}, "dev"))
	require.NoError(t, s.StartEpisode("run-1", "asset-9", "S25E01_el_regreso"))
	require.NoError(t, s.EndEpisode("run-1", "asset-9", "failed", "mux exploded"))
	require.NoError(t, s.EndRun("run-1", "failed"))

	var status, errMsg string
	require.NoError(t, s.db.QueryRow(
		`SELECT status, error FROM episodes WHERE run_id = ? AND episode_id = ?`,
		"run-1", "asset-9").Scan(&status, &errMsg))
	require.Equal(t, "failed", status)
	require.Equal(t, "mux exploded", errMsg)
}

func TestRecordChunk(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StartRun("run-1", "cuentame", "T25", nil, "dev"))

	started := time.Now().UTC()
	require.NoError(t, s.RecordChunk(translate.ChunkRecord{
		RunID:       "run-1",
		EpisodeID:   "asset-9",
		TrackType:   "ru_full",
		ChunkName:   "base.c400.rus.out.0002.jsonl",
		Model:       "sonnet",
		ChunkSize:   400,
		InputItems:  123,
		StartedAt:   started,
		EndedAt:     started.Add(30 * time.Second),
		DurationMS:  30000,
		OK:          true,
		TotalTokens: -1,
	}))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM translation_chunks`).Scan(&count))
	require.Equal(t, 1, count)

	var tokens any
	require.NoError(t, s.db.QueryRow(`SELECT total_tokens FROM translation_chunks`).Scan(&tokens))
	require.Nil(t, tokens)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.sqlite")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Re-opening must not re-apply migrations.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	var applied int
	require.NoError(t, s2.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	require.Equal(t, 1, applied)
}
