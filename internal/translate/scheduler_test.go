package translate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"episodedl/pkg/log"
)

// fakeRunner scripts backend behavior per call. The handler receives the
// zero-based call index, the model and the full prompt.
type fakeRunner struct {
	mu      sync.Mutex
	models  []string
	handler func(call int, model, prompt string) (Result, error)
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Run(_ context.Context, model, prompt string) (Result, error) {
	f.mu.Lock()
	call := len(f.models)
	f.models = append(f.models, model)
	f.mu.Unlock()
	return f.handler(call, model, prompt)
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.models)
}

// payloadRows extracts the TSV request rows embedded in a prompt. Only
// payload rows contain real tabs.
func payloadRows(prompt string) []string {
	var rows []string
	for _, line := range strings.Split(prompt, "\n") {
		if strings.Count(line, "\t") >= 2 {
			rows = append(rows, line)
		}
	}
	return rows
}

// respondAll answers every request row with prefix+source, echo intact.
func respondAll(prompt, prefix string) string {
	var out strings.Builder
	for _, row := range payloadRows(prompt) {
		cols := strings.Split(row, "\t")
		out.WriteString(cols[0] + "\t" + prefix + cols[1] + "\t" + cols[len(cols)-1] + "\n")
	}
	return out.String()
}

type memRecorder struct {
	mu   sync.Mutex
	recs []ChunkRecord
}

func (r *memRecorder) RecordChunk(rec ChunkRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func chunkedOpts(t *testing.T, size int) Options {
	t.Helper()
	return Options{
		BasePath:    filepath.Join(t.TempDir(), "S01E01_test.es.srt"),
		Tag:         "rus",
		TrackType:   "ru_full",
		Mode:        PromptRussianFull,
		ChunkSize:   size,
		Model:       "primary",
		Parallelism: 4,
		WithContext: true,
	}
}

func TestTranslateChunkedHappyPath(t *testing.T) {
	runner := &fakeRunner{handler: func(_ int, _, prompt string) (Result, error) {
		return Result{Output: respondAll(prompt, "RU:")}, nil
	}}
	rec := &memRecorder{}
	s := NewScheduler(runner, DefaultClassifier(), rec, log.Discard())

	tasks := sampleTasks(7)
	got, err := s.Translate(context.Background(), tasks, chunkedOpts(t, 3))
	require.NoError(t, err)
	require.Len(t, got, 7)
	require.Equal(t, "RU:línea 4", got["4"])
	require.Equal(t, 3, runner.calls())

	// Every invocation left a telemetry row.
	require.Len(t, rec.recs, 3)
	for _, r := range rec.recs {
		require.True(t, r.OK)
		require.Equal(t, "ru_full", r.TrackType)
		require.Zero(t, r.MissingIDs)
	}
}

func TestTelemetryCountsMissingIDsPerChunk(t *testing.T) {
	// The backend drops one row from the only chunk; the chunk's telemetry
	// row must carry that count, and the gap-fill row must carry zero.
	runner := &fakeRunner{handler: func(call int, _, prompt string) (Result, error) {
		rows := payloadRows(prompt)
		if call == 0 {
			rows = rows[:len(rows)-1]
		}
		var out strings.Builder
		for _, row := range rows {
			cols := strings.Split(row, "\t")
			out.WriteString(cols[0] + "\tRU:" + cols[1] + "\t" + cols[len(cols)-1] + "\n")
		}
		return Result{Output: out.String()}, nil
	}}
	rec := &memRecorder{}
	s := NewScheduler(runner, DefaultClassifier(), rec, log.Discard())

	got, err := s.Translate(context.Background(), sampleTasks(3), chunkedOpts(t, 10))
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Len(t, rec.recs, 2)
	require.Equal(t, 1, rec.recs[0].MissingIDs)
	require.Zero(t, rec.recs[1].MissingIDs)
}

func TestTelemetryCountsAllIDsMissingOnBackendFailure(t *testing.T) {
	runner := &fakeRunner{handler: func(int, string, string) (Result, error) {
		return Result{ExitCode: 1, Log: "model exploded"}, fmt.Errorf("exit status 1")
	}}
	rec := &memRecorder{}
	s := NewScheduler(runner, DefaultClassifier(), rec, log.Discard())

	_, err := s.Translate(context.Background(), sampleTasks(4), chunkedOpts(t, 10))
	require.Error(t, err)
	require.NotEmpty(t, rec.recs)
	require.False(t, rec.recs[0].OK)
	require.Equal(t, 4, rec.recs[0].MissingIDs)
}

func TestTranslateResumesFromChunkCache(t *testing.T) {
	opts := chunkedOpts(t, 3)
	tasks := sampleTasks(7)

	runner := &fakeRunner{handler: func(_ int, _, prompt string) (Result, error) {
		return Result{Output: respondAll(prompt, "RU:")}, nil
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())
	first, err := s.Translate(context.Background(), tasks, opts)
	require.NoError(t, err)

	// A rerun over the same base path must not touch the backend at all.
	broken := &fakeRunner{handler: func(int, string, string) (Result, error) {
		return Result{ExitCode: 1, Log: "should not run"}, fmt.Errorf("backend invoked")
	}}
	s2 := NewScheduler(broken, DefaultClassifier(), nil, log.Discard())
	second, err := s2.Translate(context.Background(), tasks, opts)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Zero(t, broken.calls())
}

func TestTranslateChunkSizeKeysCacheSeparately(t *testing.T) {
	dir := t.TempDir()
	tasks := sampleTasks(6)
	runner := &fakeRunner{handler: func(_ int, _, prompt string) (Result, error) {
		return Result{Output: respondAll(prompt, "RU:")}, nil
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())

	opts := chunkedOpts(t, 3)
	opts.BasePath = filepath.Join(dir, "base")
	_, err := s.Translate(context.Background(), tasks, opts)
	require.NoError(t, err)
	callsAfterFirst := runner.calls()

	// Same base path, different chunk size: fresh caches, fresh requests.
	opts.ChunkSize = 2
	_, err = s.Translate(context.Background(), tasks, opts)
	require.NoError(t, err)
	require.Equal(t, callsAfterFirst+3, runner.calls())
}

func TestEchoMismatchTriggersGapFill(t *testing.T) {
	// The first response corrupts one row's echo; that id must be swept up
	// by a gap-fill retry instead of being accepted.
	var corrupted string
	runner := &fakeRunner{handler: func(call int, _, prompt string) (Result, error) {
		rows := payloadRows(prompt)
		if call == 0 {
			var out strings.Builder
			for i, row := range rows {
				cols := strings.Split(row, "\t")
				echo := cols[len(cols)-1]
				if i == 2 {
					corrupted = cols[0]
					echo = "garbled"
				}
				out.WriteString(cols[0] + "\tRU:" + cols[1] + "\t" + echo + "\n")
			}
			return Result{Output: out.String()}, nil
		}
		// Gap-fill request must carry only the rejected cue.
		require.Len(t, rows, 1)
		require.Equal(t, corrupted, strings.Split(rows[0], "\t")[0])
		return Result{Output: respondAll(prompt, "RU:")}, nil
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())

	got, err := s.Translate(context.Background(), sampleTasks(5), chunkedOpts(t, 10))
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, 2, runner.calls())
}

func TestFallbackModelRetriesFailedChunksOnce(t *testing.T) {
	runner := &fakeRunner{handler: func(_ int, model, prompt string) (Result, error) {
		if model == "primary" {
			return Result{ExitCode: 1, Log: "model exploded"}, fmt.Errorf("exit status 1")
		}
		return Result{Output: respondAll(prompt, "RU:")}, nil
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())

	opts := chunkedOpts(t, 3)
	opts.FallbackModel = "fallback"
	got, err := s.Translate(context.Background(), sampleTasks(6), opts)
	require.NoError(t, err)
	require.Len(t, got, 6)

	require.Equal(t, []string{"primary", "primary", "fallback", "fallback"}, runner.models)
}

func TestRateLimitBacksOffToTwoWorkers(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxAfterBackoff := 0, 0
	firstWaveCalls := 4

	runner := &fakeRunner{handler: func(call int, _, prompt string) (Result, error) {
		if call < firstWaveCalls {
			return Result{ExitCode: 1, Log: "HTTP 429 too many requests"}, fmt.Errorf("exit status 1")
		}
		mu.Lock()
		inFlight++
		if inFlight > maxAfterBackoff {
			maxAfterBackoff = inFlight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()
		return Result{Output: respondAll(prompt, "RU:")}, nil
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())

	opts := chunkedOpts(t, 2)
	opts.Parallelism = 4
	got, err := s.Translate(context.Background(), sampleTasks(8), opts)
	require.NoError(t, err)
	require.Len(t, got, 8)
	require.Equal(t, 8, runner.calls())
	require.LessOrEqual(t, maxAfterBackoff, 2)
}

func TestRateLimitWithoutHeadroomFails(t *testing.T) {
	runner := &fakeRunner{handler: func(int, string, string) (Result, error) {
		return Result{ExitCode: 1, Log: "rate limit reached"}, fmt.Errorf("exit status 1")
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())

	opts := chunkedOpts(t, 3)
	opts.Parallelism = 2
	_, err := s.Translate(context.Background(), sampleTasks(3), opts)
	require.Error(t, err)
	require.True(t, IsKind(err, KindRateLimit))
}

func TestAuthFailureIsDistinct(t *testing.T) {
	runner := &fakeRunner{handler: func(int, string, string) (Result, error) {
		return Result{ExitCode: 1, Log: "Invalid API key. Please run /login"}, fmt.Errorf("exit status 1")
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())

	_, err := s.Translate(context.Background(), sampleTasks(2), chunkedOpts(t, 10))
	require.Error(t, err)
	require.True(t, IsKind(err, KindAuth))

	var berr *BackendError
	require.ErrorAs(t, err, &berr)
	require.Contains(t, berr.Advice(), "credentials")
}

func TestLargeEpisodeGapFillsDroppedRows(t *testing.T) {
	// 523 cues at chunk size 400 give two chunks. The backend silently
	// drops the tail of chunk 2; one size-50 retry wave recovers it.
	runner := &fakeRunner{handler: func(_ int, _, prompt string) (Result, error) {
		rows := payloadRows(prompt)
		if len(rows) == 123 {
			rows = rows[:100]
		}
		var out strings.Builder
		for _, row := range rows {
			cols := strings.Split(row, "\t")
			out.WriteString(cols[0] + "\tRU:" + cols[1] + "\t" + cols[len(cols)-1] + "\n")
		}
		return Result{Output: out.String()}, nil
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())

	got, err := s.Translate(context.Background(), sampleTasks(523), chunkedOpts(t, 400))
	require.NoError(t, err)
	require.Len(t, got, 523)
	// 2 main chunks + one retry chunk for the 23 missing ids.
	require.Equal(t, 3, runner.calls())
}

func TestSingleRequestModeCachesResult(t *testing.T) {
	opts := chunkedOpts(t, 400)
	opts.SingleRequest = true
	tasks := sampleTasks(12)

	runner := &fakeRunner{handler: func(_ int, _, prompt string) (Result, error) {
		require.Len(t, payloadRows(prompt), 12)
		return Result{Output: respondAll(prompt, "RU:")}, nil
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())
	first, err := s.Translate(context.Background(), tasks, opts)
	require.NoError(t, err)
	require.Len(t, first, 12)
	require.Equal(t, 1, runner.calls())

	broken := &fakeRunner{handler: func(int, string, string) (Result, error) {
		return Result{ExitCode: 1}, fmt.Errorf("backend invoked")
	}}
	s2 := NewScheduler(broken, DefaultClassifier(), nil, log.Discard())
	second, err := s2.Translate(context.Background(), tasks, opts)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Zero(t, broken.calls())
}

func TestSingleRequestPartialCacheSkipsMainRequest(t *testing.T) {
	opts := chunkedOpts(t, 400)
	opts.SingleRequest = true
	tasks := sampleTasks(6)

	// Pre-seed a cache covering only the first four ids.
	cachePath := fmt.Sprintf("%s.%s.nochunk.out.jsonl", opts.BasePath, opts.Tag)
	partial := map[string]string{}
	for i := 0; i < 4; i++ {
		partial[fmt.Sprint(i)] = "RU:cached"
	}
	require.NoError(t, writeSingleCache(cachePath, []string{"0", "1", "2", "3"}, partial))

	runner := &fakeRunner{handler: func(_ int, _, prompt string) (Result, error) {
		// Only the two missing ids reach the backend.
		require.Len(t, payloadRows(prompt), 2)
		return Result{Output: respondAll(prompt, "RU:")}, nil
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())

	got, err := s.Translate(context.Background(), tasks, opts)
	require.NoError(t, err)
	require.Len(t, got, 6)
	require.Equal(t, "RU:cached", got["2"])
	require.Equal(t, "RU:línea 5", got["5"])
	require.Equal(t, 1, runner.calls())
}

func TestUnparseableOutputFails(t *testing.T) {
	runner := &fakeRunner{handler: func(int, string, string) (Result, error) {
		return Result{Output: "I am sorry, I cannot help with that."}, nil
	}}
	s := NewScheduler(runner, DefaultClassifier(), nil, log.Discard())

	opts := chunkedOpts(t, 10)
	opts.Parallelism = 1
	_, err := s.Translate(context.Background(), sampleTasks(3), opts)
	require.Error(t, err)
	require.True(t, IsKind(err, KindUnparseable))
}

func TestTranslateEmptyTaskList(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, DefaultClassifier(), nil, log.Discard())
	got, err := s.Translate(context.Background(), nil, chunkedOpts(t, 10))
	require.NoError(t, err)
	require.Empty(t, got)
}
