// Package translate drives an external free-text translation backend over
// batches of subtitle cues. The backend is unreliable by nature: it can
// drop rows, invent ids, rate-limit, or fail outright. The scheduler
// compensates with per-row verification (correlation id + echo), chunk-level
// resume caches, model fallback, rate-limit backoff and progressively
// smaller gap-filling retries, and either returns a translation for every
// requested id or fails loudly.
package translate

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"episodedl/pkg/log"
)

// ChunkRecord is the telemetry row for one backend invocation.
type ChunkRecord struct {
	RunID        string
	EpisodeID    string
	TrackType    string
	ChunkName    string
	Model        string
	ChunkSize    int
	InputItems   int
	StartedAt    time.Time
	EndedAt      time.Time
	DurationMS   int64
	OK           bool
	ExitCode     int
	MissingIDs   int
	FallbackUsed bool
	LogPath      string
	TotalTokens  int
}

// ChunkRecorder persists per-chunk telemetry. Implementations must be safe
// for concurrent use.
type ChunkRecorder interface {
	RecordChunk(rec ChunkRecord) error
}

// Options configures one Translate call.
type Options struct {
	// BasePath is the cache stem; all chunk artifacts are derived from it.
	BasePath string
	// Tag distinguishes tracks sharing a base path (e.g. "rus", "eng").
	Tag string
	// TrackType labels telemetry rows.
	TrackType string
	// Mode selects the instruction template.
	Mode PromptMode
	// ChunkSize is the number of cues per request in chunked mode.
	ChunkSize int
	// Model and FallbackModel name the backend models. FallbackModel is
	// tried once, on failed chunks only, when it differs from Model.
	Model         string
	FallbackModel string
	// Parallelism bounds concurrent chunk requests.
	Parallelism int
	// WithContext adds prev/next source lines to each request row.
	WithContext bool
	// SingleRequest sends all cues in one request instead of chunking.
	SingleRequest bool
	// RunID and EpisodeID tie telemetry rows to the season run.
	RunID     string
	EpisodeID string
}

// Scheduler executes translation batches against one backend.
type Scheduler struct {
	runner     Runner
	classifier Classifier
	recorder   ChunkRecorder
	logger     *log.Logger
}

// NewScheduler builds a scheduler. recorder may be nil to disable telemetry.
func NewScheduler(runner Runner, classifier Classifier, recorder ChunkRecorder, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Discard()
	}
	return &Scheduler{runner: runner, classifier: classifier, recorder: recorder, logger: logger}
}

// Translate resolves every task to a translation, using on-disk chunk
// caches to resume interrupted runs. It returns a complete id-to-text map
// or an error; a partial result is never returned.
func (s *Scheduler) Translate(ctx context.Context, tasks []Task, opts Options) (map[string]string, error) {
	if len(tasks) == 0 {
		return map[string]string{}, nil
	}
	if opts.SingleRequest {
		return s.translateSingle(ctx, tasks, opts)
	}
	return s.translateChunked(ctx, tasks, opts)
}

func (s *Scheduler) translateChunked(ctx context.Context, tasks []Task, opts Options) (map[string]string, error) {
	chunks, err := buildChunks(tasks, opts.ChunkSize, opts.BasePath, opts.Tag, opts.WithContext)
	if err != nil {
		return nil, err
	}

	var pending []chunkFiles
	for _, ch := range chunks {
		if info, err := os.Stat(ch.OutJSONL); err == nil && info.Size() > 0 {
			continue
		}
		pending = append(pending, ch)
	}
	if len(pending) < len(chunks) {
		s.logger.Debug("%s:%s: resuming, %d/%d chunks cached", s.runner.Name(), opts.Tag, len(chunks)-len(pending), len(chunks))
	}

	if err := s.runWaves(ctx, pending, opts, opts.Parallelism); err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(tasks))
	for _, ch := range chunks {
		part, err := readJSONLMap(ch.OutJSONL)
		if err != nil {
			return nil, fmt.Errorf("missing %s output chunk %s: %w", s.runner.Name(), ch.OutJSONL, err)
		}
		for id, text := range part {
			merged[id] = text
		}
	}

	missing := missingIDs(tasks, merged)
	if len(missing) > 0 {
		s.logger.Debug("%s:%s: output missing %d ids, gap-filling (example: %v)", s.runner.Name(), opts.Tag, len(missing), sample(missing, 5))
		if err := s.gapFill(ctx, tasks, merged, missing, opts.BasePath+".retry", opts, opts.Parallelism); err != nil {
			return nil, err
		}
		missing = missingIDs(tasks, merged)
	}
	if len(missing) > 0 {
		return nil, &BackendError{
			Kind:    KindIncomplete,
			Backend: s.runner.Name(),
			Detail:  fmt.Sprintf("output missing %d ids after retries (example: %v)", len(missing), sample(missing, 5)),
		}
	}
	return merged, nil
}

func (s *Scheduler) translateSingle(ctx context.Context, tasks []Task, opts Options) (map[string]string, error) {
	cachePath := fmt.Sprintf("%s.%s.nochunk.out.jsonl", opts.BasePath, opts.Tag)
	outTSV := fmt.Sprintf("%s.%s.nochunk.out.tsv", opts.BasePath, opts.Tag)

	want := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		want[t.ID] = true
	}

	resolved := make(map[string]string)
	skipMain := false
	if info, err := os.Stat(cachePath); err == nil && info.Size() > 0 {
		if !singleCacheCompatible(cachePath) {
			s.logger.Debug("%s:%s: nochunk cache format mismatch, ignoring %s", s.runner.Name(), opts.Tag, cachePath)
		} else if cached, err := readJSONLMap(cachePath); err == nil {
			for id, text := range cached {
				if want[id] {
					resolved[id] = text
				}
			}
			if len(resolved) == len(tasks) {
				s.logger.Debug("%s:%s: nochunk cache hit", s.runner.Name(), opts.Tag)
				return resolved, nil
			}
			if len(resolved) > 0 {
				s.logger.Debug("%s:%s: nochunk partial cache (%d/%d), skipping main request", s.runner.Name(), opts.Tag, len(resolved), len(tasks))
				skipMain = true
			}
		}
	}

	if !skipMain {
		var payload strings.Builder
		for i, t := range tasks {
			var prev, next string
			if opts.WithContext {
				if i > 0 {
					prev = tasks[i-1].Text
				}
				if i+1 < len(tasks) {
					next = tasks[i+1].Text
				}
			}
			payload.WriteString(requestRow(t, prev, next, opts.WithContext))
			payload.WriteByte('\n')
		}

		raw, recordOut, err := s.invoke(ctx, invocation{
			payload:    strings.TrimRight(payload.String(), "\n"),
			model:      opts.Model,
			opts:       opts,
			chunkName:  fmt.Sprintf("%s.%s.nochunk", opts.Tag, opts.TrackType),
			chunkSize:  len(tasks),
			inputItems: len(tasks),
			logStem:    cachePath,
			outTSV:     outTSV,
			stage:      fmt.Sprintf("%s:%s:nochunk:%d cues", s.runner.Name(), opts.Tag, len(tasks)),
		})
		if err != nil {
			return nil, err
		}

		parsed := parseVerified(raw, buildExpected(tasks))
		recordOut(len(tasks) - len(parsed))
		if len(parsed) == 0 {
			return nil, s.unparseable(raw, cachePath+".log", opts)
		}
		for id, text := range parsed {
			resolved[id] = text
		}
		if err := writeSingleCache(cachePath, taskIDs(tasks), resolved); err != nil {
			return nil, err
		}
	}

	missing := missingIDs(tasks, resolved)
	if len(missing) > 0 {
		s.logger.Debug("%s:%s: nochunk missing %d ids, retrying with chunked mode", s.runner.Name(), opts.Tag, len(missing))
		retryOpts := opts
		retryOpts.Tag = opts.Tag + "_retry"
		retryOpts.TrackType = opts.TrackType + "_retry"
		retryOpts.FallbackModel = ""
		retryOpts.ChunkSize = min(50, len(missing))
		if err := s.gapFill(ctx, tasks, resolved, missing, opts.BasePath+".nochunk_retry", retryOpts, 1); err != nil {
			return nil, err
		}
		if err := writeSingleCache(cachePath, taskIDs(tasks), resolved); err != nil {
			return nil, err
		}
		missing = missingIDs(tasks, resolved)
	}
	if len(missing) > 0 {
		return nil, &BackendError{
			Kind:    KindIncomplete,
			Backend: s.runner.Name(),
			Detail:  fmt.Sprintf("nochunk output still missing %d ids after retry (example: %v)", len(missing), sample(missing, 5)),
		}
	}
	return resolved, nil
}

// gapFill retries missing ids with progressively smaller chunk sizes.
// Smaller batches are more likely to survive whatever confused the backend
// in a larger one. Results are merged into resolved in place.
func (s *Scheduler) gapFill(ctx context.Context, full []Task, resolved map[string]string, missing []string, retryBase string, opts Options, workers int) error {
	byID := make(map[string]Task, len(full))
	for _, t := range full {
		byID[t.ID] = t
	}

	attempt := 1
	for _, size := range []int{min(50, opts.ChunkSize), 10, 1} {
		if len(missing) == 0 {
			break
		}
		retryTasks := make([]Task, 0, len(missing))
		for _, id := range missing {
			retryTasks = append(retryTasks, byID[id])
		}
		base := fmt.Sprintf("%s%d", retryBase, attempt)
		chunks, err := buildChunks(retryTasks, size, base, opts.Tag, opts.WithContext)
		if err != nil {
			return err
		}
		// Retried cues may be scattered across the episode, so the chunk
		// writer's positional neighbors are wrong; rebuild them from the
		// full cue list.
		if opts.WithContext {
			for _, ch := range chunks {
				if err := rewriteWithNeighbors(ch, full); err != nil {
					return err
				}
			}
		}

		retryOpts := opts
		retryOpts.ChunkSize = size
		if err := s.runWaves(ctx, chunks, retryOpts, workers); err != nil {
			return err
		}
		for _, ch := range chunks {
			part, err := readJSONLMap(ch.OutJSONL)
			if err != nil {
				continue
			}
			for id, text := range part {
				resolved[id] = text
			}
		}
		missing = missingIDs(full, resolved)
		attempt++
	}
	return nil
}

type chunkFailure struct {
	chunk chunkFiles
	err   error
}

// runWaves executes pending chunks and applies the escalation ladder:
// primary model first; one fallback-model wave over failed chunks; a
// workers=2 wave when failures look rate-limited; then the first captured
// error is raised. Termination is structural, each arm fires at most once.
func (s *Scheduler) runWaves(ctx context.Context, pending []chunkFiles, opts Options, workers int) error {
	if len(pending) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}

	model := opts.Model
	fallbackDone := false
	for len(pending) > 0 {
		var mu sync.Mutex
		var failed []chunkFailure

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, ch := range pending {
			g.Go(func() error {
				if err := s.runChunk(gctx, ch, model, fallbackDone, opts); err != nil {
					mu.Lock()
					failed = append(failed, chunkFailure{chunk: ch, err: err})
					mu.Unlock()
				}
				// Failures are collected, not propagated: sibling chunks
				// must finish so their caches survive for the next wave.
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(failed) == 0 {
			return nil
		}

		if !fallbackDone && opts.FallbackModel != "" && opts.FallbackModel != opts.Model {
			s.logger.Debug("%s:%s: first pass failed for %d chunk(s), retrying with fallback model %s",
				s.runner.Name(), opts.Tag, len(failed), opts.FallbackModel)
			pending = failedChunks(failed)
			model = opts.FallbackModel
			fallbackDone = true
			continue
		}

		rateLimited := false
		for _, f := range failed {
			if IsKind(f.err, KindRateLimit) {
				rateLimited = true
				break
			}
		}
		if rateLimited && workers > 2 {
			workers = 2
			pending = failedChunks(failed)
			s.logger.Debug("%s:%s: backing off to workers=2 after rate limit, retrying %d chunk(s)",
				s.runner.Name(), opts.Tag, len(pending))
			continue
		}

		return failed[0].err
	}
	return nil
}

// runChunk performs one backend invocation for a chunk and writes its
// verified output cache.
func (s *Scheduler) runChunk(ctx context.Context, ch chunkFiles, model string, fallbackUsed bool, opts Options) error {
	payload, err := os.ReadFile(ch.InTSV)
	if err != nil {
		return err
	}

	raw, recordOut, err := s.invoke(ctx, invocation{
		payload:      strings.TrimRight(string(payload), "\n"),
		model:        model,
		opts:         opts,
		chunkName:    ch.Name(),
		chunkSize:    ch.Size,
		inputItems:   len(ch.IDs),
		fallbackUsed: fallbackUsed,
		logStem:      ch.OutJSONL,
		outTSV:       ch.OutTSV,
		stage:        fmt.Sprintf("%s:%s:chunk:%s", s.runner.Name(), opts.Tag, ch.Name()),
	})
	if err != nil {
		// An empty output cache must not look like a completed chunk on
		// the next run.
		if info, statErr := os.Stat(ch.OutJSONL); statErr == nil && info.Size() == 0 {
			os.Remove(ch.OutJSONL)
		}
		return err
	}

	manifest, err := readJSONLMap(ch.InJSONL)
	if err != nil {
		return err
	}
	chunkTasks := make([]Task, 0, len(ch.IDs))
	for _, id := range ch.IDs {
		if text, ok := manifest[id]; ok {
			chunkTasks = append(chunkTasks, Task{ID: id, Text: text})
		}
	}

	parsed := parseVerified(raw, buildExpected(chunkTasks))
	recordOut(len(ch.IDs) - len(parsed))
	if len(parsed) == 0 {
		return s.unparseable(raw, ch.OutJSONL+".log", opts)
	}
	return writeJSONLMap(ch.OutJSONL, ch.IDs, parsed)
}

type invocation struct {
	payload      string
	model        string
	opts         Options
	chunkName    string
	chunkSize    int
	inputItems   int
	fallbackUsed bool
	logStem      string
	outTSV       string
	stage        string
}

// invoke runs the backend once, handles process-level failure
// classification and persists the raw response. It returns the raw model
// output plus a telemetry callback the caller fires with the number of ids
// that stayed missing after row verification; failed invocations are
// recorded here with every input id counted missing.
func (s *Scheduler) invoke(ctx context.Context, inv invocation) (string, func(missingIDs int), error) {
	prompt, err := BuildPrompt(inv.opts.Mode, inv.payload)
	if err != nil {
		return "", nil, err
	}

	done := s.logger.Stage(inv.stage)
	startedAt := time.Now()
	res, runErr := s.runner.Run(ctx, inv.model, prompt)
	endedAt := time.Now()

	tokens := parseTotalTokens(res.Log)
	rec := ChunkRecord{
		RunID:        inv.opts.RunID,
		EpisodeID:    inv.opts.EpisodeID,
		TrackType:    inv.opts.TrackType,
		ChunkName:    inv.chunkName,
		Model:        inv.model,
		ChunkSize:    inv.chunkSize,
		InputItems:   inv.inputItems,
		StartedAt:    startedAt.UTC(),
		EndedAt:      endedAt.UTC(),
		DurationMS:   endedAt.Sub(startedAt).Milliseconds(),
		OK:           runErr == nil,
		ExitCode:     res.ExitCode,
		FallbackUsed: inv.fallbackUsed,
		TotalTokens:  tokens,
	}

	if runErr != nil {
		logPath := inv.logStem + ".log"
		if werr := os.WriteFile(logPath, []byte(res.Log), 0o644); werr == nil {
			rec.LogPath = logPath
		}
		rec.MissingIDs = inv.inputItems
		s.record(rec)
		kind := s.classifier.Classify(res.Log)
		berr := &BackendError{
			Kind:    kind,
			Backend: s.runner.Name(),
			Detail:  fmt.Sprintf("%s failed (exit %d)", inv.chunkName, res.ExitCode),
			LogPath: logPath,
			Cause:   runErr,
		}
		done(berr)
		return "", nil, berr
	}

	if inv.outTSV != "" {
		if err := os.WriteFile(inv.outTSV, []byte(res.Output), 0o644); err != nil {
			done(err)
			return "", nil, err
		}
	}
	done(nil)
	return res.Output, func(missingIDs int) {
		rec.MissingIDs = missingIDs
		s.record(rec)
	}, nil
}

func (s *Scheduler) unparseable(raw, logPath string, opts Options) error {
	body := fmt.Sprintf("%s returned empty/unparseable output\n\n----raw output----\n%s", s.runner.Name(), raw)
	os.WriteFile(logPath, []byte(body), 0o644)
	return &BackendError{
		Kind:    KindUnparseable,
		Backend: s.runner.Name(),
		Detail:  "no verifiable rows in output",
		LogPath: logPath,
	}
}

func (s *Scheduler) record(rec ChunkRecord) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordChunk(rec); err != nil {
		s.logger.Warn("telemetry record failed: %v", err)
	}
}

func failedChunks(failed []chunkFailure) []chunkFiles {
	out := make([]chunkFiles, 0, len(failed))
	for _, f := range failed {
		out = append(out, f.chunk)
	}
	return out
}

func taskIDs(tasks []Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// missingIDs returns requested ids absent from resolved, in numeric order
// where ids are numeric.
func missingIDs(tasks []Task, resolved map[string]string) []string {
	var missing []string
	for _, t := range tasks {
		if _, ok := resolved[t.ID]; !ok {
			missing = append(missing, t.ID)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		a, aerr := strconv.Atoi(missing[i])
		b, berr := strconv.Atoi(missing[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return missing[i] < missing[j]
	})
	return missing
}

func sample(ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}
	return ids[:n]
}
