package pipeline

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/sync/errgroup"

	"episodedl/pkg/log"
)

// DefaultEpisodeJobs is the season-pool width. Two keeps the translation
// backend saturated without stacking video downloads.
const DefaultEpisodeJobs = 2

// RunRecorder is the telemetry surface the season scheduler needs;
// satisfied by *telemetry.Store.
type RunRecorder interface {
	StartRun(runID, slug, selector string, cliArgs map[string]any, appVersion string) error
	EndRun(runID, status string) error
	StartEpisode(runID, episodeID, baseName string) error
	EndEpisode(runID, episodeID, status, errMsg string) error
}

// noopRecorder keeps the scheduler usable when telemetry is disabled.
type noopRecorder struct{}

func (noopRecorder) StartRun(string, string, string, map[string]any, string) error { return nil }
func (noopRecorder) EndRun(string, string) error                                   { return nil }
func (noopRecorder) StartEpisode(string, string, string) error                     { return nil }
func (noopRecorder) EndEpisode(string, string, string, string) error               { return nil }

// EpisodeResult is the outcome of one episode inside a season run.
type EpisodeResult struct {
	Episode Episode
	Err     error
}

// SeasonScheduler fans episodes out over a bounded worker pool. One
// episode's failure is recorded and the rest continue.
type SeasonScheduler struct {
	orch     *Orchestrator
	recorder RunRecorder
	logger   *log.Logger
	jobs     int
}

func NewSeasonScheduler(orch *Orchestrator, recorder RunRecorder, logger *log.Logger, jobs int) *SeasonScheduler {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if logger == nil {
		logger = log.Discard()
	}
	if jobs <= 0 {
		jobs = DefaultEpisodeJobs
	}
	return &SeasonScheduler{orch: orch, recorder: recorder, logger: logger, jobs: jobs}
}

// RunOne processes a single episode without the pool; errors propagate
// unchanged so the caller sees the real failure type.
func (s *SeasonScheduler) RunOne(ctx context.Context, runID string, ep Episode) error {
	if err := s.recorder.StartEpisode(runID, ep.AssetID, ep.BaseName()); err != nil {
		s.logger.Warn("telemetry: %v", err)
	}
	err := s.processGuarded(ctx, ep)
	status, errMsg := "done", ""
	if err != nil {
		status, errMsg = "failed", err.Error()
	}
	if terr := s.recorder.EndEpisode(runID, ep.AssetID, status, errMsg); terr != nil {
		s.logger.Warn("telemetry: %v", terr)
	}
	return err
}

// Run processes every episode and returns the per-episode results in input
// order. It returns an error only when at least one episode failed.
func (s *SeasonScheduler) Run(ctx context.Context, runID string, episodes []Episode) ([]EpisodeResult, error) {
	results := make([]EpisodeResult, len(episodes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.jobs)
	for i, ep := range episodes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				mu.Lock()
				results[i] = EpisodeResult{Episode: ep, Err: err}
				mu.Unlock()
				return nil
			}
			err := s.RunOne(gctx, runID, ep)
			mu.Lock()
			results[i] = EpisodeResult{Episode: ep, Err: err}
			mu.Unlock()
			// Failures are collected, not propagated: the rest of the
			// season still runs.
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.printSummary(results)
	if failed > 0 {
		return results, fmt.Errorf("%d of %d episodes failed", failed, len(episodes))
	}
	return results, nil
}

// processGuarded converts an episode panic into a recorded failure so one
// bad episode cannot take the pool down.
func (s *SeasonScheduler) processGuarded(ctx context.Context, ep Episode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("episode %s panicked: %v", ep.BaseName(), r)
			s.logger.Error("%v", err)
		}
	}()
	return s.orch.Process(ctx, ep)
}

func (s *SeasonScheduler) printSummary(results []EpisodeResult) {
	sorted := append([]EpisodeResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Episode, sorted[j].Episode
		if a.Season != b.Season {
			return a.Season < b.Season
		}
		return a.Episode < b.Episode
	})

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Episode", "Title", "Status", "Error"})
	for _, r := range sorted {
		status, errMsg := "done", ""
		if r.Err != nil {
			status = "failed"
			errMsg = r.Err.Error()
			if len(errMsg) > 80 {
				errMsg = errMsg[:77] + "..."
			}
		}
		t.AppendRow(table.Row{
			fmt.Sprintf("S%02dE%02d", r.Episode.Season, r.Episode.Episode),
			r.Episode.Title,
			status,
			errMsg,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}
