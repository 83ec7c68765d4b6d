package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"episodedl/internal/config"
	"episodedl/internal/media"
	"episodedl/internal/phrasecache"
	"episodedl/internal/pipeline"
	"episodedl/internal/rtve"
	"episodedl/internal/telemetry"
	"episodedl/internal/track"
	"episodedl/internal/transcriber"
	"episodedl/internal/translate"
)

var downloadFlags struct {
	seriesSlug     string
	subs           []string
	model          string
	fallbackModel  string
	chunkCues      int
	jobsEpisodes   int
	jobsChunks     int
	reset          []string
	offsetMS       int
	defaultSub     string
	backend        string
	singleRequest  bool
	noContext      bool
	forceASR       bool
	noASR          bool
	enforceDRM     bool
	signaturesTOML string
}

var downloadCmd = &cobra.Command{
	Use:   "download <series-url> <selector>",
	Short: "Download a season (T7) or single episode (T7S5) of a series",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDownload(cmd.Context(), args[0], args[1])
	},
}

func init() {
	f := downloadCmd.Flags()
	f.StringVar(&downloadFlags.seriesSlug, "series-slug", "", "override the series directory name under the data dir")
	f.StringArrayVar(&downloadFlags.subs, "sub", nil, "track policy entry, e.g. --sub ru=require --sub refs=off")
	f.StringVar(&downloadFlags.model, "model", "", "primary translation model")
	f.StringVar(&downloadFlags.fallbackModel, "fallback-model", "", "fallback model tried once on failed chunks")
	f.IntVar(&downloadFlags.chunkCues, "chunk-cues", 0, "cues per translation request (default from env)")
	f.IntVar(&downloadFlags.jobsEpisodes, "jobs-episodes", 0, "concurrent episodes (default from env)")
	f.IntVar(&downloadFlags.jobsChunks, "jobs-chunks", 0, "concurrent translation chunks (default from env)")
	f.StringSliceVar(&downloadFlags.reset, "reset", nil, "cache layers to invalidate first: video, subs-es, subs-en, subs-ru, subs-refs, mkv, catalog")
	f.IntVar(&downloadFlags.offsetMS, "offset-ms", 0, "shift all subtitle tracks by this many milliseconds in the mux")
	f.StringVar(&downloadFlags.defaultSub, "default-sub", "ru", "track family marked default in the container")
	f.StringVar(&downloadFlags.backend, "backend", "", "translation backend: codex, claude or http (default from env)")
	f.BoolVar(&downloadFlags.singleRequest, "single-request", false, "send all cues in one request instead of chunking")
	f.BoolVar(&downloadFlags.noContext, "no-context", false, "omit prev/next context columns from translation requests")
	f.BoolVar(&downloadFlags.forceASR, "force-asr", false, "transcribe even when provider subtitles exist")
	f.BoolVar(&downloadFlags.noASR, "no-asr", false, "fail instead of transcribing when provider subtitles are missing")
	f.BoolVar(&downloadFlags.enforceDRM, "enforce-drm", false, "fail DRM-flagged assets instead of warning")
	f.StringVar(&downloadFlags.signaturesTOML, "signatures", "signatures.toml", "failure signatures TOML file")
}

// seriesSlug derives the per-series directory name from the series URL.
func seriesSlug(seriesURL string) string {
	if downloadFlags.seriesSlug != "" {
		return downloadFlags.seriesSlug
	}
	u, err := url.Parse(seriesURL)
	if err == nil {
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i := len(segments) - 1; i >= 0; i-- {
			if s := slugify(segments[i]); s != "" && s != "videos" {
				return s
			}
		}
	}
	return "series"
}

var slugCleanRe = regexp.MustCompile(`[^a-z0-9-]+`)

func slugify(s string) string {
	return strings.Trim(slugCleanRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func pickBackendRunner(cfg *config.Config) (translate.Runner, string, error) {
	backend := cfg.Backend.Name
	if downloadFlags.backend != "" {
		backend = downloadFlags.backend
	}
	model := cfg.Backend.Model
	if downloadFlags.model != "" {
		model = downloadFlags.model
	}
	switch backend {
	case "codex":
		return translate.CodexRunner{}, model, nil
	case "claude":
		return translate.ClaudeRunner{}, model, nil
	case "http":
		if cfg.Backend.HTTPBaseURL == "" {
			return nil, "", fmt.Errorf("http backend needs EPISODEDL_HTTP_URL")
		}
		return translate.NewHTTPRunner(cfg.Backend.HTTPBaseURL, cfg.Backend.HTTPAPIKey, 5*time.Minute), model, nil
	default:
		return nil, "", fmt.Errorf("unknown backend %q", backend)
	}
}

// ffmpegMuxer adapts media.FFmpeg to the pipeline's Muxer interface.
type ffmpegMuxer struct {
	ff *media.FFmpeg
}

func (m ffmpegMuxer) Mux(ctx context.Context, job pipeline.MuxJob) error {
	return m.ff.Mux(ctx, job.VideoPath, job.OutPath, job.Tracks, job.TimingOffsetMS, job.DefaultTrackTitle)
}

func runDownload(ctx context.Context, seriesURL, selectorArg string) error {
	logger := newLogger()

	cfg, err := config.NewFromEnv()
	if err != nil {
		return err
	}
	sel, err := rtve.ParseSelector(selectorArg)
	if err != nil {
		return err
	}
	policy, err := track.ParsePolicy(downloadFlags.subs)
	if err != nil {
		return err
	}
	resetLayers, err := pipeline.ParseResetLayers(downloadFlags.reset)
	if err != nil {
		return err
	}
	classifier, recoverableSigs, err := config.LoadSignatures(downloadFlags.signaturesTOML)
	if err != nil {
		return err
	}
	if recoverableSigs == nil {
		recoverableSigs = transcriber.DefaultRecoverableSignatures
	}

	layout := pipeline.NewLayout(filepath.Join(cfg.Workspace.DataDir, seriesSlug(seriesURL)))
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	chunkCues := cfg.Translate.ChunkCues
	if downloadFlags.chunkCues > 0 {
		chunkCues = downloadFlags.chunkCues
	}
	jobsEpisodes := cfg.Translate.JobsEpisodes
	if downloadFlags.jobsEpisodes > 0 {
		jobsEpisodes = downloadFlags.jobsEpisodes
	}
	jobsChunks := cfg.Translate.JobsChunks
	if downloadFlags.jobsChunks > 0 {
		jobsChunks = downloadFlags.jobsChunks
	}
	fallbackModel := cfg.Backend.FallbackModel
	if downloadFlags.fallbackModel != "" {
		fallbackModel = downloadFlags.fallbackModel
	}

	runner, model, err := pickBackendRunner(cfg)
	if err != nil {
		return err
	}
	primaryModel := model
	if primaryModel == "" {
		primaryModel = runner.Name()
	}

	var store *telemetry.Store
	var recorder translate.ChunkRecorder
	var runRecorder pipeline.RunRecorder
	if cfg.Workspace.Telemetry {
		store, err = telemetry.Open(layout.TelemetryDB())
		if err != nil {
			logger.Warn("telemetry disabled: %v", err)
		} else {
			defer store.Close()
			recorder = store
			runRecorder = store
		}
	}

	phrases, err := phrasecache.Load(layout.PhraseCacheFile())
	if err != nil {
		logger.Warn("phrase cache unusable: %v", err)
		phrases = phrasecache.Empty()
	}

	client := rtve.NewClient(nil, logger)
	catalog := rtve.NewCatalog(client, layout, logger)
	episodes, err := catalog.Episodes(ctx, seriesURL, sel)
	if err != nil {
		return err
	}
	logger.Info("%s: %d episode(s) selected", sel, len(episodes))

	if len(resetLayers) > 0 {
		for _, ep := range episodes {
			if err := pipeline.ApplyReset(layout, ep, resetLayers, logger); err != nil {
				return err
			}
		}
	}

	runID := uuid.NewString()
	ffmpeg := media.NewFFmpeg(logger)
	if err := ffmpeg.CheckAvailable(ctx); err != nil {
		return err
	}
	if probe, ok := runner.(interface{ CheckAvailable(context.Context) error }); ok {
		if err := probe.CheckAvailable(ctx); err != nil {
			return err
		}
	}

	asr := transcriber.New(transcriber.Options{
		Model:                 cfg.ASR.Model,
		Device:                cfg.ASR.Device,
		ComputeType:           cfg.ASR.ComputeType,
		BatchSize:             cfg.ASR.BatchSize,
		RecoverableSignatures: recoverableSigs,
	}, layout.SRTDir(), logger)
	if err := asr.CheckAvailable(); err != nil {
		if downloadFlags.forceASR {
			return err
		}
		logger.Warn("whisperx unavailable; ASR fallback will fail if needed: %v", err)
	}

	scheduler := translate.NewScheduler(runner, classifier, recorder, logger)
	orch := pipeline.NewOrchestrator(
		layout,
		rtve.NewResolver(client, logger),
		ffmpeg,
		ffmpeg,
		asr,
		ffmpegMuxer{ff: ffmpeg},
		client,
		scheduler,
		phrases,
		logger,
		pipeline.Config{
			Policy:          policy,
			PrimaryModel:    primaryModel,
			FallbackModel:   fallbackModel,
			ChunkSize:       chunkCues,
			JobsChunks:      jobsChunks,
			SingleRequest:   downloadFlags.singleRequest,
			WithContext:     !downloadFlags.noContext,
			ForceASR:        downloadFlags.forceASR,
			ASRFallback:     !downloadFlags.noASR,
			TimingOffsetMS:  downloadFlags.offsetMS,
			DefaultSub:      downloadFlags.defaultSub,
			EnforceDRM:      downloadFlags.enforceDRM,
			DownloadHeaders: map[string]string{"Referer": "https://www.rtve.es/"},
			RunID:           runID,
		},
	)

	season := pipeline.NewSeasonScheduler(orch, runRecorder, logger, jobsEpisodes)

	if runRecorder != nil {
		cliArgs := map[string]any{
			"series_url": seriesURL,
			"selector":   sel.String(),
			"backend":    runner.Name(),
			"model":      primaryModel,
			"chunk_cues": chunkCues,
		}
		if err := runRecorder.StartRun(runID, seriesSlug(seriesURL), sel.String(), cliArgs, version); err != nil {
			logger.Warn("telemetry: %v", err)
		}
	}

	var runErr error
	if len(episodes) == 1 {
		runErr = season.RunOne(ctx, runID, episodes[0])
	} else {
		_, runErr = season.Run(ctx, runID, episodes)
	}

	if runRecorder != nil {
		status := "done"
		if runErr != nil {
			status = "failed"
		}
		if err := runRecorder.EndRun(runID, status); err != nil {
			logger.Warn("telemetry: %v", err)
		}
	}
	var berr *translate.BackendError
	if errors.As(runErr, &berr) {
		logger.Error("%s", berr.Advice())
	}
	return runErr
}

const version = "0.1.0"
