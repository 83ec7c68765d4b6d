package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"episodedl/internal/cache"
	"episodedl/internal/media"
	"episodedl/internal/phrasecache"
	"episodedl/internal/subtitle"
	"episodedl/internal/track"
	"episodedl/internal/translate"
	"episodedl/pkg/log"
)

// minDurationRatio is the consistency guard: the video must cover at least
// this share of the subtitle timeline or it is considered truncated.
const minDurationRatio = 0.7

// Config carries the per-run knobs the orchestrator needs.
type Config struct {
	Policy        track.Policy
	PrimaryModel  string
	FallbackModel string
	ChunkSize     int
	JobsChunks    int
	SingleRequest bool
	WithContext   bool

	// ForceASR transcribes even when provider subtitles exist.
	ForceASR bool
	// ASRFallback transcribes when provider subtitles are missing.
	ASRFallback bool

	TimingOffsetMS  int
	DefaultSub      string
	EnforceDRM      bool
	DownloadHeaders map[string]string

	RunID string
}

// Orchestrator runs one episode through the pipeline:
// PRECHECK → RESOLVE → FETCH → TRANSLATE → MUX.
type Orchestrator struct {
	layout      Layout
	resolver    Resolver
	fetcher     VideoFetcher
	prober      DurationProber
	transcriber Transcriber
	muxer       Muxer
	text        TextFetcher
	translator  Translator
	phrases     *phrasecache.Cache
	logger      *log.Logger
	cfg         Config
}

func NewOrchestrator(
	layout Layout,
	resolver Resolver,
	fetcher VideoFetcher,
	prober DurationProber,
	transcriber Transcriber,
	muxer Muxer,
	text TextFetcher,
	translator Translator,
	phrases *phrasecache.Cache,
	logger *log.Logger,
	cfg Config,
) *Orchestrator {
	if logger == nil {
		logger = log.Discard()
	}
	if phrases == nil {
		phrases = phrasecache.Empty()
	}
	return &Orchestrator{
		layout:      layout,
		resolver:    resolver,
		fetcher:     fetcher,
		prober:      prober,
		transcriber: transcriber,
		muxer:       muxer,
		text:        text,
		translator:  translator,
		phrases:     phrases,
		logger:      logger,
		cfg:         cfg,
	}
}

// episodeState is the per-episode scratch the stages hand forward.
type episodeState struct {
	episode  Episode
	base     string
	mp4      string
	outMKV   string
	asr      bool
	esCues   []subtitle.Cue
	enCues   []subtitle.Cue
	resolved ResolvedAsset
}

// Process runs the full state machine for one episode. Callers in season
// mode catch the returned error and continue; single-episode callers let
// it propagate.
func (o *Orchestrator) Process(ctx context.Context, ep Episode) error {
	st := &episodeState{
		episode: ep,
		base:    ep.BaseName(),
	}
	st.mp4 = o.layout.MP4File(st.base)
	st.outMKV = o.layout.OutMKV(st.base)

	done := o.logger.Stage("episode:" + st.base)

	// PRECHECK: finished output wins outright.
	if cache.IsNonEmpty(st.outMKV) {
		o.logger.Info("%s: already complete: %s", st.base, st.outMKV)
		done(nil)
		return nil
	}
	if o.precheckIntermediates(ctx, st) {
		o.logger.Info("%s: all intermediates cached, jumping to mux", st.base)
		err := o.mux(ctx, st)
		done(err)
		return err
	}

	err := o.runPipeline(ctx, st)
	done(err)
	return err
}

func (o *Orchestrator) runPipeline(ctx context.Context, st *episodeState) error {
	// RESOLVE.
	resolved, err := o.resolver.Resolve(ctx, st.episode.AssetID, !o.cfg.EnforceDRM)
	if err != nil {
		return &ResolutionError{AssetID: st.episode.AssetID, Cause: err}
	}
	if resolved.HasDRM {
		o.logger.Warn("%s: asset flagged as DRM protected, attempting anyway", st.base)
	}
	st.resolved = resolved

	// FETCH: video and provider subtitles concurrently. ASR, if needed,
	// runs after the join because it reads the finished video.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	g.Go(func() error { return o.fetchVideo(gctx, st) })
	g.Go(func() error { return o.fetchProviderSubs(gctx, st) })
	if err := g.Wait(); err != nil {
		return err
	}

	if err := o.acquireCues(ctx, st); err != nil {
		return err
	}
	if err := o.consistencyGuard(ctx, st); err != nil {
		return err
	}

	// TRANSLATE: EN track and RU family concurrently.
	tg, tctx := errgroup.WithContext(ctx)
	tg.SetLimit(2)
	tg.Go(func() error { return o.buildENTrack(tctx, st) })
	tg.Go(func() error { return o.buildRUTracks(tctx, st) })
	if err := tg.Wait(); err != nil {
		return err
	}

	return o.mux(ctx, st)
}

// precheckIntermediates reports whether every artifact needed for mux is
// already cached and plausible, letting the episode skip the resolver
// entirely.
func (o *Orchestrator) precheckIntermediates(ctx context.Context, st *episodeState) bool {
	if !cache.IsNonEmpty(st.mp4) {
		return false
	}
	for _, asr := range []bool{o.cfg.ForceASR, !o.cfg.ForceASR} {
		esPath := o.layout.ESFile(st.base, asr)
		if !cache.IsNonEmpty(esPath) {
			continue
		}
		if !o.enabledTrackFilesCached(st.base, asr) {
			return false
		}
		raw, err := os.ReadFile(esPath)
		if err != nil {
			return false
		}
		cues := subtitle.ParseSRT(string(raw))
		if len(cues) == 0 {
			return false
		}
		durMS, err := o.prober.DurationMS(ctx, st.mp4)
		if err != nil || !durationPlausible(durMS, cues) {
			return false
		}
		st.asr = asr
		st.esCues = cues
		return true
	}
	return false
}

func (o *Orchestrator) enabledTrackFilesCached(base string, asr bool) bool {
	if o.cfg.Policy.Enabled("en") && !cache.IsNonEmpty(o.layout.ENFile(base, asr)) {
		return false
	}
	if o.cfg.Policy.Enabled("ru") && !cache.IsNonEmpty(o.layout.RUFile(base, asr)) {
		return false
	}
	if o.cfg.Policy.Enabled("refs") && !cache.IsNonEmpty(o.layout.RefsFile(base, asr)) {
		return false
	}
	if o.cfg.Policy.Enabled("ru-dual") && !cache.IsNonEmpty(o.layout.DualFile(base, asr)) {
		return false
	}
	return true
}

func durationPlausible(videoMS int, cues []subtitle.Cue) bool {
	end := subtitle.EndOfTimeline(cues)
	if end <= 0 {
		return true
	}
	return float64(videoMS) >= minDurationRatio*float64(end)
}

// fetchVideo downloads the episode video unless a valid cached copy
// exists. An unprobeable file is deleted and re-downloaded exactly once.
func (o *Orchestrator) fetchVideo(ctx context.Context, st *episodeState) error {
	if cache.IsNonEmpty(st.mp4) {
		if _, err := o.prober.DurationMS(ctx, st.mp4); err == nil {
			o.logger.Debug("%s: cache hit video: %s", st.base, st.mp4)
			return nil
		}
		o.logger.Warn("%s: cached video unprobeable, re-downloading", st.base)
		_ = os.Remove(st.mp4)
	}
	if err := o.downloadVideo(ctx, st); err != nil {
		return err
	}
	if _, err := o.prober.DurationMS(ctx, st.mp4); err != nil {
		// One repair attempt for a bad transfer.
		o.logger.Warn("%s: downloaded video unprobeable, retrying once: %v", st.base, err)
		_ = os.Remove(st.mp4)
		if err := o.downloadVideo(ctx, st); err != nil {
			return err
		}
		if _, err := o.prober.DurationMS(ctx, st.mp4); err != nil {
			return &MediaIntegrityError{Path: st.mp4, Detail: fmt.Sprintf("unprobeable after retry: %v", err)}
		}
	}
	return nil
}

func (o *Orchestrator) downloadVideo(ctx context.Context, st *episodeState) error {
	if len(st.resolved.VideoURLs) == 0 {
		return &ResolutionError{AssetID: st.episode.AssetID, Cause: errors.New("no video urls resolved")}
	}
	return o.fetcher.Download(ctx, st.resolved.VideoURLs[0], st.mp4, o.cfg.DownloadHeaders)
}

// forceRedownload is the bounded repair path shared by the consistency
// guard and recoverable transcription failures.
func (o *Orchestrator) forceRedownload(ctx context.Context, st *episodeState) error {
	o.logger.Warn("%s: forcing video re-download", st.base)
	_ = os.Remove(st.mp4)
	if err := o.downloadVideo(ctx, st); err != nil {
		return err
	}
	if _, err := o.prober.DurationMS(ctx, st.mp4); err != nil {
		return &MediaIntegrityError{Path: st.mp4, Detail: fmt.Sprintf("unprobeable after forced re-download: %v", err)}
	}
	return nil
}

func (o *Orchestrator) fetchProviderSubs(ctx context.Context, st *episodeState) error {
	for _, lang := range []string{"es", "en"} {
		url := st.resolved.SubtitleURLByLang[lang]
		if url == "" {
			continue
		}
		path := o.layout.VTTFile(st.episode.AssetID, lang)
		cache.RemoveIfEmpty(path)
		if cache.IsNonEmpty(path) {
			continue
		}
		body, err := o.text.FetchText(ctx, url)
		if err != nil {
			return fmt.Errorf("fetch %s subtitles: %w", lang, err)
		}
		if err := cache.WriteFileAtomic(path, []byte(body)); err != nil {
			return err
		}
	}
	return nil
}

// acquireCues turns provider subtitles or ASR output into the canonical ES
// cue list and its SRT file.
func (o *Orchestrator) acquireCues(ctx context.Context, st *episodeState) error {
	esVTT := o.layout.VTTFile(st.episode.AssetID, "es")
	useASR := o.cfg.ForceASR || !cache.IsNonEmpty(esVTT)

	if useASR && !o.cfg.ForceASR && !o.cfg.ASRFallback {
		return &ResolutionError{
			AssetID: st.episode.AssetID,
			Cause:   errors.New("no Spanish subtitles available and ASR fallback is disabled"),
		}
	}
	st.asr = useASR

	esSRT := o.layout.ESFile(st.base, st.asr)
	cache.RemoveIfEmpty(esSRT)
	if cache.IsNonEmpty(esSRT) {
		raw, err := os.ReadFile(esSRT)
		if err != nil {
			return err
		}
		st.esCues = subtitle.ParseSRT(string(raw))
	} else if useASR {
		cues, err := o.transcribeWithRepair(ctx, st)
		if err != nil {
			return err
		}
		st.esCues = cues
		if err := cache.WriteFileAtomic(esSRT, []byte(subtitle.FormatSRT(cues))); err != nil {
			return err
		}
	} else {
		raw, err := os.ReadFile(esVTT)
		if err != nil {
			return err
		}
		st.esCues = subtitle.ParseVTT(string(raw))
		if err := cache.WriteFileAtomic(esSRT, []byte(subtitle.FormatSRT(st.esCues))); err != nil {
			return err
		}
	}
	if len(st.esCues) == 0 {
		return fmt.Errorf("%s: no subtitle cues acquired", st.base)
	}
	// Sanity check before spending translation budget: a mislabeled or
	// garbage track shows up here.
	if tag := subtitle.DetectLanguage(st.esCues); tag != language.Und && tag != language.Spanish {
		o.logger.Warn("%s: source subtitles detect as %s, expected Spanish", st.base, tag)
	}

	// Provider EN subtitles, when present, are converted as-is.
	enVTT := o.layout.VTTFile(st.episode.AssetID, "en")
	if cache.IsNonEmpty(enVTT) {
		raw, err := os.ReadFile(enVTT)
		if err != nil {
			return err
		}
		st.enCues = subtitle.ParseVTT(string(raw))
	}
	return nil
}

// transcribeWithRepair runs ASR; a failure matching the recoverable
// signatures gets one forced re-download and one more attempt.
func (o *Orchestrator) transcribeWithRepair(ctx context.Context, st *episodeState) ([]subtitle.Cue, error) {
	cues, err := o.transcriber.Transcribe(ctx, st.mp4)
	if err == nil {
		return cues, nil
	}
	var terr *TranscriptionError
	if !errors.As(err, &terr) || !terr.Recoverable {
		return nil, err
	}
	o.logger.Warn("%s: recoverable transcription failure: %v", st.base, err)
	if err := o.forceRedownload(ctx, st); err != nil {
		return nil, err
	}
	return o.transcriber.Transcribe(ctx, st.mp4)
}

// consistencyGuard refuses to spend translation budget on a video that is
// implausibly short against the subtitle timeline. One forced re-download,
// then fail.
func (o *Orchestrator) consistencyGuard(ctx context.Context, st *episodeState) error {
	durMS, err := o.prober.DurationMS(ctx, st.mp4)
	if err != nil {
		return &MediaIntegrityError{Path: st.mp4, Detail: err.Error()}
	}
	if durationPlausible(durMS, st.esCues) {
		return nil
	}
	end := subtitle.EndOfTimeline(st.esCues)
	o.logger.Warn("%s: video %dms vs subtitle end %dms, suspect truncated download", st.base, durMS, end)
	if err := o.forceRedownload(ctx, st); err != nil {
		return err
	}
	durMS, err = o.prober.DurationMS(ctx, st.mp4)
	if err != nil {
		return &MediaIntegrityError{Path: st.mp4, Detail: err.Error()}
	}
	if !durationPlausible(durMS, st.esCues) {
		return &MediaIntegrityError{
			Path:   st.mp4,
			Detail: fmt.Sprintf("duration %dms below %.0f%% of subtitle end %dms after re-download", durMS, minDurationRatio*100, end),
		}
	}
	return nil
}

// cueTasks builds the translation task list: non-empty cue texts keyed by
// their position in the full cue list.
func cueTasks(cues []subtitle.Cue) []translate.Task {
	var tasks []translate.Task
	for i, c := range cues {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		tasks = append(tasks, translate.Task{ID: strconv.Itoa(i), Text: text})
	}
	return tasks
}

func (o *Orchestrator) translateKind(st *episodeState, plain, asr string) string {
	if st.asr {
		return asr
	}
	return plain
}

// runTranslation splits tasks against the cross-episode phrase cache and
// sends only the misses to the backend.
func (o *Orchestrator) runTranslation(ctx context.Context, st *episodeState, kind, cacheTrack string, mode translate.PromptMode, chunkSize, workers int) (map[string]string, error) {
	basePath, err := o.layout.TranslateBase(st.base, kind)
	if err != nil {
		return nil, err
	}

	tasks := cueTasks(st.esCues)
	phraseTasks := make([]phrasecache.Task, len(tasks))
	for i, t := range tasks {
		phraseTasks[i] = phrasecache.Task{ID: t.ID, Text: t.Text}
	}
	hits, misses := o.phrases.Split(phraseTasks, cacheTrack)
	result := make(map[string]string, len(tasks))
	for id, text := range hits {
		result[id] = text
	}
	if len(hits) > 0 {
		o.logger.Debug("%s: %s: %d phrase-cache hits, %d to translate", st.base, kind, len(hits), len(misses))
	}
	if len(misses) == 0 {
		return result, nil
	}

	missTasks := make([]translate.Task, len(misses))
	for i, t := range misses {
		missTasks[i] = translate.Task{ID: t.ID, Text: t.Text}
	}
	translated, err := o.translator.Translate(ctx, missTasks, translate.Options{
		BasePath:      basePath,
		Tag:           kind,
		TrackType:     cacheTrack + asrSuffix(st.asr),
		Mode:          mode,
		ChunkSize:     chunkSize,
		Model:         o.cfg.PrimaryModel,
		FallbackModel: o.cfg.FallbackModel,
		Parallelism:   workers,
		WithContext:   o.cfg.WithContext,
		SingleRequest: o.cfg.SingleRequest,
		RunID:         o.cfg.RunID,
		EpisodeID:     st.episode.AssetID,
	})
	if err != nil {
		return nil, err
	}
	for id, text := range translated {
		result[id] = text
	}
	return result, nil
}

func asrSuffix(asr bool) string {
	if asr {
		return "_asr"
	}
	return ""
}

// buildENTrack produces the English subtitle file: provider subtitles when
// the provider had them, machine translation otherwise.
func (o *Orchestrator) buildENTrack(ctx context.Context, st *episodeState) error {
	if !o.cfg.Policy.Enabled("en") {
		return nil
	}
	path := o.layout.ENFile(st.base, st.asr)
	cache.RemoveIfEmpty(path)
	if cache.IsNonEmpty(path) {
		o.logger.Debug("%s: cache hit srt: %s", st.base, path)
		return nil
	}

	if len(st.enCues) > 0 {
		return cache.WriteFileAtomic(path, []byte(subtitle.FormatSRT(st.enCues)))
	}

	kind := o.translateKind(st, "en", "en_asr")
	enMap, err := o.runTranslation(ctx, st, kind, "en", translate.PromptEnglishMT, o.cfg.ChunkSize, o.cfg.JobsChunks)
	if err != nil {
		return o.tolerateTrackFailure("en", err)
	}
	out := make([]subtitle.Cue, len(st.esCues))
	for i, c := range st.esCues {
		out[i] = c.WithText(enMap[strconv.Itoa(i)])
	}
	if err := cache.WriteFileAtomic(path, []byte(subtitle.FormatSRT(out))); err != nil {
		return err
	}
	return nil
}

// buildRUTracks produces the Russian-family tracks the policy asks for.
func (o *Orchestrator) buildRUTracks(ctx context.Context, st *episodeState) error {
	enabled := o.cfg.Policy.EnabledRussianTracks(st.asr)
	if len(enabled) == 0 {
		return nil
	}
	specs := track.FileSpecs(o.layout.SRTDir(), st.base, st.asr, o.cfg.PrimaryModel)

	ruKey := track.RU
	refsKey := track.Refs
	dualKey := track.RUDual
	if st.asr {
		ruKey, refsKey, dualKey = track.RUASR, track.RefsASR, track.RUDualASR
	}

	var ruMap map[string]string
	if enabled[ruKey] {
		if cache.IsNonEmpty(specs[ruKey].Path) {
			o.logger.Debug("%s: cache hit srt: %s", st.base, specs[ruKey].Path)
		} else {
			var err error
			ruMap, err = o.runTranslation(ctx, st,
				o.translateKind(st, "ru", "ru_asr"), "ru_full",
				translate.PromptRussianFull, o.cfg.ChunkSize, o.cfg.JobsChunks)
			if err != nil {
				if terr := o.tolerateTrackFailure("ru", err); terr != nil {
					return terr
				}
			} else if err := track.BuildRUSRT(specs[ruKey].Path, st.esCues, ruMap, o.logger); err != nil {
				return err
			}
		}
	}

	if enabled[refsKey] {
		if cache.IsNonEmpty(specs[refsKey].Path) {
			o.logger.Debug("%s: cache hit srt: %s", st.base, specs[refsKey].Path)
		} else {
			// Refs glosses confuse large batches more easily; cap the chunk
			// size and parallelism.
			refsChunk := o.cfg.ChunkSize
			if refsChunk > 400 {
				refsChunk = 400
			}
			refsWorkers := o.cfg.JobsChunks
			if refsWorkers > 2 {
				refsWorkers = 2
			}
			refsMap, err := o.runTranslation(ctx, st,
				o.translateKind(st, "ru_ref", "ru_ref_asr"), "ru_refs",
				translate.PromptRussianRefs, refsChunk, refsWorkers)
			if err != nil {
				if terr := o.tolerateTrackFailure("refs", err); terr != nil {
					return terr
				}
			} else if err := track.BuildRefsSRT(specs[refsKey].Path, st.esCues, refsMap, o.logger); err != nil {
				return err
			}
		}
	}

	if enabled[dualKey] {
		if err := track.BuildDualSRT(specs[dualKey].Path, st.esCues, ruMap, specs[ruKey].Path, o.logger); err != nil {
			if terr := o.tolerateTrackFailure("ru-dual", err); terr != nil {
				return terr
			}
		}
	}
	return nil
}

// tolerateTrackFailure downgrades a failure on a non-required track to a
// logged warning. Required tracks fail the episode.
func (o *Orchestrator) tolerateTrackFailure(family string, err error) error {
	if o.cfg.Policy.Required(family) {
		return fmt.Errorf("required track %s: %w", family, err)
	}
	o.logger.Warn("track %s failed, omitting: %v", family, err)
	return nil
}

// mux assembles the final MKV from every produced track, in stable order.
func (o *Orchestrator) mux(ctx context.Context, st *episodeState) error {
	var subs []media.SubtitleTrack
	var produced []track.ProducedTrack

	esPath := o.layout.ESFile(st.base, st.asr)
	if cache.IsNonEmpty(esPath) {
		title := "Spanish"
		id := track.ES
		if st.asr {
			title = "Spanish/ASR"
			id = track.ESASR
		}
		subs = append(subs, media.SubtitleTrack{Path: esPath, Lang: "spa", Title: title})
		produced = append(produced, track.ProducedTrack{ID: id, Path: esPath, Lang: "spa", Title: title})
	}
	enPath := o.layout.ENFile(st.base, st.asr)
	if o.cfg.Policy.Enabled("en") && cache.IsNonEmpty(enPath) {
		title := "English"
		id := track.EN
		if st.asr {
			title = "English/ASR"
			id = track.ENASR
		}
		subs = append(subs, media.SubtitleTrack{Path: enPath, Lang: "eng", Title: title})
		produced = append(produced, track.ProducedTrack{ID: id, Path: enPath, Lang: "eng", Title: title})
	}
	for _, spec := range orderedRUSpecs(o.layout.SRTDir(), st.base, st.asr, o.cfg.PrimaryModel) {
		if cache.IsNonEmpty(spec.Path) {
			subs = append(subs, media.SubtitleTrack{Path: spec.Path, Lang: spec.Lang, Title: spec.Title})
			produced = append(produced, spec)
		}
	}
	if len(subs) == 0 {
		return &MuxError{OutPath: st.outMKV, Cause: errors.New("no subtitle tracks produced")}
	}

	defaultTitle := ""
	if o.cfg.DefaultSub != "" {
		title, err := track.DefaultTitle(produced, o.cfg.DefaultSub)
		if err != nil {
			o.logger.Warn("%s: %v", st.base, err)
		} else {
			defaultTitle = title
		}
	}

	err := o.muxer.Mux(ctx, MuxJob{
		VideoPath:         st.mp4,
		OutPath:           st.outMKV,
		Tracks:            subs,
		TimingOffsetMS:    o.cfg.TimingOffsetMS,
		DefaultTrackTitle: defaultTitle,
	})
	if err != nil {
		return &MuxError{OutPath: st.outMKV, Cause: err}
	}
	o.logger.Info("%s: wrote %s", st.base, st.outMKV)
	return nil
}

// orderedRUSpecs returns the RU-family specs in mux order.
func orderedRUSpecs(srtDir, base string, asr bool, primaryModel string) []track.ProducedTrack {
	specs := track.FileSpecs(srtDir, base, asr, primaryModel)
	keys := []track.Track{track.RU, track.Refs, track.RUDual}
	if asr {
		keys = []track.Track{track.RUASR, track.RefsASR, track.RUDualASR}
	}
	out := make([]track.ProducedTrack, 0, len(keys))
	for _, k := range keys {
		out = append(out, specs[k])
	}
	return out
}
