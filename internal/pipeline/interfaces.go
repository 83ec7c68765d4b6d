package pipeline

import (
	"context"

	"episodedl/internal/media"
	"episodedl/internal/subtitle"
	"episodedl/internal/translate"
)

// ResolvedAsset is what the provider resolver hands back for one asset.
type ResolvedAsset struct {
	Title string
	// VideoURLs is ranked best-first; the fetcher tries the head.
	VideoURLs []string
	// SubtitleURLByLang maps lowercase language codes ("es", "en") to
	// provider subtitle file URLs.
	SubtitleURLByLang map[string]string
	HasDRM            bool
}

// Resolver locates media and subtitle URLs for a provider asset.
type Resolver interface {
	Resolve(ctx context.Context, assetID string, ignoreDRM bool) (ResolvedAsset, error)
}

// Transcriber produces ordered cues from a media file (ASR).
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath string) ([]subtitle.Cue, error)
}

// VideoFetcher downloads a stream URL into a local file.
type VideoFetcher interface {
	Download(ctx context.Context, url, outPath string, headers map[string]string) error
}

// DurationProber reports a media file's container duration.
type DurationProber interface {
	DurationMS(ctx context.Context, path string) (int, error)
}

// MuxJob carries everything the muxer needs for one episode.
type MuxJob struct {
	VideoPath         string
	OutPath           string
	Tracks            []media.SubtitleTrack
	TimingOffsetMS    int
	DefaultTrackTitle string
}

// Muxer assembles the final container.
type Muxer interface {
	Mux(ctx context.Context, job MuxJob) error
}

// TextFetcher downloads small text resources (provider subtitle files).
type TextFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// Translator is the batch translation entry point; satisfied by
// *translate.Scheduler.
type Translator interface {
	Translate(ctx context.Context, tasks []translate.Task, opts translate.Options) (map[string]string, error)
}
