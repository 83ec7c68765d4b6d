// Package media wraps the ffmpeg/ffprobe CLIs for video download, duration
// probing and final container muxing.
package media

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"episodedl/internal/cache"
	"episodedl/pkg/log"
)

// SubtitleTrack is one finished subtitle file to embed in the container.
type SubtitleTrack struct {
	Path  string
	Lang  string
	Title string
}

// FFmpeg runs media operations through the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	Binary      string
	ProbeBinary string
	logger      *log.Logger
}

func NewFFmpeg(logger *log.Logger) *FFmpeg {
	if logger == nil {
		logger = log.Discard()
	}
	return &FFmpeg{Binary: "ffmpeg", ProbeBinary: "ffprobe", logger: logger}
}

// CheckAvailable verifies both binaries before a run starts.
func (f *FFmpeg) CheckAvailable(ctx context.Context) error {
	for _, bin := range []string{f.Binary, f.ProbeBinary} {
		if err := exec.CommandContext(ctx, bin, "-version").Run(); err != nil {
			return fmt.Errorf("%s not found on PATH: %w", bin, err)
		}
	}
	return nil
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	base := []string{"-hide_banner", "-nostdin"}
	if f.logger.DebugEnabled() {
		base = append(base, "-loglevel", "warning", "-stats")
		f.logger.Debug("ffmpeg %s", strings.Join(args, " "))
	} else {
		base = append(base, "-loglevel", "error")
	}

	cmd := exec.CommandContext(ctx, f.Binary, append(base, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("ffmpeg failed: %s: %w", detail, err)
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}

// downloadArgs builds the argument list for fetching a stream URL into an
// MP4 file. HLS inputs get remuxed, progressive MP4 gets copied. The output
// container is forced because the temp path carries no .mp4 suffix.
func downloadArgs(url, outPath string, headers map[string]string) []string {
	args := []string{"-y"}
	if len(headers) > 0 {
		keys := make([]string, 0, len(headers))
		for k := range headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var hdr strings.Builder
		for _, k := range keys {
			hdr.WriteString(k + ": " + headers[k] + "\r\n")
		}
		args = append(args, "-headers", hdr.String())
	}
	return append(args, "-i", url, "-c", "copy", "-f", "mp4", outPath)
}

// Download fetches url into outPath through a partial file, so an
// interrupted transfer never looks like a cached video.
func (f *FFmpeg) Download(ctx context.Context, url, outPath string, headers map[string]string) error {
	f.logger.Debug("download: %s -> %s", url, outPath)
	return cache.WithPartial(outPath, func(tmpPath string) error {
		return f.run(ctx, downloadArgs(url, tmpPath, headers))
	})
}

// DurationMS probes the container duration. A file ffprobe cannot assign a
// duration to is treated as corrupt by callers.
func (f *FFmpeg) DurationMS(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, f.ProbeBinary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %s: %w", path, strings.TrimSpace(stderr.String()), err)
	}
	raw := strings.TrimSpace(stdout.String())
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: unparseable duration %q", path, raw)
	}
	return int(math.Round(seconds * 1000)), nil
}

// muxArgs builds the argument list for assembling the final MKV: all video
// and audio streams copied, each subtitle embedded as an SRT stream with
// language and title metadata. offsetMS shifts subtitle timing; the track
// whose title equals defaultTitle gets the default disposition.
func muxArgs(videoPath, outPath string, subs []SubtitleTrack, offsetMS int, defaultTitle string) []string {
	args := []string{"-y", "-i", videoPath}
	for _, sub := range subs {
		if offsetMS != 0 {
			args = append(args, "-itsoffset", fmt.Sprintf("%.3f", float64(offsetMS)/1000))
		}
		args = append(args, "-i", sub.Path)
	}

	args = append(args, "-map", "0")
	for i := range subs {
		args = append(args, "-map", strconv.Itoa(i+1))
	}
	args = append(args, "-c", "copy", "-c:s", "srt")

	for i, sub := range subs {
		args = append(args,
			fmt.Sprintf("-metadata:s:s:%d", i), "language="+sub.Lang,
			fmt.Sprintf("-metadata:s:s:%d", i), "title="+sub.Title)
		if defaultTitle != "" {
			disposition := "0"
			if sub.Title == defaultTitle {
				disposition = "default"
			}
			args = append(args, fmt.Sprintf("-disposition:s:%d", i), disposition)
		}
	}

	return append(args, "-f", "matroska", outPath)
}

// Mux writes the final container through a partial file. A killed mux
// leaves only the partial behind, never a half-written file at the final
// path.
func (f *FFmpeg) Mux(ctx context.Context, videoPath, outPath string, subs []SubtitleTrack, offsetMS int, defaultTitle string) error {
	for _, sub := range subs {
		if !cache.IsNonEmpty(sub.Path) {
			return fmt.Errorf("subtitle track %s is missing or empty", sub.Path)
		}
	}
	f.logger.Debug("mux: video=%s out=%s subs=%d", videoPath, outPath, len(subs))
	return cache.WithPartial(outPath, func(tmpPath string) error {
		return f.run(ctx, muxArgs(videoPath, tmpPath, subs, offsetMS, defaultTitle))
	})
}
