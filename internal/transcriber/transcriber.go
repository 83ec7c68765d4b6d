// Package transcriber wraps the whisperx CLI as the pipeline's ASR
// collaborator. whisperx writes an SRT next to its output directory; the
// wrapper parses it back into cues.
package transcriber

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"episodedl/internal/pipeline"
	"episodedl/internal/subtitle"
	"episodedl/pkg/log"
)

// Options carries the whisperx invocation knobs.
type Options struct {
	Binary      string
	Model       string
	Device      string
	ComputeType string
	BatchSize   int
	Language    string
	// RecoverableSignatures mark failure output that points at corrupt or
	// truncated input media rather than a broken ASR setup.
	RecoverableSignatures []string
}

// DefaultRecoverableSignatures are the wordings whisperx/ffmpeg emit when
// the input file itself is broken.
var DefaultRecoverableSignatures = []string{
	"moov atom not found",
	"invalid data found when processing input",
	"end of file",
	"partial file",
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = "whisperx"
	}
	if o.Model == "" {
		o.Model = "large-v3"
	}
	if o.Device == "" {
		o.Device = "cpu"
	}
	if o.ComputeType == "" {
		o.ComputeType = "int8"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 8
	}
	if o.Language == "" {
		o.Language = "es"
	}
	if o.RecoverableSignatures == nil {
		o.RecoverableSignatures = DefaultRecoverableSignatures
	}
	return o
}

// WhisperX runs the whisperx CLI; implements pipeline.Transcriber.
type WhisperX struct {
	opts   Options
	logger *log.Logger
	// workDir receives whisperx's output files; one per instance so
	// concurrent episodes never collide.
	workDir string
}

func New(opts Options, workDir string, logger *log.Logger) *WhisperX {
	if logger == nil {
		logger = log.Discard()
	}
	return &WhisperX{opts: opts.withDefaults(), logger: logger, workDir: workDir}
}

// CheckAvailable reports whether the whisperx binary is on PATH.
func (w *WhisperX) CheckAvailable() error {
	if _, err := exec.LookPath(w.opts.Binary); err != nil {
		return fmt.Errorf("%s not found on PATH: install WhisperX or disable the ASR fallback", w.opts.Binary)
	}
	return nil
}

// Transcribe runs ASR over mediaPath and returns the cue list. Failures
// whose output matches a recoverable signature are marked as such so the
// orchestrator can re-download the media once.
func (w *WhisperX) Transcribe(ctx context.Context, mediaPath string) ([]subtitle.Cue, error) {
	if err := w.CheckAvailable(); err != nil {
		return nil, &pipeline.TranscriptionError{Cause: err}
	}

	outDir := w.workDir
	if outDir == "" {
		outDir = filepath.Dir(mediaPath)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, &pipeline.TranscriptionError{Cause: err}
	}

	args := []string{
		mediaPath,
		"--language", w.opts.Language,
		"--task", "transcribe",
		"--model", w.opts.Model,
		"--device", w.opts.Device,
		"--compute_type", w.opts.ComputeType,
		"--batch_size", fmt.Sprintf("%d", w.opts.BatchSize),
		"--output_format", "srt",
		"--output_dir", outDir,
	}
	w.logger.Debug("%s %s", w.opts.Binary, strings.Join(args, " "))

	done := w.logger.Stage("asr:" + filepath.Base(mediaPath))
	cmd := exec.CommandContext(ctx, w.opts.Binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		werr := fmt.Errorf("%s failed: %w: %s", w.opts.Binary, err, tail(string(output), 400))
		done(werr)
		return nil, &pipeline.TranscriptionError{
			Recoverable: w.recoverable(string(output)),
			Cause:       werr,
		}
	}
	done(nil)

	stem := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	produced := filepath.Join(outDir, stem+".srt")
	raw, err := os.ReadFile(produced)
	if err != nil {
		return nil, &pipeline.TranscriptionError{
			Cause: fmt.Errorf("%s finished but expected output missing: %s", w.opts.Binary, produced),
		}
	}
	defer os.Remove(produced)

	cues := subtitle.ParseSRT(string(raw))
	if len(cues) == 0 {
		return nil, &pipeline.TranscriptionError{
			Recoverable: true,
			Cause:       fmt.Errorf("%s produced no cues for %s", w.opts.Binary, mediaPath),
		}
	}
	return cues, nil
}

func (w *WhisperX) recoverable(output string) bool {
	lower := strings.ToLower(output)
	for _, sig := range w.opts.RecoverableSignatures {
		if sig != "" && strings.Contains(lower, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
