package transcriber

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"episodedl/internal/pipeline"
	"episodedl/pkg/log"
)

// stubBinary drops an executable shell script on PATH so Transcribe runs a
// real subprocess without whisperx installed.
func stubBinary(t *testing.T, name, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

const stubSRT = `1
00:00:01,000 --> 00:00:03,000
Hola desde el stub.

2
00:00:04,000 --> 00:00:06,000
Segunda línea.
`

func TestTranscribeParsesProducedSRT(t *testing.T) {
	// The stub mimics whisperx: write <stem>.srt into --output_dir.
	stubBinary(t, "whisperx", `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output_dir" ]; then out="$2"; fi
  shift
done
cat > "$out/episode.srt" <<'EOF'
`+stubSRT+`EOF
`)
	work := t.TempDir()
	media := filepath.Join(t.TempDir(), "episode.mp4")
	require.NoError(t, os.WriteFile(media, []byte("x"), 0o644))

	w := New(Options{}, work, log.Discard())
	cues, err := w.Transcribe(context.Background(), media)
	require.NoError(t, err)
	require.Len(t, cues, 2)
	require.Equal(t, "Hola desde el stub.", cues[0].Text)
	require.Equal(t, 1000, cues[0].StartMS)

	// The intermediate SRT is cleaned up.
	require.NoFileExists(t, filepath.Join(work, "episode.srt"))
}

func TestTranscribeRecoverableFailure(t *testing.T) {
	stubBinary(t, "whisperx", `echo "ffmpeg error: moov atom not found"; exit 1`)

	w := New(Options{}, t.TempDir(), log.Discard())
	_, err := w.Transcribe(context.Background(), "/nonexistent/ep.mp4")
	var terr *pipeline.TranscriptionError
	require.ErrorAs(t, err, &terr)
	require.True(t, terr.Recoverable)
	require.Contains(t, terr.Error(), "moov atom")
}

func TestTranscribeUnrecoverableFailure(t *testing.T) {
	stubBinary(t, "whisperx", `echo "CUDA driver version is insufficient"; exit 1`)

	w := New(Options{}, t.TempDir(), log.Discard())
	_, err := w.Transcribe(context.Background(), "/nonexistent/ep.mp4")
	var terr *pipeline.TranscriptionError
	require.ErrorAs(t, err, &terr)
	require.False(t, terr.Recoverable)
}

func TestTranscribeEmptyOutputIsRecoverable(t *testing.T) {
	stubBinary(t, "whisperx", `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output_dir" ]; then out="$2"; fi
  shift
done
: > "$out/ep.srt"
`)
	media := filepath.Join(t.TempDir(), "ep.mp4")
	require.NoError(t, os.WriteFile(media, []byte("x"), 0o644))

	w := New(Options{}, t.TempDir(), log.Discard())
	_, err := w.Transcribe(context.Background(), media)
	var terr *pipeline.TranscriptionError
	require.ErrorAs(t, err, &terr)
	require.True(t, terr.Recoverable)
	require.Contains(t, terr.Error(), "no cues")
}

func TestTranscribeMissingBinary(t *testing.T) {
	w := New(Options{Binary: "definitely-not-installed-xyz"}, t.TempDir(), log.Discard())
	err := w.CheckAvailable()
	require.Error(t, err)

	_, err = w.Transcribe(context.Background(), "/x.mp4")
	var terr *pipeline.TranscriptionError
	require.ErrorAs(t, err, &terr)
	require.False(t, terr.Recoverable)
}

func TestRecoverableSignaturesAreConfigurable(t *testing.T) {
	w := New(Options{RecoverableSignatures: []string{"custom wording"}}, "", log.Discard())
	require.True(t, w.recoverable("something CUSTOM WORDING here"))
	require.False(t, w.recoverable("moov atom not found"))
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	require.Equal(t, "whisperx", o.Binary)
	require.Equal(t, "large-v3", o.Model)
	require.Equal(t, "es", o.Language)
	require.Equal(t, DefaultRecoverableSignatures, o.RecoverableSignatures)
}
