package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"episodedl/internal/track"
)

// Layout names every cache location inside one series working tree:
//
//	<root>/tmp/mp4     cached episode videos
//	<root>/tmp/vtt     provider subtitle files as fetched
//	<root>/tmp/srt     per-track subtitle files
//	<root>/tmp/codex   translation chunk caches, one dir per track kind
//	<root>/tmp/meta    telemetry database, phrase cache
//	<root>/out         final MKV files
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) TmpDir() string  { return filepath.Join(l.Root, "tmp") }
func (l Layout) MP4Dir() string  { return filepath.Join(l.TmpDir(), "mp4") }
func (l Layout) VTTDir() string  { return filepath.Join(l.TmpDir(), "vtt") }
func (l Layout) SRTDir() string  { return filepath.Join(l.TmpDir(), "srt") }
func (l Layout) MetaDir() string { return filepath.Join(l.TmpDir(), "meta") }
func (l Layout) OutDir() string  { return filepath.Join(l.Root, "out") }

// EnsureDirs creates the full directory skeleton up front so every later
// stage can write without checking parents.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.MP4Dir(), l.VTTDir(), l.SRTDir(), l.MetaDir(), l.OutDir(),
	}
	for _, kind := range translateKinds {
		dirs = append(dirs, filepath.Join(l.TmpDir(), "codex", kind))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (l Layout) MP4File(base string) string {
	return filepath.Join(l.MP4Dir(), base+".mp4")
}

func (l Layout) VTTFile(assetID, lang string) string {
	return filepath.Join(l.VTTDir(), fmt.Sprintf("%s.%s.vtt", assetID, lang))
}

func (l Layout) OutMKV(base string) string {
	return filepath.Join(l.OutDir(), base+".mkv")
}

func (l Layout) TelemetryDB() string {
	return filepath.Join(l.MetaDir(), "telemetry.sqlite")
}

func (l Layout) PhraseCacheFile() string {
	return filepath.Join(l.MetaDir(), "phrases.json")
}

func (l Layout) CatalogCacheFile(key string) string {
	return filepath.Join(l.MetaDir(), fmt.Sprintf("catalog_%s.json", key))
}

// Translation chunk-cache kinds, one subdirectory each.
var translateKinds = []string{"en", "ru", "ru_ref", "en_asr", "ru_asr", "ru_ref_asr"}

// TranslateBase returns the chunk-cache stem for one track kind of one
// episode. The scheduler derives all of its chunk file names from it.
func (l Layout) TranslateBase(base, kind string) (string, error) {
	for _, known := range translateKinds {
		if kind == known {
			return filepath.Join(l.TmpDir(), "codex", kind, fmt.Sprintf("%s.%s", base, kind)), nil
		}
	}
	return "", fmt.Errorf("unknown translation kind %q", kind)
}

// Track file paths delegate to the track package's suffix scheme.

func (l Layout) ESFile(base string, asr bool) string {
	return track.ESPath(l.SRTDir(), base, asr)
}

func (l Layout) ENFile(base string, asr bool) string {
	return track.ENPath(l.SRTDir(), base, asr)
}

func (l Layout) RUFile(base string, asr bool) string {
	return track.RUPath(l.SRTDir(), base, asr)
}

func (l Layout) RefsFile(base string, asr bool) string {
	return track.RefsPath(l.SRTDir(), base, asr)
}

func (l Layout) DualFile(base string, asr bool) string {
	return track.DualPath(l.SRTDir(), base, asr)
}
