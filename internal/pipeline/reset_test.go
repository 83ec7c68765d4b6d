package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"episodedl/pkg/log"
)

func layersAsStrings(layers []ResetLayer) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		out[i] = string(l)
	}
	return out
}

func TestParseResetLayersExpandsDerived(t *testing.T) {
	layers, err := ParseResetLayers([]string{"video"})
	require.NoError(t, err)
	require.ElementsMatch(t,
		[]string{"video", "subs-es", "subs-en", "subs-ru", "subs-refs", "mkv"},
		layersAsStrings(layers))

	layers, err = ParseResetLayers([]string{"subs-en"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"subs-en", "mkv"}, layersAsStrings(layers))

	layers, err = ParseResetLayers([]string{"catalog"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"catalog"}, layersAsStrings(layers))
}

func TestParseResetLayersRejectsUnknown(t *testing.T) {
	_, err := ParseResetLayers([]string{"everything"})
	require.Error(t, err)
	require.Contains(t, err.Error(), `invalid reset layer "everything"`)

	layers, err := ParseResetLayers([]string{" MKV ", ""})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"mkv"}, layersAsStrings(layers))
}

func TestApplyResetRemovesLayerArtifacts(t *testing.T) {
	layout := NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	ep := Episode{AssetID: "555", Season: 2, Episode: 4, Title: "El regreso"}
	base := ep.BaseName()

	touch := func(path string) {
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	touch(layout.MP4File(base))
	touch(layout.VTTFile(ep.AssetID, "es"))
	touch(layout.ESFile(base, false))
	touch(layout.ENFile(base, false))
	touch(layout.RUFile(base, false))
	touch(layout.OutMKV(base))

	ruStem, err := layout.TranslateBase(base, "ru")
	require.NoError(t, err)
	touch(ruStem + ".c500.ru.out.0001.jsonl")

	layers, err := ParseResetLayers([]string{"subs-ru"})
	require.NoError(t, err)
	require.NoError(t, ApplyReset(layout, ep, layers, log.Discard()))

	// RU artifacts and the derived MKV are gone.
	require.NoFileExists(t, layout.RUFile(base, false))
	require.NoFileExists(t, ruStem+".c500.ru.out.0001.jsonl")
	require.NoFileExists(t, layout.OutMKV(base))
	// Unrelated layers survive.
	require.FileExists(t, layout.MP4File(base))
	require.FileExists(t, layout.ESFile(base, false))
	require.FileExists(t, layout.ENFile(base, false))
}

func TestApplyResetVideoClearsEverything(t *testing.T) {
	layout := NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	ep := Episode{AssetID: "556", Season: 2, Episode: 5, Title: "La vuelta"}
	base := ep.BaseName()

	paths := []string{
		layout.MP4File(base),
		layout.VTTFile(ep.AssetID, "es"),
		layout.ESFile(base, false),
		layout.ENFile(base, true),
		layout.RUFile(base, false),
		layout.RefsFile(base, false),
		layout.DualFile(base, false),
		layout.OutMKV(base),
	}
	for _, p := range paths {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	layers, err := ParseResetLayers([]string{"video"})
	require.NoError(t, err)
	require.NoError(t, ApplyReset(layout, ep, layers, log.Discard()))
	for _, p := range paths {
		require.NoFileExists(t, p)
	}
}

func TestApplyResetMissingFilesAreFine(t *testing.T) {
	layout := NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	ep := Episode{AssetID: "557", Season: 1, Episode: 1, Title: "Nada"}

	layers, err := ParseResetLayers([]string{"video", "catalog"})
	require.NoError(t, err)
	require.NoError(t, ApplyReset(layout, ep, layers, log.Discard()))
}

func TestApplyResetCatalogGlobs(t *testing.T) {
	layout := NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	for _, key := range []string{"aaaa", "bbbb"} {
		require.NoError(t, os.WriteFile(layout.CatalogCacheFile(key), []byte("{}"), 0o644))
	}

	layers, err := ParseResetLayers([]string{"catalog"})
	require.NoError(t, err)
	require.NoError(t, ApplyReset(layout, Episode{AssetID: "1", Season: 1, Episode: 1}, layers, log.Discard()))

	matches, err := filepath.Glob(layout.CatalogCacheFile("*"))
	require.NoError(t, err)
	require.Empty(t, matches)
}
