package track

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePolicyDefaults(t *testing.T) {
	p, err := ParsePolicy(nil)
	require.NoError(t, err)
	require.Equal(t, ModeOn, p.Mode("es"))
	require.Equal(t, ModeRequire, p.Mode("ru"))
	require.True(t, p.Enabled("refs"))
	require.True(t, p.Required("ru"))
}

func TestParsePolicyOverrides(t *testing.T) {
	p, err := ParsePolicy([]string{"refs=off", " en = require "})
	require.NoError(t, err)
	require.False(t, p.Enabled("refs"))
	require.True(t, p.Required("en"))
}

func TestParsePolicyRUDualPromotesRU(t *testing.T) {
	p, err := ParsePolicy([]string{"ru=off", "ru-dual=on"})
	require.NoError(t, err)
	require.Equal(t, ModeOn, p.Mode("ru"))

	p, err = ParsePolicy([]string{"ru=off", "ru-dual=require"})
	require.NoError(t, err)
	require.Equal(t, ModeRequire, p.Mode("ru"))

	// Both off stays off.
	p, err = ParsePolicy([]string{"ru=off", "ru-dual=off"})
	require.NoError(t, err)
	require.False(t, p.Enabled("ru"))
}

func TestParsePolicyRejectsGarbage(t *testing.T) {
	_, err := ParsePolicy([]string{"ru"})
	require.Error(t, err)
	_, err = ParsePolicy([]string{"klingon=on"})
	require.Error(t, err)
	_, err = ParsePolicy([]string{"ru=maybe"})
	require.Error(t, err)
}

func TestEnabledRussianTracks(t *testing.T) {
	p, err := ParsePolicy(nil)
	require.NoError(t, err)

	caption := p.EnabledRussianTracks(false)
	require.Equal(t, map[Track]bool{RU: true, Refs: true, RUDual: true}, caption)

	asr := p.EnabledRussianTracks(true)
	require.Equal(t, map[Track]bool{RUASR: true, RefsASR: true, RUDualASR: true}, asr)

	p, err = ParsePolicy([]string{"refs=off", "ru-dual=off"})
	require.NoError(t, err)
	require.Equal(t, map[Track]bool{RU: true}, p.EnabledRussianTracks(false))
}

func TestTrackPaths(t *testing.T) {
	require.Equal(t, "srt/S01E02_slug.spa.srt", ESPath("srt", "S01E02_slug", false))
	require.Equal(t, "srt/S01E02_slug.eng.asr.srt", ENPath("srt", "S01E02_slug", true))
	require.Equal(t, "srt/S01E02_slug.rus.srt", RUPath("srt", "S01E02_slug", false))
	require.Equal(t, "srt/S01E02_slug.spa_rus.srt", RefsPath("srt", "S01E02_slug", false))
	require.Equal(t, "srt/S01E02_slug.spa_rus_full.asr.srt", DualPath("srt", "S01E02_slug", true))
}

func TestFileSpecsTitles(t *testing.T) {
	specs := FileSpecs("srt", "S01E02_slug", false, "opus")
	require.Equal(t, "opus MT", specs[RU].Title)
	require.Equal(t, "rus", specs[RU].Lang)
	require.Equal(t, "spa", specs[Refs].Lang)

	asr := FileSpecs("srt", "S01E02_slug", true, "opus")
	require.Equal(t, "opus MT/ASR", asr[RUASR].Title)
	require.Equal(t, "ES+RU/ASR", asr[RUDualASR].Title)
}

func TestDefaultTitlePrefersASRVariant(t *testing.T) {
	subs := []ProducedTrack{
		{ID: RU, Title: "opus MT"},
		{ID: RUASR, Title: "opus MT/ASR"},
	}
	title, err := DefaultTitle(subs, "ru")
	require.NoError(t, err)
	require.Equal(t, "opus MT/ASR", title)

	title, err = DefaultTitle(subs[:1], "ru")
	require.NoError(t, err)
	require.Equal(t, "opus MT", title)

	_, err = DefaultTitle(subs, "refs")
	require.Error(t, err)
	_, err = DefaultTitle(subs, "klingon")
	require.Error(t, err)
}
