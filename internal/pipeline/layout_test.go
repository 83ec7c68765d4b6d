package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseName(t *testing.T) {
	cases := []struct {
		ep   Episode
		want string
	}{
		{Episode{Season: 1, Episode: 3, Title: "La mudanza"}, "S01E03_la_mudanza"},
		{Episode{Season: 2, Episode: 14, Title: "  ¡Época de exámenes!  "}, "S02E14_poca_de_ex_menes"},
		{Episode{Season: 1, Episode: 1, Title: "***"}, "S01E01_episode"},
		{Episode{Season: 10, Episode: 7, Title: ""}, "S10E07_episode"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.ep.BaseName())
	}
}

func TestBaseNameCapsLongTitles(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "palabra "
	}
	base := Episode{Season: 1, Episode: 1, Title: long}.BaseName()
	require.LessOrEqual(t, len(base), len("S01E01_")+80)
}

func TestLayoutEnsureDirs(t *testing.T) {
	layout := NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())

	for _, dir := range []string{
		layout.MP4Dir(), layout.VTTDir(), layout.SRTDir(), layout.MetaDir(), layout.OutDir(),
		filepath.Join(layout.TmpDir(), "codex", "ru"),
		filepath.Join(layout.TmpDir(), "codex", "ru_ref_asr"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestTranslateBaseValidatesKind(t *testing.T) {
	layout := NewLayout("/work")
	stem, err := layout.TranslateBase("S01E03_la_mudanza", "ru")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/work", "tmp", "codex", "ru", "S01E03_la_mudanza.ru"), stem)

	_, err = layout.TranslateBase("S01E03_la_mudanza", "de")
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown translation kind "de"`)
}

func TestLayoutFileNames(t *testing.T) {
	layout := NewLayout("/work")
	require.Equal(t, "/work/tmp/mp4/S01E01_x.mp4", layout.MP4File("S01E01_x"))
	require.Equal(t, "/work/tmp/vtt/12345.es.vtt", layout.VTTFile("12345", "es"))
	require.Equal(t, "/work/out/S01E01_x.mkv", layout.OutMKV("S01E01_x"))
	require.Equal(t, "/work/tmp/srt/S01E01_x.spa.srt", layout.ESFile("S01E01_x", false))
	require.Equal(t, "/work/tmp/srt/S01E01_x.rus.asr.srt", layout.RUFile("S01E01_x", true))
}
