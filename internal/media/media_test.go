package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDownloadArgs(t *testing.T) {
	args := downloadArgs("https://cdn.example/master.m3u8", "/tmp/ep.mp4.partial", map[string]string{
		"Referer": "https://www.example.es/",
	})
	require.Equal(t, []string{
		"-y",
		"-headers", "Referer: https://www.example.es/\r\n",
		"-i", "https://cdn.example/master.m3u8",
		"-c", "copy",
		"-f", "mp4",
		"/tmp/ep.mp4.partial",
	}, args)
}

func TestDownloadArgsNoHeaders(t *testing.T) {
	args := downloadArgs("https://cdn.example/file.mp4", "/tmp/out", nil)
	require.NotContains(t, args, "-headers")
}

func TestMuxArgs(t *testing.T) {
	subs := []SubtitleTrack{
		{Path: "a.spa.srt", Lang: "spa", Title: "Spanish"},
		{Path: "a.rus.srt", Lang: "rus", Title: "opus MT"},
	}
	args := muxArgs("ep.mp4", "ep.mkv.partial", subs, 0, "opus MT")

	require.Equal(t, []string{"-y", "-i", "ep.mp4", "-i", "a.spa.srt", "-i", "a.rus.srt"}, args[:7])
	require.Subset(t, args, []string{"-map", "0", "-map", "1", "-map", "2"})
	require.Subset(t, args, []string{"-c", "copy", "-c:s", "srt"})
	require.Subset(t, args, []string{"-metadata:s:s:0", "language=spa", "-metadata:s:s:1", "title=opus MT"})

	// Default disposition lands on the matching title only.
	require.Subset(t, args, []string{"-disposition:s:0", "0", "-disposition:s:1", "default"})
	require.Equal(t, "ep.mkv.partial", args[len(args)-1])
	require.Equal(t, []string{"-f", "matroska"}, args[len(args)-3:len(args)-1])
}

func TestMuxArgsTimingOffset(t *testing.T) {
	subs := []SubtitleTrack{{Path: "a.rus.srt", Lang: "rus", Title: "RU"}}
	args := muxArgs("ep.mp4", "out", subs, -1500, "")
	require.Subset(t, args, []string{"-itsoffset", "-1.500"})
	require.NotContains(t, args, "-disposition:s:0")
}
