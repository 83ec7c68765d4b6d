package subtitle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSRT_Basic(t *testing.T) {
	text := "1\n00:01:02,500 --> 00:01:05,000\nHola, ¿qué tal?\n\n2\n00:01:05,100 --> 00:01:07,250\nSegunda línea\ncontinuación\n"

	cues := ParseSRT(text)
	require.Len(t, cues, 2)
	require.Equal(t, 62500, cues[0].StartMS)
	require.Equal(t, 65000, cues[0].EndMS)
	require.Equal(t, "Hola, ¿qué tal?", cues[0].Text)
	require.Equal(t, "Segunda línea\ncontinuación", cues[1].Text)
	require.Equal(t, "0", cues[0].ID)
	require.Equal(t, "1", cues[1].ID)
}

func TestSRT_RoundTripByteIdentical(t *testing.T) {
	text := "1\n00:01:02,500 --> 00:01:05,000\nHola, ¿qué tal? Привет! 你好\n\n2\n01:02:03,004 --> 01:02:05,999\nSegunda\nlínea\n"

	cues := ParseSRT(text)
	require.Equal(t, text, FormatSRT(cues))
}

func TestParseSRT_MissingIndexLine(t *testing.T) {
	text := "00:00:01,000 --> 00:00:02,000\nsin índice\n"
	cues := ParseSRT(text)
	require.Len(t, cues, 1)
	require.Equal(t, "sin índice", cues[0].Text)
}

func TestParseSRT_SkipsGarbageBlocks(t *testing.T) {
	text := "not a cue\nstill not\n\n1\n00:00:01,000 --> 00:00:02,000\nok\n"
	cues := ParseSRT(text)
	require.Len(t, cues, 1)
	require.Equal(t, "ok", cues[0].Text)
}

func TestFormatSRTTimestamp(t *testing.T) {
	require.Equal(t, "00:01:02,500", FormatSRTTimestamp(62500))
	require.Equal(t, "01:00:00,001", FormatSRTTimestamp(3600001))
	require.Equal(t, "00:00:00,000", FormatSRTTimestamp(-5))
}

func TestEndOfTimeline(t *testing.T) {
	cues := []Cue{
		{StartMS: 0, EndMS: 1000},
		{StartMS: 5000, EndMS: 9000},
		{StartMS: 2000, EndMS: 3000},
	}
	require.Equal(t, 9000, EndOfTimeline(cues))
	require.Equal(t, 0, EndOfTimeline(nil))
}
