package subtitle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SRT is the canonical internal and output subtitle format. Timestamps use
// a comma millisecond separator: HH:MM:SS,mmm --> HH:MM:SS,mmm.

var srtTimeRe = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2}),(\d{3})\s+-->\s+(\d{2}):(\d{2}):(\d{2}),(\d{3})`)

// ParseSRT parses SRT text into cues. Numeric index lines are optional,
// malformed blocks are skipped. Text passes through unchanged so that
// FormatSRT(ParseSRT(s)) round-trips byte-identically for well-formed input.
func ParseSRT(srtText string) []Cue {
	lines := splitLines(srtText)
	var cues []Cue
	i := 0
	for i < len(lines) {
		for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			i++
		}
		if i >= len(lines) {
			break
		}

		// Optional numeric cue index.
		if i+1 < len(lines) && isDigits(strings.TrimSpace(lines[i])) && srtTimeRe.MatchString(strings.TrimSpace(lines[i+1])) {
			i++
		}

		m := srtTimeRe.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if m == nil {
			for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
				i++
			}
			continue
		}

		startMS := srtTimestampMS(m[1], m[2], m[3], m[4])
		endMS := srtTimestampMS(m[5], m[6], m[7], m[8])
		i++
		var textLines []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			textLines = append(textLines, lines[i])
			i++
		}
		cues = append(cues, Cue{
			ID:      strconv.Itoa(len(cues)),
			StartMS: startMS,
			EndMS:   endMS,
			Text:    strings.TrimSpace(strings.Join(textLines, "\n")),
		})
	}
	return cues
}

// FormatSRT serializes cues to SRT, numbering from 1.
func FormatSRT(cues []Cue) string {
	var out []string
	for idx, c := range cues {
		out = append(out, strconv.Itoa(idx+1))
		out = append(out, fmt.Sprintf("%s --> %s", FormatSRTTimestamp(c.StartMS), FormatSRTTimestamp(c.EndMS)))
		out = append(out, c.Text)
		out = append(out, "")
	}
	return strings.Join(out, "\n")
}

// FormatSRTTimestamp renders milliseconds as HH:MM:SS,mmm. Negative values
// clamp to zero.
func FormatSRTTimestamp(ms int) string {
	if ms < 0 {
		ms = 0
	}
	hh := ms / 3_600_000
	ms -= hh * 3_600_000
	mm := ms / 60_000
	ms -= mm * 60_000
	ss := ms / 1000
	ms -= ss * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hh, mm, ss, ms)
}

func srtTimestampMS(hh, mm, ss, ms string) int {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	s, _ := strconv.Atoi(ss)
	x, _ := strconv.Atoi(ms)
	return ((h*60+m)*60+s)*1000 + x
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
