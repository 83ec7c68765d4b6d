package subtitle

import (
	"regexp"
	"strconv"
	"strings"
)

// WebVTT is consumed as the provider-side subtitle format. Timestamps come
// in two shapes: HH:MM:SS.mmm and MM:SS.mmm. Inline markup (<c.vtt_cyan>,
// <i>, ...) is stripped; the internal cue text is always plain.

var vttTimeRe = regexp.MustCompile(
	`^(\d{2}:\d{2}:\d{2}\.\d{3}|\d{1,2}:\d{2}\.\d{3})\s+-->\s+(\d{2}:\d{2}:\d{2}\.\d{3}|\d{1,2}:\d{2}\.\d{3})`)

var vttTagRe = regexp.MustCompile(`</?[^>]+>`)

// ParseVTT parses WebVTT text into plain-text cues. NOTE/STYLE/REGION
// blocks and cue identifiers are skipped.
func ParseVTT(vttText string) []Cue {
	lines := splitLines(vttText)
	var cues []Cue
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i]), "WEBVTT") {
		i++
	}
	for i < len(lines) {
		for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			i++
		}
		if i >= len(lines) {
			break
		}

		// Optional cue id line before the timestamp.
		if i+1 < len(lines) && vttTimeRe.MatchString(strings.TrimSpace(lines[i+1])) {
			i++
		}

		m := vttTimeRe.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if m == nil {
			for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
				i++
			}
			continue
		}

		startMS := vttTimestampMS(m[1])
		endMS := vttTimestampMS(m[2])
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
			Text:    StripMarkup(strings.Join(textLines, "\n")),
		})
	}
	return cues
}

// StripMarkup removes inline VTT tags and entity spacing from cue text.
func StripMarkup(s string) string {
	s = vttTagRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	return strings.TrimSpace(s)
}

func vttTimestampMS(ts string) int {
	parts := strings.Split(ts, ":")
	switch len(parts) {
	case 3:
		hh, _ := strconv.Atoi(parts[0])
		mm, _ := strconv.Atoi(parts[1])
		ss, ms, _ := strings.Cut(parts[2], ".")
		s, _ := strconv.Atoi(ss)
		x, _ := strconv.Atoi(ms)
		return ((hh*60+mm)*60+s)*1000 + x
	case 2:
		mm, _ := strconv.Atoi(parts[0])
		ss, ms, _ := strings.Cut(parts[1], ".")
		s, _ := strconv.Atoi(ss)
		x, _ := strconv.Atoi(ms)
		return (mm*60+s)*1000 + x
	}
	return 0
}
