package track

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"episodedl/internal/cache"
	"episodedl/internal/subtitle"
	"episodedl/pkg/log"
)

var (
	wsRe          = regexp.MustCompile(`\s+`)
	spanishWordRe = regexp.MustCompile(`[a-záéíóúñü]+`)
	cyrillicParen = regexp.MustCompile(`\([^)]*[А-Яа-яЁё][^)]*\)`)
)

func normalizeRefsCandidate(raw string) string {
	t := strings.TrimSpace(raw)
	if t == "" {
		return ""
	}
	if strings.Contains(t, "\t") {
		var parts []string
		for _, p := range strings.Split(t, "\t") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		t = strings.Join(parts, " ")
	}
	return strings.TrimSpace(wsRe.ReplaceAllString(t, " "))
}

func spanishTokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range spanishWordRe.FindAllString(strings.ToLower(s), -1) {
		out[tok] = true
	}
	return out
}

// looksLikeInlineAnnotatedSpanish decides whether a refs gloss is already
// the Spanish line with inline Russian annotations (the preferred form) as
// opposed to a bare gloss list. The heuristic demands token overlap with
// the source and, when parentheses appear, at least one Cyrillic-bearing
// parenthetical.
func looksLikeInlineAnnotatedSpanish(esText, candidate string) bool {
	es := strings.TrimSpace(esText)
	out := strings.TrimSpace(candidate)
	if out == "" {
		return false
	}
	if strings.Contains(out, ";") && !strings.ContainsAny(out, "()") {
		return false
	}
	esToks := spanishTokens(es)
	outToks := spanishTokens(out)
	overlap := 0
	for tok := range esToks {
		if outToks[tok] {
			overlap++
		}
	}
	minOverlap := 2
	if len(esToks) <= 3 {
		minOverlap = 1
	}
	if overlap < minOverlap {
		return false
	}
	if strings.ContainsAny(out, "()") && !cyrillicParen.MatchString(out) {
		return false
	}
	return true
}

// ComposeRefText picks the text for one refs-track cue: the annotated
// Spanish when the gloss qualifies, the plain Spanish source otherwise.
func ComposeRefText(esText, ruRefs string) string {
	es := strings.TrimSpace(esText)
	candidate := normalizeRefsCandidate(ruRefs)
	if candidate == "" {
		return es
	}
	if looksLikeInlineAnnotatedSpanish(es, candidate) {
		return candidate
	}
	return es
}

// indexKey is the cue addressing scheme shared with the translation layer:
// translations are keyed by the cue's position in the source list.
func indexKey(i int) string { return strconv.Itoa(i) }

// BuildRUSRT writes the Russian track: source timings with translated text.
// An existing non-empty file is a cache hit.
func BuildRUSRT(path string, cues []subtitle.Cue, ruMap map[string]string, logger *log.Logger) error {
	cache.RemoveIfEmpty(path)
	if cache.IsNonEmpty(path) {
		logger.Debug("cache hit srt: %s", path)
		return nil
	}
	out := make([]subtitle.Cue, len(cues))
	for i, c := range cues {
		out[i] = c.WithText(ruMap[indexKey(i)])
	}
	return cache.WriteFileAtomic(path, []byte(subtitle.FormatSRT(out)))
}

// BuildRefsSRT writes the learner track: Spanish with inline Russian
// annotations where the backend produced usable ones.
func BuildRefsSRT(path string, cues []subtitle.Cue, refsMap map[string]string, logger *log.Logger) error {
	cache.RemoveIfEmpty(path)
	if cache.IsNonEmpty(path) {
		logger.Debug("cache hit srt: %s", path)
		return nil
	}
	out := make([]subtitle.Cue, len(cues))
	for i, c := range cues {
		out[i] = c.WithText(ComposeRefText(strings.TrimSpace(c.Text), refsMap[indexKey(i)]))
	}
	return cache.WriteFileAtomic(path, []byte(subtitle.FormatSRT(out)))
}

// BuildDualSRT writes the bilingual track: Spanish over Russian in each
// cue. When the translation map is empty (the ru track came from cache) it
// is recovered from the finished ru SRT.
func BuildDualSRT(path string, cues []subtitle.Cue, ruMap map[string]string, ruFallbackPath string, logger *log.Logger) error {
	cache.RemoveIfEmpty(path)
	if cache.IsNonEmpty(path) {
		logger.Debug("cache hit srt: %s", path)
		return nil
	}
	if len(ruMap) == 0 {
		raw, err := os.ReadFile(ruFallbackPath)
		if err != nil {
			return fmt.Errorf("dual track needs the ru track: %w", err)
		}
		ruCues := subtitle.ParseSRT(string(raw))
		ruMap = make(map[string]string, len(ruCues))
		for i, c := range ruCues {
			ruMap[indexKey(i)] = strings.TrimSpace(c.Text)
		}
	}
	out := make([]subtitle.Cue, len(cues))
	for i, c := range cues {
		text := strings.TrimSpace(strings.TrimSpace(c.Text) + "\n" + strings.TrimSpace(ruMap[indexKey(i)]))
		out[i] = c.WithText(text)
	}
	return cache.WriteFileAtomic(path, []byte(subtitle.FormatSRT(out)))
}
