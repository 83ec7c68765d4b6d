// Package pipeline contains the per-episode orchestration state machine and
// the season-level worker pool that drives it.
package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// Episode identifies one provider asset inside a series.
type Episode struct {
	AssetID string
	Season  int
	Episode int
	Title   string
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugTitle(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(slugRe.ReplaceAllString(s, "_"), "_")
	if s == "" {
		return "episode"
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// BaseName derives the cache-key prefix for every artifact of this episode.
// It must stay stable once a fetch has begun or caches silently orphan, so
// it depends only on season, episode number and the slugged title.
func (e Episode) BaseName() string {
	return fmt.Sprintf("S%02dE%02d_%s", e.Season, e.Episode, slugTitle(e.Title))
}
