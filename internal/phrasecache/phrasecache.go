// Package phrasecache holds the cross-episode phrase cache: recurring
// source phrases (greetings, catchphrases, credits) mapped to fixed
// translations per track family, so they are never re-sent to the backend.
// The cache is a hand-curated JSON file and is read-mostly; all episodes of
// a season run share one instance.
package phrasecache

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

const formatVersion = 1

var spaceRe = regexp.MustCompile(`\s+`)

var quoteFold = strings.NewReplacer(
	"…", "...",
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
	"«", `"`,
	"»", `"`,
	"„", `"`,
)

// Normalize folds typographic quotes and ellipses, collapses whitespace and
// lowercases, producing the lookup key for a source phrase. The same
// normalization feeds response-echo construction so cache keys and echoes
// agree on what "the same text" means.
func Normalize(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}
	s = quoteFold.Replace(s)
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.ToLower(s)
}

type entry struct {
	Enabled *bool             `json:"enabled,omitempty"`
	Tracks  map[string]string `json:"-"`
}

// Cache maps normalized source phrases to per-track translations.
type Cache struct {
	entries map[string]map[string]json.RawMessage
}

// Task pairs a cue id with its source text, the scheduler's input unit.
type Task struct {
	ID   string
	Text string
}

// Empty returns a cache with no entries; every lookup misses.
func Empty() *Cache {
	return &Cache{entries: map[string]map[string]json.RawMessage{}}
}

// Load reads the phrase cache file. A missing file yields an empty cache; a
// malformed or version-mismatched file also yields an empty cache so a bad
// edit can never block a run.
func Load(path string) (*Cache, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read phrase cache %s: %w", path, err)
	}

	var doc struct {
		Version int                                   `json:"version"`
		Entries map[string]map[string]json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Empty(), fmt.Errorf("phrase cache %s is invalid JSON: %w", path, err)
	}
	if doc.Version != formatVersion {
		return Empty(), fmt.Errorf("phrase cache %s version mismatch: got %d want %d", path, doc.Version, formatVersion)
	}
	if doc.Entries == nil {
		return Empty(), nil
	}
	return &Cache{entries: doc.Entries}, nil
}

// Lookup returns the cached translation of text for the given track family,
// or "", false. Disabled entries never hit.
func (c *Cache) Lookup(text, track string) (string, bool) {
	key := Normalize(text)
	if key == "" {
		return "", false
	}
	item, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if rawEnabled, ok := item["enabled"]; ok {
		var enabled bool
		if err := json.Unmarshal(rawEnabled, &enabled); err == nil && !enabled {
			return "", false
		}
	}
	rawValue, ok := item[track]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(rawValue, &value); err != nil {
		return "", false
	}
	return value, true
}

// Split partitions tasks into cache hits (id -> cached translation) and
// misses that must go to the translation backend.
func (c *Cache) Split(tasks []Task, track string) (hits map[string]string, misses []Task) {
	hits = make(map[string]string)
	for _, task := range tasks {
		if cached, ok := c.Lookup(task.Text, track); ok {
			hits[task.ID] = cached
			continue
		}
		misses = append(misses, task)
	}
	return hits, misses
}
