// Package track defines the subtitle tracks an episode can produce, the
// per-track enable policy and the naming of track files inside the episode
// work directory.
package track

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Track identifies one produced subtitle track.
type Track string

const (
	ES        Track = "es"
	ESASR     Track = "es_asr"
	EN        Track = "en"
	ENASR     Track = "en_asr"
	RU        Track = "ru"
	RUASR     Track = "ru_asr"
	RUDual    Track = "ru_dual"
	RUDualASR Track = "ru_dual_asr"
	Refs      Track = "refs"
	RefsASR   Track = "refs_asr"
)

// Mode is the policy for one track family.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeOn      Mode = "on"
	ModeRequire Mode = "require"
)

// Families accepted in policy entries. ASR variants are not separate
// families; force-ASR swaps the whole set.
var families = []string{"es", "en", "ru", "ru-dual", "refs"}

var defaultModes = map[string]Mode{
	"es":      ModeOn,
	"en":      ModeOn,
	"ru":      ModeRequire,
	"ru-dual": ModeOn,
	"refs":    ModeOn,
}

// Policy holds the effective mode per track family.
type Policy struct {
	modes map[string]Mode
}

// ParsePolicy builds a policy from "family=mode" entries layered over the
// defaults. ru-dual embeds the ru translation, so enabling it promotes ru
// accordingly.
func ParsePolicy(entries []string) (Policy, error) {
	modes := make(map[string]Mode, len(defaultModes))
	for k, v := range defaultModes {
		modes[k] = v
	}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		family, mode, ok := strings.Cut(entry, "=")
		if !ok {
			return Policy{}, fmt.Errorf("invalid track policy %q: expected <track>=<off|on|require>", entry)
		}
		family = strings.ToLower(strings.TrimSpace(family))
		mode = strings.ToLower(strings.TrimSpace(mode))
		if _, known := defaultModes[family]; !known {
			sorted := append([]string(nil), families...)
			sort.Strings(sorted)
			return Policy{}, fmt.Errorf("invalid track %q: allowed: %s", family, strings.Join(sorted, ", "))
		}
		switch Mode(mode) {
		case ModeOff, ModeOn, ModeRequire:
			modes[family] = Mode(mode)
		default:
			return Policy{}, fmt.Errorf("invalid mode %q for track %q: allowed: off, on, require", mode, family)
		}
	}

	if modes["ru-dual"] != ModeOff && modes["ru"] == ModeOff {
		if modes["ru-dual"] == ModeRequire {
			modes["ru"] = ModeRequire
		} else {
			modes["ru"] = ModeOn
		}
	}
	return Policy{modes: modes}, nil
}

func (p Policy) Mode(family string) Mode { return p.modes[family] }

func (p Policy) Enabled(family string) bool { return p.modes[family] != ModeOff }

func (p Policy) Required(family string) bool { return p.modes[family] == ModeRequire }

// EnabledRussianTracks lists the Russian-side tracks the policy asks for,
// in the ASR or caption variant depending on the subtitle source.
func (p Policy) EnabledRussianTracks(forceASR bool) map[Track]bool {
	pick := func(asr, plain Track) Track {
		if forceASR {
			return asr
		}
		return plain
	}
	out := make(map[Track]bool)
	if p.Enabled("ru") {
		out[pick(RUASR, RU)] = true
	}
	if p.Enabled("refs") {
		out[pick(RefsASR, Refs)] = true
	}
	if p.Enabled("ru-dual") {
		out[pick(RUDualASR, RUDual)] = true
	}
	return out
}

// ProducedTrack describes one finished subtitle file and its mux metadata.
type ProducedTrack struct {
	ID    Track
	Path  string
	Lang  string
	Title string
}

// Per-track file suffixes. ASR-sourced tracks carry an .asr marker so both
// variants can coexist in one work directory.
func ESPath(dir, base string, asr bool) string {
	return trackPath(dir, base, "spa", asr)
}

func ENPath(dir, base string, asr bool) string {
	return trackPath(dir, base, "eng", asr)
}

func RUPath(dir, base string, asr bool) string {
	return trackPath(dir, base, "rus", asr)
}

func RefsPath(dir, base string, asr bool) string {
	return trackPath(dir, base, "spa_rus", asr)
}

func DualPath(dir, base string, asr bool) string {
	return trackPath(dir, base, "spa_rus_full", asr)
}

func trackPath(dir, base, suffix string, asr bool) string {
	if asr {
		return filepath.Join(dir, fmt.Sprintf("%s.%s.asr.srt", base, suffix))
	}
	return filepath.Join(dir, fmt.Sprintf("%s.%s.srt", base, suffix))
}

// FileSpecs maps the Russian-side tracks to their files and mux metadata.
// primaryModel shows up in the track title so players reveal which model
// produced the translation.
func FileSpecs(srtDir, base string, forceASR bool, primaryModel string) map[Track]ProducedTrack {
	if forceASR {
		return map[Track]ProducedTrack{
			RUASR:     {ID: RUASR, Path: RUPath(srtDir, base, true), Lang: "rus", Title: primaryModel + " MT/ASR"},
			RefsASR:   {ID: RefsASR, Path: RefsPath(srtDir, base, true), Lang: "spa", Title: "ES+RU refs/ASR"},
			RUDualASR: {ID: RUDualASR, Path: DualPath(srtDir, base, true), Lang: "rus", Title: "ES+RU/ASR"},
		}
	}
	return map[Track]ProducedTrack{
		RU:     {ID: RU, Path: RUPath(srtDir, base, false), Lang: "rus", Title: primaryModel + " MT"},
		Refs:   {ID: Refs, Path: RefsPath(srtDir, base, false), Lang: "spa", Title: "ES+RU refs"},
		RUDual: {ID: RUDual, Path: DualPath(srtDir, base, false), Lang: "rus", Title: "ES+RU"},
	}
}

var defaultSelections = map[string][]Track{
	"es":      {ESASR, ES},
	"en":      {ENASR, EN},
	"ru":      {RUASR, RU},
	"ru-dual": {RUDualASR, RUDual},
	"refs":    {RefsASR, Refs},
}

// DefaultTitle resolves which produced track should be marked default in
// the container, preferring the ASR variant of the requested family.
func DefaultTitle(subs []ProducedTrack, requested string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(requested))
	wanted, ok := defaultSelections[key]
	if !ok {
		allowed := make([]string, 0, len(defaultSelections))
		for k := range defaultSelections {
			allowed = append(allowed, k)
		}
		sort.Strings(allowed)
		return "", fmt.Errorf("invalid default subtitle %q: allowed: %s", requested, strings.Join(allowed, ", "))
	}
	for _, id := range wanted {
		for _, sub := range subs {
			if sub.ID == id {
				return sub.Title, nil
			}
		}
	}
	return "", fmt.Errorf("default subtitle %q is not available in produced tracks", key)
}
