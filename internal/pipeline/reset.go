package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"episodedl/internal/cache"
	"episodedl/pkg/log"
)

// ResetLayer names one band of cached artifacts that can be invalidated.
type ResetLayer string

const (
	ResetVideo    ResetLayer = "video"
	ResetSubsES   ResetLayer = "subs-es"
	ResetSubsEN   ResetLayer = "subs-en"
	ResetSubsRU   ResetLayer = "subs-ru"
	ResetSubsRefs ResetLayer = "subs-refs"
	ResetMKV      ResetLayer = "mkv"
	ResetCatalog  ResetLayer = "catalog"
)

var resetLayers = []ResetLayer{
	ResetVideo, ResetSubsES, ResetSubsEN, ResetSubsRU, ResetSubsRefs, ResetMKV, ResetCatalog,
}

// derivedLayers maps each layer to the layers built from it. Resetting a
// layer always resets everything derived from it, so a stale source can
// never survive underneath fresh derivatives.
var derivedLayers = map[ResetLayer][]ResetLayer{
	ResetVideo:    {ResetSubsES, ResetSubsEN, ResetSubsRU, ResetSubsRefs, ResetMKV},
	ResetSubsES:   {ResetSubsEN, ResetSubsRU, ResetSubsRefs, ResetMKV},
	ResetSubsEN:   {ResetMKV},
	ResetSubsRU:   {ResetMKV},
	ResetSubsRefs: {ResetMKV},
}

// ParseResetLayers validates the requested layer names and closes them over
// the derivation graph.
func ParseResetLayers(names []string) ([]ResetLayer, error) {
	seen := make(map[ResetLayer]bool)
	var queue []ResetLayer
	for _, raw := range names {
		name := ResetLayer(strings.ToLower(strings.TrimSpace(raw)))
		if name == "" {
			continue
		}
		valid := false
		for _, known := range resetLayers {
			if name == known {
				valid = true
				break
			}
		}
		if !valid {
			allowed := make([]string, len(resetLayers))
			for i, l := range resetLayers {
				allowed[i] = string(l)
			}
			return nil, fmt.Errorf("invalid reset layer %q: allowed: %s", raw, strings.Join(allowed, ", "))
		}
		queue = append(queue, name)
	}
	for len(queue) > 0 {
		layer := queue[0]
		queue = queue[1:]
		if seen[layer] {
			continue
		}
		seen[layer] = true
		queue = append(queue, derivedLayers[layer]...)
	}
	out := make([]ResetLayer, 0, len(seen))
	for _, l := range resetLayers {
		if seen[l] {
			out = append(out, l)
		}
	}
	return out, nil
}

// ApplyReset deletes the cached artifacts of the given layers for one
// episode. Translation chunk caches are removed together with their track's
// subtitle file so a reset track re-translates instead of replaying stale
// chunks.
func ApplyReset(layout Layout, ep Episode, layers []ResetLayer, logger *log.Logger) error {
	if logger == nil {
		logger = log.Discard()
	}
	base := ep.BaseName()
	var paths []string
	for _, layer := range layers {
		switch layer {
		case ResetVideo:
			paths = append(paths, layout.MP4File(base), layout.MP4File(base)+cache.PartialSuffix)
		case ResetSubsES:
			paths = append(paths,
				layout.VTTFile(ep.AssetID, "es"),
				layout.ESFile(base, false),
				layout.ESFile(base, true),
			)
		case ResetSubsEN:
			paths = append(paths,
				layout.VTTFile(ep.AssetID, "en"),
				layout.ENFile(base, false),
				layout.ENFile(base, true),
			)
			paths = append(paths, chunkCachePaths(layout, base, "en", "en_asr")...)
		case ResetSubsRU:
			paths = append(paths,
				layout.RUFile(base, false),
				layout.RUFile(base, true),
				layout.DualFile(base, false),
				layout.DualFile(base, true),
			)
			paths = append(paths, chunkCachePaths(layout, base, "ru", "ru_asr")...)
		case ResetSubsRefs:
			paths = append(paths,
				layout.RefsFile(base, false),
				layout.RefsFile(base, true),
			)
			paths = append(paths, chunkCachePaths(layout, base, "ru_ref", "ru_ref_asr")...)
		case ResetMKV:
			paths = append(paths, layout.OutMKV(base), layout.OutMKV(base)+cache.PartialSuffix)
		case ResetCatalog:
			matches, err := filepath.Glob(layout.CatalogCacheFile("*"))
			if err == nil {
				paths = append(paths, matches...)
			}
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		err := os.Remove(p)
		if err == nil {
			logger.Info("reset: removed %s", p)
			continue
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("reset %s: %w", p, err)
		}
	}
	return nil
}

// chunkCachePaths globs every chunk-cache artifact of the episode under the
// given translation kinds.
func chunkCachePaths(layout Layout, base string, kinds ...string) []string {
	var out []string
	for _, kind := range kinds {
		stem, err := layout.TranslateBase(base, kind)
		if err != nil {
			continue
		}
		matches, err := filepath.Glob(stem + ".*")
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	return out
}
