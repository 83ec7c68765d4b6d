package rtve

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"episodedl/internal/pipeline"
	"episodedl/pkg/log"
)

// Media URL candidates found anywhere in a provider payload. Decoding of
// the provider's obfuscated binary URL containers is out of scope; this
// harvests the plain-text URLs the JSON endpoints expose.
var mediaURLRe = regexp.MustCompile(`https?://[^<>"\\\s]+?\.(?:mp4|mp3|m3u8)[^<>"\\\s]*`)

// Known-dead URL shapes: placeholder ids, DRM-only hosts, manifest formats
// ffmpeg cannot pull directly.
var badURLSubstrings = []string{
	"1100000000000",
	"l3-onlinefs.rtve.es",
	".mpd",
	".vcl",
	"/tomcat/",
}

var (
	mp4PlaylistRe = regexp.MustCompile(`\.mp4/.*\.m3u8`)
	mp4BaseRe     = regexp.MustCompile(`https?://.*?\.mp4`)
)

// filterURLs drops dead candidates and reduces mp4-embedded playlists to
// their mp4 base. Order is preserved, duplicates removed.
func filterURLs(raw []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, u := range raw {
		bad := false
		for _, b := range badURLSubstrings {
			if strings.Contains(u, b) {
				bad = true
				break
			}
		}
		if bad {
			continue
		}
		if mp4PlaylistRe.MatchString(u) {
			if m := mp4BaseRe.FindString(u); m != "" {
				add(m)
			}
			continue
		}
		add(u)
	}
	return out
}

// urlScore ranks candidates: HLS master manifest first, any other m3u8
// next, direct mp4 last.
func urlScore(u string) int {
	switch {
	case strings.HasSuffix(u, ".m3u8") && strings.Contains(u, "video.m3u8"):
		return 0
	case strings.Contains(u, ".m3u8"):
		return 1
	case strings.Contains(u, ".mp4"):
		return 2
	default:
		return 3
	}
}

func rankURLs(urls []string) []string {
	ranked := append([]string(nil), urls...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return urlScore(ranked[i]) < urlScore(ranked[j])
	})
	return ranked
}

// Resolver locates media and subtitle URLs for one RTVE asset. It
// implements pipeline.Resolver.
type Resolver struct {
	client *Client
	logger *log.Logger
}

func NewResolver(client *Client, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Discard()
	}
	return &Resolver{client: client, logger: logger}
}

// Resolve fetches asset metadata, subtitle listing and media URL
// candidates. A DRM-flagged asset fails unless ignoreDRM is set; the flag
// is passed through either way so the caller can warn.
func (r *Resolver) Resolve(ctx context.Context, assetID string, ignoreDRM bool) (pipeline.ResolvedAsset, error) {
	meta, rawMeta, err := r.client.GetVideoMeta(ctx, assetID)
	if err != nil {
		return pipeline.ResolvedAsset{}, err
	}
	if meta.HasDRM && !ignoreDRM {
		return pipeline.ResolvedAsset{}, fmt.Errorf("DRM protected asset %s (%s)", assetID, meta.Title)
	}

	subs, err := r.client.GetSubtitles(ctx, assetID)
	if err != nil {
		// Subtitles are optional at resolve time; the orchestrator falls
		// back to ASR when the listing is empty.
		r.logger.Warn("asset %s: subtitle listing failed: %v", assetID, err)
		subs = nil
	}
	subByLang := make(map[string]string)
	for _, s := range subs {
		lang := strings.ToLower(strings.TrimSpace(s.Lang))
		if lang == "eng" {
			lang = "en"
		}
		if s.Src == "" || lang == "" {
			continue
		}
		if _, taken := subByLang[lang]; !taken {
			subByLang[lang] = s.Src
		}
	}

	urls := rankURLs(filterURLs(mediaURLRe.FindAllString(string(rawMeta), -1)))
	if len(urls) == 0 {
		return pipeline.ResolvedAsset{}, fmt.Errorf("no video urls found for asset %s", assetID)
	}
	r.logger.Debug("asset %s: %d url candidates, best %s", assetID, len(urls), urls[0])

	return pipeline.ResolvedAsset{
		Title:             meta.Title,
		VideoURLs:         urls,
		SubtitleURLByLang: subByLang,
		HasDRM:            meta.HasDRM,
	}, nil
}
