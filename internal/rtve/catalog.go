package rtve

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"episodedl/internal/cache"
	"episodedl/internal/pipeline"
	"episodedl/pkg/log"
)

// catalogCacheTTL bounds how long a fetched program feed is trusted. New
// episodes appear weekly; six hours keeps watch-mode polls cheap without
// missing a release day.
const catalogCacheTTL = 6 * time.Hour

var (
	programIDRe = regexp.MustCompile(`/api/programas/(\d+)/`)
	selectorRe  = regexp.MustCompile(`(?i)^T(\d+)(?:S(\d+))?$`)
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)
	htmlWSRe    = regexp.MustCompile(`\s+`)
)

// Selector is a parsed season/episode selection: T7 selects a whole
// season, T7S5 a single episode.
type Selector struct {
	Season  int
	Episode int // 0 selects the whole season
}

func (s Selector) String() string {
	if s.Episode == 0 {
		return fmt.Sprintf("T%d", s.Season)
	}
	return fmt.Sprintf("T%dS%d", s.Season, s.Episode)
}

func ParseSelector(s string) (Selector, error) {
	m := selectorRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Selector{}, fmt.Errorf("invalid selector %q: expected T<season> or T<season>S<episode>", s)
	}
	season, _ := strconv.Atoi(m[1])
	episode := 0
	if m[2] != "" {
		episode, _ = strconv.Atoi(m[2])
	}
	return Selector{Season: season, Episode: episode}, nil
}

// ExtractProgramID pulls the numeric program id out of a series page.
func ExtractProgramID(seriesHTML string) (string, error) {
	m := programIDRe.FindStringSubmatch(seriesHTML)
	if m == nil {
		return "", fmt.Errorf("no program id found on series page")
	}
	return m[1], nil
}

func cleanText(s string) string {
	t := html.UnescapeString(s)
	t = htmlTagRe.ReplaceAllString(t, " ")
	return strings.TrimSpace(htmlWSRe.ReplaceAllString(t, " "))
}

// catalogItem is one entry of the paginated program feed.
type catalogItem struct {
	ID             json.RawMessage `json:"id"`
	Title          string          `json:"title"`
	LongTitle      string          `json:"longTitle"`
	ShortTitle     string          `json:"shortTitle"`
	HTMLURL        string          `json:"htmlUrl"`
	TemporadaOrden json.RawMessage `json:"temporadaOrden"`
	Episode        json.RawMessage `json:"episode"`
	HasDRM         bool            `json:"hasDRM"`
	AssetType      string          `json:"assetType"`
	ContentType    string          `json:"contentType"`
	Type           struct {
		Name string `json:"name"`
	} `json:"type"`
}

// programVideos walks the paginated program feed and returns every item.
func (c *Client) programVideos(ctx context.Context, programID string) ([]catalogItem, error) {
	const pageSize = 60
	var items []catalogItem
	for page := 1; ; page++ {
		url := fmt.Sprintf("https://www.rtve.es/api/programas/%s/videos.json?size=%d&page=%d", programID, pageSize, page)
		var envelope struct {
			Page struct {
				Items      []catalogItem `json:"items"`
				TotalPages int           `json:"totalPages"`
			} `json:"page"`
		}
		if _, err := c.getJSON(ctx, url, &envelope); err != nil {
			return nil, err
		}
		items = append(items, envelope.Page.Items...)
		if page >= envelope.Page.TotalPages {
			break
		}
	}
	return items, nil
}

// Catalog resolves season selectors against a series page, caching the
// program feed on disk.
type Catalog struct {
	client *Client
	layout pipeline.Layout
	logger *log.Logger
	now    func() time.Time
}

func NewCatalog(client *Client, layout pipeline.Layout, logger *log.Logger) *Catalog {
	if logger == nil {
		logger = log.Discard()
	}
	return &Catalog{client: client, layout: layout, logger: logger, now: time.Now}
}

type catalogCacheDoc struct {
	SeriesURL string        `json:"series_url"`
	ProgramID string        `json:"program_id"`
	FetchedAt int64         `json:"fetched_at"`
	Items     []catalogItem `json:"items"`
}

func catalogCacheKey(seriesURL string) string {
	sum := sha1.Sum([]byte(seriesURL))
	return fmt.Sprintf("%x", sum)[:16]
}

func (c *Catalog) readCache(path string) *catalogCacheDoc {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc catalogCacheDoc
	if err := json.Unmarshal(raw, &doc); err != nil || doc.FetchedAt <= 0 || doc.ProgramID == "" {
		return nil
	}
	age := c.now().Unix() - doc.FetchedAt
	if age > int64(catalogCacheTTL.Seconds()) {
		c.logger.Debug("catalog cache stale: %s age=%ds", path, age)
		return nil
	}
	c.logger.Debug("catalog cache hit: %s age=%ds", path, age)
	return &doc
}

// Episodes resolves the selector into the matching episodes of the series,
// sorted by season and episode number.
func (c *Catalog) Episodes(ctx context.Context, seriesURL string, sel Selector) ([]pipeline.Episode, error) {
	cachePath := c.layout.CatalogCacheFile(catalogCacheKey(seriesURL))

	doc := c.readCache(cachePath)
	if doc == nil {
		page, err := c.client.FetchText(ctx, seriesURL)
		if err != nil {
			return nil, fmt.Errorf("fetch series page: %w", err)
		}
		programID, err := ExtractProgramID(page)
		if err != nil {
			return nil, err
		}
		items, err := c.client.programVideos(ctx, programID)
		if err != nil {
			return nil, fmt.Errorf("fetch program feed: %w", err)
		}
		doc = &catalogCacheDoc{
			SeriesURL: seriesURL,
			ProgramID: programID,
			FetchedAt: c.now().Unix(),
			Items:     items,
		}
		raw, err := json.Marshal(doc)
		if err == nil {
			if werr := cache.WriteFileAtomic(cachePath, raw); werr != nil {
				c.logger.Warn("catalog cache write failed: %v", werr)
			}
		}
	}

	var episodes []pipeline.Episode
	for _, it := range doc.Items {
		// Only full-episode video assets count; clips and audio share the
		// same feed.
		if it.Type.Name != "Completo" {
			continue
		}
		if it.AssetType != "video" && it.ContentType != "video" {
			continue
		}
		season := rawInt(it.TemporadaOrden)
		episode := rawInt(it.Episode)
		if season != sel.Season || episode <= 0 {
			continue
		}
		if sel.Episode != 0 && episode != sel.Episode {
			continue
		}
		episodes = append(episodes, pipeline.Episode{
			AssetID: rawString(it.ID),
			Season:  season,
			Episode: episode,
			Title:   cleanText(firstNonEmpty(it.Title, it.LongTitle, it.ShortTitle)),
		})
	}
	sort.Slice(episodes, func(i, j int) bool {
		if episodes[i].Season != episodes[j].Season {
			return episodes[i].Season < episodes[j].Season
		}
		if episodes[i].Episode != episodes[j].Episode {
			return episodes[i].Episode < episodes[j].Episode
		}
		return episodes[i].AssetID < episodes[j].AssetID
	})
	if len(episodes) == 0 {
		return nil, fmt.Errorf("no episodes match selector %s", sel)
	}
	return episodes, nil
}
