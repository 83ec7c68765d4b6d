package rtve

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// VideoMeta is the slice of the asset metadata endpoint the pipeline needs.
type VideoMeta struct {
	AssetID      string
	Title        string
	Season       int
	Episode      int
	HasDRM       bool
	ProgramID    string
	ProgramTitle string
	ProgramURL   string
}

// SubtitleFile is one entry of the asset's subtitle listing.
type SubtitleFile struct {
	Lang string `json:"lang"`
	Src  string `json:"src"`
}

// metaItem mirrors the fields of one item in the videos endpoint. RTVE
// serves numbers and strings interchangeably, hence the RawMessage fields.
type metaItem struct {
	ID             json.RawMessage `json:"id"`
	Title          string          `json:"title"`
	LongTitle      string          `json:"longTitle"`
	ShortTitle     string          `json:"shortTitle"`
	TemporadaOrden json.RawMessage `json:"temporadaOrden"`
	Episode        json.RawMessage `json:"episode"`
	HasDRM         bool            `json:"hasDRM"`
	ProgramInfo    struct {
		ID      json.RawMessage `json:"id"`
		Title   string          `json:"title"`
		HTMLURL string          `json:"htmlUrl"`
	} `json:"programInfo"`
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func rawInt(raw json.RawMessage) int {
	s := rawString(raw)
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func metaURL(assetID string) string {
	return fmt.Sprintf("https://api-ztnr.rtve.es/api/videos/%s.json", assetID)
}

// GetVideoMeta fetches one asset's metadata. The endpoint wraps the item in
// a page envelope; a bare item is accepted too.
func (c *Client) GetVideoMeta(ctx context.Context, assetID string) (VideoMeta, []byte, error) {
	var envelope struct {
		Page struct {
			Items []metaItem `json:"items"`
		} `json:"page"`
	}
	raw, err := c.getJSON(ctx, metaURL(assetID), &envelope)
	if err != nil {
		return VideoMeta{}, nil, err
	}

	var item metaItem
	if len(envelope.Page.Items) > 0 {
		item = envelope.Page.Items[0]
	} else if err := json.Unmarshal(raw, &item); err != nil || len(item.ID) == 0 {
		return VideoMeta{}, nil, fmt.Errorf("unexpected meta payload for asset %s", assetID)
	}

	id := rawString(item.ID)
	if id == "" {
		id = assetID
	}
	return VideoMeta{
		AssetID:      id,
		Title:        firstNonEmpty(item.Title, item.LongTitle, item.ShortTitle),
		Season:       rawInt(item.TemporadaOrden),
		Episode:      rawInt(item.Episode),
		HasDRM:       item.HasDRM,
		ProgramID:    rawString(item.ProgramInfo.ID),
		ProgramTitle: item.ProgramInfo.Title,
		ProgramURL:   item.ProgramInfo.HTMLURL,
	}, raw, nil
}

// GetSubtitles lists the asset's subtitle files, preferring the api2 host
// and falling back to the www host when it fails or returns nothing.
func (c *Client) GetSubtitles(ctx context.Context, assetID string) ([]SubtitleFile, error) {
	urls := []string{
		fmt.Sprintf("https://api2.rtve.es/api/videos/%s/subtitulos.json", assetID),
		fmt.Sprintf("https://www.rtve.es/api/videos/%s/subtitulos.json", assetID),
	}
	var lastErr error
	for _, url := range urls {
		var envelope struct {
			Page struct {
				Items []SubtitleFile `json:"items"`
			} `json:"page"`
		}
		if _, err := c.getJSON(ctx, url, &envelope); err != nil {
			lastErr = err
			continue
		}
		if len(envelope.Page.Items) > 0 {
			return envelope.Page.Items, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}
