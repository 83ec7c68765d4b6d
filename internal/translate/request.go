package translate

import (
	"bufio"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"episodedl/internal/cache"
	"episodedl/internal/phrasecache"
)

// Task is one translation unit: a cue id and its source text.
type Task struct {
	ID   string
	Text string
}

const nochunkCacheFormat = 2

var (
	leadingPunctRe = regexp.MustCompile(`^[\s\-–—.,!?:;"'“”‘’()\[\]{}]+`)
	jsonLineRe     = regexp.MustCompile(`^\s*\{.*\}\s*$`)
)

// makeEcho derives the verification echo for a source text: normalized,
// leading punctuation stripped, first 16 runes. The model must repeat this
// echo in the last column of each response row, which catches row drift and
// hallucinated ids cheaply.
func makeEcho(text string) string {
	norm := phrasecache.Normalize(text)
	norm = leadingPunctRe.ReplaceAllString(norm, "")
	runes := []rune(norm)
	if len(runes) > 16 {
		runes = runes[:16]
	}
	return strings.TrimSpace(string(runes))
}

// correlationID derives the short opaque id sent to the model in place of
// the raw cue id, binding each row to both the id and the exact source text.
func correlationID(cueID, text string) string {
	digest := sha256.Sum256([]byte(cueID + "|" + text))
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(digest[:])
	return strings.ToLower(enc)[:8]
}

type expectedRow struct {
	cueID string
	echo  string
}

// buildExpected maps correlation ids to the cue id and echo a valid response
// row must carry.
func buildExpected(tasks []Task) map[string]expectedRow {
	expected := make(map[string]expectedRow, len(tasks))
	for _, t := range tasks {
		expected[correlationID(t.ID, t.Text)] = expectedRow{cueID: t.ID, echo: makeEcho(t.Text)}
	}
	return expected
}

// requestRow renders one TSV request line. With context the columns are
// id, text, prev, next, echo; without, id, text, echo.
func requestRow(t Task, prev, next string, withContext bool) string {
	cid := correlationID(t.ID, t.Text)
	echo := makeEcho(t.Text)
	if withContext {
		return strings.Join([]string{
			tsvEscape(cid), tsvEscape(t.Text), tsvEscape(prev), tsvEscape(next), tsvEscape(echo),
		}, "\t")
	}
	return strings.Join([]string{tsvEscape(cid), tsvEscape(t.Text), tsvEscape(echo)}, "\t")
}

// parseVerified extracts translations from a raw model response. A row
// counts only when it has at least three columns, its correlation id is
// expected, and its last column repeats the expected echo. Everything else
// (prose, partial rows, rows for other chunks) is silently dropped; the
// missing-id sweep picks up the casualties.
func parseVerified(raw string, expected map[string]expectedRow) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		row := strings.TrimRight(line, "\r")
		if strings.TrimSpace(row) == "" {
			continue
		}
		parts := strings.Split(row, "\t")
		if len(parts) < 3 {
			continue
		}
		cid := strings.TrimSpace(tsvUnescape(parts[0]))
		echo := strings.TrimSpace(tsvUnescape(parts[len(parts)-1]))
		text := strings.TrimSpace(tsvUnescape(parts[1]))
		exp, ok := expected[cid]
		if !ok || echo != exp.echo {
			continue
		}
		out[exp.cueID] = text
	}
	return out
}

// readJSONLMap reads an id/text JSONL file, skipping anything that is not a
// single-line JSON object. Meta lines carry no "id" and fall out naturally.
func readJSONLMap(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || !jsonLineRe.MatchString(line) {
			continue
		}
		var obj struct {
			ID   string  `json:"id"`
			Text *string `json:"text"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		id := strings.TrimSpace(obj.ID)
		if id != "" && obj.Text != nil {
			out[id] = *obj.Text
		}
	}
	return out, sc.Err()
}

func writeJSONLMap(path string, ids []string, mapping map[string]string) error {
	var b strings.Builder
	for _, id := range ids {
		text, ok := mapping[id]
		if !ok {
			continue
		}
		raw, err := json.Marshal(struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		}{id, text})
		if err != nil {
			return err
		}
		b.Write(raw)
		b.WriteByte('\n')
	}
	return cache.WriteFileAtomic(path, []byte(b.String()))
}

// writeSingleCache writes the single-request cache with its format header so
// later runs can tell a compatible cache from a stale layout.
func writeSingleCache(path string, ids []string, mapping map[string]string) error {
	var b strings.Builder
	fmt.Fprintf(&b, `{"_meta":{"format":%d}}`+"\n", nochunkCacheFormat)
	for _, id := range ids {
		text, ok := mapping[id]
		if !ok {
			continue
		}
		raw, err := json.Marshal(struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		}{id, text})
		if err != nil {
			return err
		}
		b.Write(raw)
		b.WriteByte('\n')
	}
	return cache.WriteFileAtomic(path, []byte(b.String()))
}

// singleCacheCompatible reports whether the first non-blank line of the
// single-request cache declares the current format.
func singleCacheCompatible(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var obj struct {
			Meta *struct {
				Format int `json:"format"`
			} `json:"_meta"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return false
		}
		return obj.Meta != nil && obj.Meta.Format == nochunkCacheFormat
	}
	return false
}
