package translate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// chunkFiles names the four on-disk artifacts of one chunk. The chunk size
// is part of the stem, so runs with different --chunk-cues never reuse each
// other's outputs.
type chunkFiles struct {
	InJSONL  string
	OutJSONL string
	InTSV    string
	OutTSV   string
	IDs      []string
	Size     int
}

func (c chunkFiles) Name() string {
	return filepath.Base(c.OutJSONL)
}

// buildChunks splits tasks into fixed-size chunks and writes each chunk's
// request files: the JSONL manifest (authoritative id/text pairs) and the
// TSV payload sent to the model. When withContext is set every row carries
// the previous and next source line from the full task list, not just from
// within the chunk.
func buildChunks(tasks []Task, size int, basePath, tag string, withContext bool) ([]chunkFiles, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if tag == "" {
		return nil, fmt.Errorf("io tag must be non-empty")
	}
	if err := os.MkdirAll(filepath.Dir(basePath), 0o755); err != nil {
		return nil, err
	}

	stem := fmt.Sprintf("%s.c%d.%s", basePath, size, tag)

	var chunks []chunkFiles
	for start := 0; start < len(tasks); start += size {
		end := start + size
		if end > len(tasks) {
			end = len(tasks)
		}
		part := tasks[start:end]
		idx := start/size + 1

		ch := chunkFiles{
			InJSONL:  fmt.Sprintf("%s.in.%04d.jsonl", stem, idx),
			OutJSONL: fmt.Sprintf("%s.out.%04d.jsonl", stem, idx),
			InTSV:    fmt.Sprintf("%s.in.%04d.tsv", stem, idx),
			OutTSV:   fmt.Sprintf("%s.out.%04d.tsv", stem, idx),
			Size:     size,
		}

		manifest := make(map[string]string, len(part))
		var tsv strings.Builder
		for j, task := range part {
			ch.IDs = append(ch.IDs, task.ID)
			manifest[task.ID] = task.Text
			var prev, next string
			if withContext {
				global := start + j
				if global > 0 {
					prev = tasks[global-1].Text
				}
				if global+1 < len(tasks) {
					next = tasks[global+1].Text
				}
			}
			tsv.WriteString(requestRow(task, prev, next, withContext))
			tsv.WriteByte('\n')
		}
		if err := writeJSONLMap(ch.InJSONL, ch.IDs, manifest); err != nil {
			return nil, err
		}
		if err := os.WriteFile(ch.InTSV, []byte(tsv.String()), 0o644); err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	return chunks, nil
}

// rewriteWithNeighbors rebuilds a retry chunk's TSV payload with context
// columns taken from the original full task list, so a cue retried alone
// still sees the lines around it in the episode.
func rewriteWithNeighbors(ch chunkFiles, full []Task) error {
	byID := make(map[string]int, len(full))
	for i, t := range full {
		byID[t.ID] = i
	}
	manifest, err := readJSONLMap(ch.InJSONL)
	if err != nil {
		return err
	}

	var tsv strings.Builder
	for _, id := range ch.IDs {
		text, ok := manifest[id]
		if !ok {
			continue
		}
		var prev, next string
		if idx, ok := byID[id]; ok {
			if idx > 0 {
				prev = full[idx-1].Text
			}
			if idx+1 < len(full) {
				next = full[idx+1].Text
			}
		}
		tsv.WriteString(requestRow(Task{ID: id, Text: text}, prev, next, true))
		tsv.WriteByte('\n')
	}
	return os.WriteFile(ch.InTSV, []byte(tsv.String()), 0o644)
}
