package translate

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed prompts/*.md
var promptFS embed.FS

// PromptMode selects the embedded instruction template for a request.
type PromptMode string

const (
	PromptRussianFull PromptMode = "ru_full"
	PromptEnglishMT   PromptMode = "en_mt"
	PromptRussianRefs PromptMode = "ru_refs"
)

// BuildPrompt renders the instruction template for mode with the TSV
// payload substituted in.
func BuildPrompt(mode PromptMode, tsvPayload string) (string, error) {
	raw, err := promptFS.ReadFile(fmt.Sprintf("prompts/%s.md", mode))
	if err != nil {
		return "", fmt.Errorf("unknown prompt mode %q: %w", mode, err)
	}
	return strings.ReplaceAll(string(raw), "{{PAYLOAD}}", tsvPayload), nil
}
