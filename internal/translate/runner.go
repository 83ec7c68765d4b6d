package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Result carries one backend invocation's outcome. Output is the model's
// final message; Log is the combined process output kept for diagnostics
// and usage parsing.
type Result struct {
	Output   string
	Log      string
	ExitCode int
}

// Runner executes one translation request against a backend and returns the
// raw model response. Implementations must be safe for concurrent use; the
// scheduler runs several chunks at once.
type Runner interface {
	Name() string
	Run(ctx context.Context, model, prompt string) (Result, error)
}

var tokensUsedRe = regexp.MustCompile(`(?im)tokens used\s*\n\s*([0-9][0-9,]*)`)

// parseTotalTokens pulls the last "tokens used" figure out of backend
// output. Returns -1 when absent.
func parseTotalTokens(raw string) int {
	matches := tokensUsedRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return -1
	}
	n, err := strconv.Atoi(strings.ReplaceAll(matches[len(matches)-1][1], ",", ""))
	if err != nil {
		return -1
	}
	return n
}

// ClaudeRunner invokes the claude CLI in print mode, feeding the prompt on
// stdin and reading the response from stdout.
type ClaudeRunner struct {
	Binary string
}

func (r ClaudeRunner) Name() string { return "claude" }

func (r ClaudeRunner) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "claude"
}

// CheckAvailable verifies the CLI is on PATH before a season run starts.
func (r ClaudeRunner) CheckAvailable(ctx context.Context) error {
	if err := exec.CommandContext(ctx, r.binary(), "--version").Run(); err != nil {
		return fmt.Errorf("claude CLI not found on PATH: %w", err)
	}
	return nil
}

func (r ClaudeRunner) Run(ctx context.Context, model, prompt string) (Result, error) {
	if model == "" {
		model = "sonnet"
	}
	// --setting-sources user skips project-level instruction files so the
	// CLI acts as a plain completion endpoint.
	cmd := exec.CommandContext(ctx, r.binary(),
		"-p", "--print", "--model", model, "--setting-sources", "user")
	cmd.Stdin = strings.NewReader(prompt)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	res := Result{Output: combined.String(), Log: combined.String(), ExitCode: exitCode(err)}
	if err != nil {
		return res, fmt.Errorf("claude exec: %w", err)
	}
	return res, nil
}

// CodexRunner invokes the codex CLI in read-only exec mode. The final model
// message is captured via --output-last-message into a temp file because
// codex interleaves progress output on stdout.
type CodexRunner struct {
	Binary string
}

func (r CodexRunner) Name() string { return "codex" }

func (r CodexRunner) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "codex"
}

func (r CodexRunner) CheckAvailable(ctx context.Context) error {
	if err := exec.CommandContext(ctx, r.binary(), "--version").Run(); err != nil {
		return fmt.Errorf("codex CLI not found on PATH: %w", err)
	}
	return nil
}

func (r CodexRunner) Run(ctx context.Context, model, prompt string) (Result, error) {
	last, err := os.CreateTemp("", "codex-last-*.txt")
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("codex temp file: %w", err)
	}
	lastPath := last.Name()
	last.Close()
	defer os.Remove(lastPath)

	args := []string{"exec", "-s", "read-only", "--output-last-message", lastPath}
	if model != "" {
		args = append(args, "-m", model)
	}
	args = append(args, "-")

	cmd := exec.CommandContext(ctx, r.binary(), args...)
	cmd.Stdin = strings.NewReader(prompt)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	runErr := cmd.Run()
	res := Result{Log: combined.String(), ExitCode: exitCode(runErr)}
	if runErr != nil {
		return res, fmt.Errorf("codex exec: %w", runErr)
	}
	raw, err := os.ReadFile(lastPath)
	if err != nil {
		return res, fmt.Errorf("codex last message: %w", err)
	}
	res.Output = string(raw)
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// HTTPRunner sends the prompt to an OpenAI-compatible chat completions
// endpoint. Used when the backend is a hosted API instead of a local CLI.
type HTTPRunner struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPRunner(baseURL, apiKey string, timeout time.Duration) *HTTPRunner {
	return &HTTPRunner{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRunner) Name() string { return "http" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (r *HTTPRunner) Run(ctx context.Context, model, prompt string) (Result, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("read response body: %w", err)
	}
	res := Result{Log: fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, body), ExitCode: 0}

	if resp.StatusCode != http.StatusOK {
		res.ExitCode = resp.StatusCode
		return res, fmt.Errorf("chat completion returned HTTP %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return res, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return res, fmt.Errorf("backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return res, fmt.Errorf("no choices in response")
	}
	res.Output = parsed.Choices[0].Message.Content
	if parsed.Usage.TotalTokens > 0 {
		res.Log += fmt.Sprintf("\ntokens used\n%d\n", parsed.Usage.TotalTokens)
	}
	return res, nil
}
