package parse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	kberrors "kabanda/internal/errors"
	"kabanda/internal/logging"
	"kabanda/internal/task"
)

// LLMConfig holds the chat-completions endpoint settings.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
}

// LLMParser extracts intents with an OpenAI-compatible chat-completions
// endpoint. Model output is JSON; malformed output goes through jsonrepair
// before the call is declared failed.
type LLMParser struct {
	config     LLMConfig
	httpClient *http.Client
	logger     logging.Logger
}

// NewLLM creates the LLM-backed parser.
func NewLLM(cfg LLMConfig, logger logging.Logger) (*LLMParser, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm parser: base url required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &LLMParser{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logging.OrNop(logger),
	}, nil
}

var _ Parser = (*LLMParser)(nil)

const systemPrompt = `You are an intent extractor for a reminder assistant. Read the user's message and answer with a single JSON object, nothing else:
{
  "intent": "new_task" | "modify_task" | "delete_task" | "query_tasks" | "general_question",
  "title": "short task title, imperative form",
  "description": "optional details",
  "priority": "low" | "medium" | "high" | "urgent",
  "due_at": "RFC3339 timestamp or empty string when unknown"
}
The current time is {{now}}. Resolve relative phrases like "in 20 minutes" against it. When the message names no time, leave due_at empty.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type extractedIntent struct {
	Intent      string `json:"intent"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	DueAt       string `json:"due_at"`
}

// ParseMessage runs one extraction call. Failures come back as
// kberrors.ParseFailure so the caller can fall back deterministically.
func (p *LLMParser) ParseMessage(ctx context.Context, text string, now time.Time) (*Intent, error) {
	content, err := p.complete(ctx, text, now)
	if err != nil {
		return nil, &kberrors.ParseFailure{Err: err}
	}

	raw := stripFences(content)
	var extracted extractedIntent
	if err := json.Unmarshal([]byte(raw), &extracted); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, &kberrors.ParseFailure{Err: fmt.Errorf("unparseable model output: %w", err)}
		}
		if err := json.Unmarshal([]byte(repaired), &extracted); err != nil {
			return nil, &kberrors.ParseFailure{Err: fmt.Errorf("unparseable model output after repair: %w", err)}
		}
		p.logger.Debug("model output needed JSON repair")
	}
	return p.toIntent(extracted)
}

func (p *LLMParser) complete(ctx context.Context, text string, now time.Time) (string, error) {
	reqBody := chatRequest{
		Model: p.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: strings.ReplaceAll(systemPrompt, "{{now}}", now.Format(time.RFC3339))},
			{Role: "user", Content: text},
		},
		Temperature: p.config.Temperature,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimSuffix(p.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("extraction call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &kberrors.StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (p *LLMParser) toIntent(e extractedIntent) (*Intent, error) {
	intent := &Intent{
		Title:       strings.TrimSpace(e.Title),
		Description: strings.TrimSpace(e.Description),
		Priority:    task.ParsePriority(e.Priority),
	}
	switch IntentKind(e.Intent) {
	case IntentNewTask, IntentModifyTask, IntentDeleteTask, IntentQueryTasks, IntentGeneralQuestion:
		intent.Kind = IntentKind(e.Intent)
	default:
		return nil, &kberrors.ParseFailure{Err: fmt.Errorf("unknown intent %q", e.Intent)}
	}

	if e.DueAt != "" {
		due, err := time.Parse(time.RFC3339, e.DueAt)
		if err != nil {
			return nil, &kberrors.ParseFailure{Err: fmt.Errorf("bad due_at %q: %w", e.DueAt, err)}
		}
		intent.DueAt = &due
	}
	if intent.Kind == IntentNewTask && intent.Title == "" {
		return nil, &kberrors.ParseFailure{Err: fmt.Errorf("new task without title")}
	}
	return intent, nil
}

// stripFences removes a markdown code fence around the model output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Chain tries parsers in order, returning the first successful intent. The
// last parser's error surfaces when all fail.
type Chain []Parser

var _ Parser = Chain(nil)

func (c Chain) ParseMessage(ctx context.Context, text string, now time.Time) (*Intent, error) {
	var lastErr error
	for _, p := range c {
		intent, err := p.ParseMessage(ctx, text, now)
		if err == nil {
			return intent, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no parsers configured")
	}
	return nil, lastErr
}
