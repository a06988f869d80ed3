package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
)

// ChatConfig configures an OpenAI-compatible chat completion backend.
type ChatConfig struct {
	Name     string
	BaseURL  string // e.g. https://api.openai.com/v1
	APIKey   string
	Model    string
	Policy   Policy
}

// ChatProvider posts to <BaseURL>/chat/completions.
type ChatProvider struct {
	cfg    ChatConfig
	client *Client
	logger zerolog.Logger
}

func NewChatProvider(cfg ChatConfig) *ChatProvider {
	return &ChatProvider{
		cfg:    cfg,
		client: NewClient(cfg.Name, cfg.APIKey, cfg.Policy),
		logger: xlog.WithComponent("chat." + cfg.Name),
	}
}

func (p *ChatProvider) Name() string { return p.cfg.Name }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *ChatProvider) Chat(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	start := time.Now()
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: api key not configured", p.cfg.Name)
	}

	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}
	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	build := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	resp, attempts, err := p.client.Do(ctx, build)
	if err != nil {
		return failedResult(p.cfg.Name, err, attempts, time.Since(start).Milliseconds()), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", p.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Error().Int("status", resp.StatusCode).
			Str("body", truncate(string(body), 200)).Msg("chat rejected")
		rerr := &RequestError{Provider: p.cfg.Name, Code: strconv.Itoa(resp.StatusCode),
			Status: resp.StatusCode, RetryCount: attempts - 1}
		return failedResult(p.cfg.Name, rerr, attempts, time.Since(start).Milliseconds()), rerr
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%s: parse response: %w", p.cfg.Name, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", p.cfg.Name)
	}

	return &Result{
		Text:             parsed.Choices[0].Message.Content,
		Provider:         p.cfg.Name,
		RetryCount:       attempts - 1,
		LatencyMS:        time.Since(start).Milliseconds(),
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}, nil
}
