// Package refine post-processes raw transcripts through a chat
// completion backend: punctuation, casing and phrasing cleanup driven by
// a user-configurable prompt.
package refine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
	"sonicinput/provider"
)

const (
	EventStarted   = "ai.started"
	EventCompleted = "ai.completed"
	EventFailed    = "ai.failed"
)

const (
	defaultTemperature = 0.3
	defaultTopP        = 0.9
	tpsWindow          = 100
)

// thinkRe strips reasoning spans some models leak into the content.
// Non-greedy so repeated application is a no-op after one pass.
var thinkRe = regexp.MustCompile(`(?is)<think>.*?</think>`)

// Emitter is the event bus subset the refiner needs.
type Emitter interface {
	Emit(name string, payload any)
}

// Config controls one refiner instance.
type Config struct {
	Enabled        bool
	Prompt         string // contains {text} for the legacy single-message style
	Model          string
	MaxTokens      int
	DegradeOnEmpty bool // empty output falls back to the raw transcript
}

// TPSSample is one request's token throughput record.
type TPSSample struct {
	PromptTPS     float64
	CompletionTPS float64
	CombinedTPS   float64
}

// Outcome reports what the refiner produced and how.
type Outcome struct {
	Text     string
	Refined  bool // false when degraded to the raw transcript
	Tokens   int
	TPS      TPSSample
	Provider string
}

// Refiner rewrites transcripts via an OpenAI-compatible chat backend.
type Refiner struct {
	chatter provider.Chatter
	emitter Emitter
	logger  zerolog.Logger

	mu      sync.Mutex
	config  Config
	samples []TPSSample
}

func New(chatter provider.Chatter, emitter Emitter, cfg Config) *Refiner {
	return &Refiner{
		chatter: chatter,
		emitter: emitter,
		logger:  xlog.WithComponent("refine"),
		config:  cfg,
	}
}

// SetConfig swaps the refiner settings during a reload.
func (r *Refiner) SetConfig(cfg Config) {
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
}

// SetChatter swaps the chat backend, used when provider credentials or
// the base URL change.
func (r *Refiner) SetChatter(chatter provider.Chatter) {
	r.mu.Lock()
	r.chatter = chatter
	r.mu.Unlock()
}

// Enabled reports whether refinement should run at all.
func (r *Refiner) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.Enabled
}

// buildMessages supports both prompt styles: a template containing
// {text} becomes a single substituted user message, anything else
// becomes system prompt + transcript as user message.
func buildMessages(prompt, transcript string) []provider.Message {
	if strings.Contains(prompt, "{text}") {
		return []provider.Message{
			{Role: "user", Content: strings.ReplaceAll(prompt, "{text}", transcript)},
		}
	}
	return []provider.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: transcript},
	}
}

// StripThinkTags removes <think>...</think> spans and trims the result.
func StripThinkTags(s string) string {
	return strings.TrimSpace(thinkRe.ReplaceAllString(s, ""))
}

// Refine rewrites the transcript. On any failure, or on an empty model
// answer with degradation enabled, the raw transcript comes back with
// Refined=false; the caller never loses the utterance.
func (r *Refiner) Refine(ctx context.Context, transcript string) *Outcome {
	r.mu.Lock()
	cfg := r.config
	r.mu.Unlock()

	raw := &Outcome{Text: transcript, Refined: false}
	if !cfg.Enabled || strings.TrimSpace(transcript) == "" {
		return raw
	}

	r.emit(EventStarted, map[string]any{"model": cfg.Model})
	out, err := r.request(ctx, cfg, transcript)
	if err != nil {
		r.logger.Warn().Err(err).Msg("refinement failed, using raw transcript")
		r.emit(EventFailed, map[string]any{"error": err.Error()})
		return raw
	}

	if out.Text == "" {
		r.logger.Warn().Msg("refined text empty after think-tag strip")
		if cfg.DegradeOnEmpty {
			return raw
		}
		r.emit(EventCompleted, map[string]any{"text": "", "tokens": out.Tokens, "tps": out.TPS.CombinedTPS})
		return out
	}

	r.emit(EventCompleted, map[string]any{
		"text":   out.Text,
		"tokens": out.Tokens,
		"tps":    out.TPS.CombinedTPS,
	})
	return out
}

// TestConnection exercises the full request path with a one-word prompt
// so retry handling is covered identically to real refinements.
func (r *Refiner) TestConnection(ctx context.Context) error {
	r.mu.Lock()
	cfg := r.config
	r.mu.Unlock()
	cfg.Prompt = "Reply with the single word ok."
	cfg.MaxTokens = 5

	out, err := r.request(ctx, cfg, "ok")
	if err != nil {
		return err
	}
	if out.Text == "" {
		return fmt.Errorf("connection test returned empty answer")
	}
	return nil
}

func (r *Refiner) request(ctx context.Context, cfg Config, transcript string) (*Outcome, error) {
	r.mu.Lock()
	chatter := r.chatter
	r.mu.Unlock()

	start := time.Now()
	res, err := chatter.Chat(ctx, buildMessages(cfg.Prompt, transcript), provider.Options{
		Model:       cfg.Model,
		Temperature: defaultTemperature,
		TopP:        defaultTopP,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	sample := tps(res, latency)
	r.pushSample(sample)

	text := StripThinkTags(res.Text)
	if text == "" && res.Text != "" {
		r.logger.Debug().Int("raw_len", len(res.Text)).Msg("model answer was entirely think tags")
	}
	return &Outcome{
		Text:     text,
		Refined:  text != "",
		Tokens:   res.TotalTokens,
		TPS:      sample,
		Provider: res.Provider,
	}, nil
}

func tps(res *provider.Result, latency time.Duration) TPSSample {
	secs := latency.Seconds()
	if secs <= 0 {
		return TPSSample{}
	}
	return TPSSample{
		PromptTPS:     float64(res.PromptTokens) / secs,
		CompletionTPS: float64(res.CompletionTokens) / secs,
		CombinedTPS:   float64(res.TotalTokens) / secs,
	}
}

func (r *Refiner) pushSample(s TPSSample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	if len(r.samples) > tpsWindow {
		r.samples = r.samples[len(r.samples)-tpsWindow:]
	}
	r.mu.Unlock()
}

// AverageTPS averages the rolling window of recent requests.
func (r *Refiner) AverageTPS() TPSSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return TPSSample{}
	}
	var sum TPSSample
	for _, s := range r.samples {
		sum.PromptTPS += s.PromptTPS
		sum.CompletionTPS += s.CompletionTPS
		sum.CombinedTPS += s.CombinedTPS
	}
	n := float64(len(r.samples))
	return TPSSample{
		PromptTPS:     sum.PromptTPS / n,
		CompletionTPS: sum.CompletionTPS / n,
		CombinedTPS:   sum.CombinedTPS / n,
	}
}

func (r *Refiner) emit(name string, payload any) {
	if r.emitter != nil {
		r.emitter.Emit(name, payload)
	}
}
