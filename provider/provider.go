// Package provider implements the cloud side of transcription and
// refinement. All vendors share one HTTP retry policy; each concrete
// provider only supplies its endpoint, auth and wire shape.
package provider

import (
	"context"
	"fmt"
)

const userAgent = "SonicInput/1.2.0"

// Error codes carried in Result.ErrorCode. HTTP failures use the status
// code in decimal.
const (
	CodeTimeout    = "TIMEOUT"
	CodeConnection = "CONNECTION_ERROR"
	CodeMaxRetries = "MAX_RETRIES_EXCEEDED"
)

// Options are the per-request knobs shared by ASR and chat providers.
type Options struct {
	Model       string
	Language    string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the unified provider outcome.
type Result struct {
	Text             string
	Error            string
	ErrorCode        string
	Provider         string
	RetryCount       int
	LatencyMS        int64
	DurationS        float64
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Transcriber converts PCM audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []float32, opts Options) (*Result, error)
	Name() string
}

// Chatter runs a chat completion.
type Chatter interface {
	Chat(ctx context.Context, messages []Message, opts Options) (*Result, error)
	Name() string
}

// RequestError is the typed failure produced by the policy client.
type RequestError struct {
	Provider   string
	Code       string
	Status     int
	RetryCount int
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (code=%s, retries=%d): %v",
			e.Provider, httpFailureWord(e.Status), e.Code, e.RetryCount, e.Err)
	}
	return fmt.Sprintf("%s: %s (code=%s, retries=%d)",
		e.Provider, httpFailureWord(e.Status), e.Code, e.RetryCount)
}

func (e *RequestError) Unwrap() error { return e.Err }

func httpFailureWord(status int) string {
	switch {
	case status == 0:
		return "request failed"
	case status == 401 || status == 403:
		return "authentication rejected"
	case status == 429:
		return "rate limited"
	default:
		return fmt.Sprintf("http %d", status)
	}
}

// failedResult fills the unified shape from a RequestError.
func failedResult(provider string, err error, attempts int, latencyMS int64) *Result {
	r := &Result{Provider: provider, RetryCount: attempts - 1, LatencyMS: latencyMS}
	if r.RetryCount < 0 {
		r.RetryCount = 0
	}
	if re, ok := err.(*RequestError); ok {
		r.ErrorCode = re.Code
		r.RetryCount = re.RetryCount
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
