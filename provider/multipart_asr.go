package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
	"sonicinput/session"
)

// MultipartASRConfig configures a provider that takes the WAV file as a
// multipart upload (the OpenAI audio/transcriptions shape).
type MultipartASRConfig struct {
	Name     string
	Endpoint string
	APIKey   string
	Model    string
	Policy   Policy
}

// MultipartASR sends PCM as a WAV multipart form and reads back
// {"text": ...}.
type MultipartASR struct {
	cfg    MultipartASRConfig
	client *Client
	logger zerolog.Logger
}

func NewMultipartASR(cfg MultipartASRConfig) *MultipartASR {
	return &MultipartASR{
		cfg:    cfg,
		client: NewClient(cfg.Name, cfg.APIKey, cfg.Policy),
		logger: xlog.WithComponent("asr." + cfg.Name),
	}
}

func (p *MultipartASR) Name() string { return p.cfg.Name }

func (p *MultipartASR) Transcribe(ctx context.Context, pcm []float32, opts Options) (*Result, error) {
	start := time.Now()
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: api key not configured", p.cfg.Name)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%s: empty audio", p.cfg.Name)
	}

	wav := session.EncodeWAV(pcm, session.DefaultSampleRate)
	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}

	// Each retry attempt rebuilds the form so the body reader is fresh.
	build := func() (*http.Request, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile("file", "audio.wav")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(wav); err != nil {
			return nil, err
		}
		if err := w.WriteField("model", model); err != nil {
			return nil, err
		}
		if opts.Language != "" {
			if err := w.WriteField("language", opts.Language); err != nil {
				return nil, err
			}
		}
		if opts.Temperature > 0 {
			if err := w.WriteField("temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64)); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, p.cfg.Endpoint, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		req.Header.Set("Content-Type", w.FormDataContentType())
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
			Str("body", truncate(string(body), 200)).Msg("transcription rejected")
		rerr := &RequestError{Provider: p.cfg.Name, Code: strconv.Itoa(resp.StatusCode),
			Status: resp.StatusCode, RetryCount: attempts - 1}
		return failedResult(p.cfg.Name, rerr, attempts, time.Since(start).Milliseconds()), rerr
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%s: parse response: %w", p.cfg.Name, err)
	}

	return &Result{
		Text:       parsed.Text,
		Provider:   p.cfg.Name,
		RetryCount: attempts - 1,
		LatencyMS:  time.Since(start).Milliseconds(),
		DurationS:  float64(len(pcm)) / float64(session.DefaultSampleRate),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
