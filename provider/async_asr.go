package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
	"sonicinput/session"
)

// AsyncASRConfig configures a provider that takes base64 WAV in a JSON
// body and answers with a task id to poll.
type AsyncASRConfig struct {
	Name           string
	SubmitEndpoint string
	PollEndpoint   string // queried as <PollEndpoint>?taskid=<id>
	APIKey         string
	Model          string
	Policy         Policy
	PollInterval   time.Duration // default 2s
	PollWallCap    time.Duration // default 120s
}

// AsyncASR is the submit/poll cloud transcriber.
type AsyncASR struct {
	cfg    AsyncASRConfig
	client *Client
	logger zerolog.Logger

	// now and sleep are swappable in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

func NewAsyncASR(cfg AsyncASRConfig) *AsyncASR {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollWallCap == 0 {
		cfg.PollWallCap = 120 * time.Second
	}
	return &AsyncASR{
		cfg:    cfg,
		client: NewClient(cfg.Name, cfg.APIKey, cfg.Policy),
		logger: xlog.WithComponent("asr." + cfg.Name),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

func (p *AsyncASR) Name() string { return p.cfg.Name }

type asyncSubmitResponse struct {
	TaskID string `json:"taskid"`
}

type asyncPollResponse struct {
	TaskID string `json:"taskid"`
	Status string `json:"status"` // pending, running, success, failed
	Text   string `json:"text"`
	Error  string `json:"error"`
}

func (p *AsyncASR) Transcribe(ctx context.Context, pcm []float32, opts Options) (*Result, error) {
	start := time.Now()
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: api key not configured", p.cfg.Name)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%s: empty audio", p.cfg.Name)
	}

	taskID, attempts, err := p.submit(ctx, pcm, opts)
	if err != nil {
		return failedResult(p.cfg.Name, err, attempts, time.Since(start).Milliseconds()), err
	}
	p.logger.Debug().Str("taskid", taskID).Msg("task submitted")

	text, err := p.poll(ctx, taskID)
	if err != nil {
		return failedResult(p.cfg.Name, err, attempts, time.Since(start).Milliseconds()), err
	}

	return &Result{
		Text:       text,
		Provider:   p.cfg.Name,
		RetryCount: attempts - 1,
		LatencyMS:  time.Since(start).Milliseconds(),
		DurationS:  float64(len(pcm)) / float64(session.DefaultSampleRate),
	}, nil
}

func (p *AsyncASR) submit(ctx context.Context, pcm []float32, opts Options) (string, int, error) {
	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}
	payload, err := json.Marshal(map[string]any{
		"audio":    base64.StdEncoding.EncodeToString(session.EncodeWAV(pcm, session.DefaultSampleRate)),
		"format":   "wav",
		"model":    model,
		"language": opts.Language,
	})
	if err != nil {
		return "", 0, err
	}

	build := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, p.cfg.SubmitEndpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	resp, attempts, err := p.client.Do(ctx, build)
	if err != nil {
		return "", attempts, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", attempts, fmt.Errorf("%s: read submit response: %w", p.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", attempts, &RequestError{Provider: p.cfg.Name,
			Code: strconv.Itoa(resp.StatusCode), Status: resp.StatusCode, RetryCount: attempts - 1}
	}

	var parsed asyncSubmitResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", attempts, fmt.Errorf("%s: parse submit response: %w", p.cfg.Name, err)
	}
	if parsed.TaskID == "" {
		return "", attempts, fmt.Errorf("%s: submit returned no taskid", p.cfg.Name)
	}
	return parsed.TaskID, attempts, nil
}

// poll queries the task until a terminal status or the wall-clock cap.
func (p *AsyncASR) poll(ctx context.Context, taskID string) (string, error) {
	deadline := p.now().Add(p.cfg.PollWallCap)
	url := p.cfg.PollEndpoint + "?taskid=" + taskID

	for {
		if p.now().After(deadline) {
			return "", &RequestError{Provider: p.cfg.Name, Code: CodeTimeout,
				Err: fmt.Errorf("task %s not terminal within %s", taskID, p.cfg.PollWallCap)}
		}
		select {
		case <-ctx.Done():
			return "", &RequestError{Provider: p.cfg.Name, Code: CodeTimeout, Err: ctx.Err()}
		default:
		}

		build := func() (*http.Request, error) {
			req, err := http.NewRequest(http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
			return req, nil
		}
		resp, attempts, err := p.client.Do(ctx, build)
		if err != nil {
			return "", err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("%s: read poll response: %w", p.cfg.Name, err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", &RequestError{Provider: p.cfg.Name,
				Code: strconv.Itoa(resp.StatusCode), Status: resp.StatusCode, RetryCount: attempts - 1}
		}

		var parsed asyncPollResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("%s: parse poll response: %w", p.cfg.Name, err)
		}
		switch parsed.Status {
		case "success":
			return parsed.Text, nil
		case "failed":
			if parsed.Error == "" {
				parsed.Error = "task failed"
			}
			return "", fmt.Errorf("%s: %s", p.cfg.Name, parsed.Error)
		}
		p.sleep(p.cfg.PollInterval)
	}
}
