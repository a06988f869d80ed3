package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
)

// Policy holds the retry knobs. Zero values are replaced by defaults.
type Policy struct {
	MaxRetries     int           // extra attempts after the first
	BaseDelay      time.Duration // backoff base, doubled per attempt
	MaxDelay       time.Duration // backoff cap for non-timeout failures
	TimeoutDelay   time.Duration // backoff cap after a request timeout
	AbandonAbove   time.Duration // give up instead of sleeping this long
	RequestTimeout time.Duration // per-attempt deadline
}

// DefaultPolicy mirrors the shipped retry constants.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		TimeoutDelay:   10 * time.Second,
		AbandonAbove:   30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries == 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.TimeoutDelay == 0 {
		p.TimeoutDelay = d.TimeoutDelay
	}
	if p.AbandonAbove == 0 {
		p.AbandonAbove = d.AbandonAbove
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = d.RequestTimeout
	}
	return p
}

var retryableStatus = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// RequestMetrics is the per-request observability record.
type RequestMetrics struct {
	Attempts  int
	Status    int
	Latency   time.Duration
	Timestamp time.Time
}

// Client wraps one pooled http.Client per provider instance and applies
// the shared retry policy.
type Client struct {
	provider string
	policy   Policy
	http     *http.Client
	logger   zerolog.Logger

	// sleep is swappable in tests.
	sleep func(time.Duration)

	mu      sync.Mutex
	last    RequestMetrics
	history []RequestMetrics
}

// NewClient builds a policy client. apiKey is only used for the masked
// startup log line; auth headers stay with the concrete provider.
func NewClient(provider, apiKey string, policy Policy) *Client {
	policy = policy.withDefaults()
	logger := xlog.WithComponent("provider." + provider)
	logger.Debug().Str("api_key", xlog.MaskKey(apiKey)).
		Int("max_retries", policy.MaxRetries).Msg("client ready")
	return &Client{
		provider: provider,
		policy:   policy,
		http: &http.Client{
			Timeout: policy.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Do runs one logical request under the policy. build is called once per
// attempt so the request body can be re-created after a failed send. The
// returned body, if any, is fully consumed by the caller.
func (c *Client) Do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, int, error) {
	start := time.Now()
	attempts := 0
	var lastStatus int
	var lastErr error

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		req, err := build()
		if err != nil {
			return nil, attempts, &RequestError{Provider: c.provider, Code: CodeConnection, RetryCount: attempts - 1, Err: err}
		}
		req = req.WithContext(ctx)
		req.Header.Set("User-Agent", userAgent)

		attempts++
		resp, err := c.http.Do(req)
		if err == nil && !retryableStatus[resp.StatusCode] {
			c.record(attempts, resp.StatusCode, time.Since(start))
			return resp, attempts, nil
		}

		timedOut := false
		if err != nil {
			lastErr = err
			lastStatus = 0
			timedOut = isTimeout(err)
			c.logger.Warn().Err(err).Int("attempt", attempt+1).
				Int("max", c.policy.MaxRetries+1).Msg("request failed")
		} else {
			lastStatus = resp.StatusCode
			lastErr = nil
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).
				Int("max", c.policy.MaxRetries+1).Msg("retryable status")
		}

		if attempt == c.policy.MaxRetries {
			break
		}

		delay := c.policy.BaseDelay * (1 << uint(attempt))
		// Early abandon runs before the cap: a backoff this long means
		// the vendor is throttling hard and waiting is pointless.
		if delay > c.policy.AbandonAbove {
			c.record(attempts, lastStatus, time.Since(start))
			return nil, attempts, &RequestError{
				Provider:   c.provider,
				Code:       abandonCode(lastStatus, lastErr, timedOut),
				Status:     lastStatus,
				RetryCount: attempts - 1,
				Err:        errors.New("next backoff exceeds abandon threshold"),
			}
		}
		ceiling := c.policy.MaxDelay
		if timedOut {
			ceiling = c.policy.TimeoutDelay
		}
		if delay > ceiling {
			delay = ceiling
		}
		c.logger.Info().Int("attempt", attempt+1).Int("max", c.policy.MaxRetries+1).
			Dur("backoff", delay).Msg("retrying")
		select {
		case <-ctx.Done():
			c.record(attempts, lastStatus, time.Since(start))
			return nil, attempts, &RequestError{Provider: c.provider, Code: CodeTimeout, RetryCount: attempts - 1, Err: ctx.Err()}
		default:
		}
		c.sleep(delay)
	}

	c.record(attempts, lastStatus, time.Since(start))
	code := CodeMaxRetries
	if lastErr != nil {
		if isTimeout(lastErr) {
			code = CodeTimeout
		} else {
			code = CodeConnection
		}
	} else if lastStatus != 0 {
		code = strconv.Itoa(lastStatus)
	}
	return nil, attempts, &RequestError{
		Provider:   c.provider,
		Code:       code,
		Status:     lastStatus,
		RetryCount: attempts - 1,
		Err:        lastErr,
	}
}

func abandonCode(status int, err error, timedOut bool) string {
	switch {
	case status != 0:
		return strconv.Itoa(status)
	case timedOut:
		return CodeTimeout
	case err != nil:
		return CodeConnection
	default:
		return CodeMaxRetries
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) record(attempts, status int, latency time.Duration) {
	m := RequestMetrics{Attempts: attempts, Status: status, Latency: latency, Timestamp: time.Now()}
	c.mu.Lock()
	c.last = m
	c.history = append(c.history, m)
	if len(c.history) > 100 {
		c.history = c.history[len(c.history)-100:]
	}
	c.mu.Unlock()
}

// LastMetrics returns the most recent request record.
func (c *Client) LastMetrics() RequestMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
