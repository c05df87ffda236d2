package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultUserAgent identifies webhook requests.
const DefaultUserAgent = "AI-Call-Center/1.0"

const maxResponseBody = 64 << 10

// Config configures a Deliverer.
type Config struct {
	Timeout      time.Duration
	MaxAttempts  int
	AllowPrivate bool
	UserAgent    string
	Backoff      BackoffPolicy
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Webhook request failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Result describes a completed delivery.
type Result struct {
	StatusCode int
	Attempts   int
	Body       []byte
}

// Deliverer POSTs JSON payloads to external URLs.
type Deliverer struct {
	client *http.Client
	guard  *Guard
	cfg    Config
	logger *slog.Logger
}

// NewDeliverer builds a Deliverer whose transport refuses private addresses
// unless cfg.AllowPrivate is set.
func NewDeliverer(cfg Config, logger *slog.Logger) *Deliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if logger == nil {
		logger = slog.Default()
	}

	guard := &Guard{AllowPrivate: cfg.AllowPrivate}
	dialer := &net.Dialer{Timeout: cfg.Timeout, Control: guard.dialControl}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	return &Deliverer{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return errors.New("too many redirects")
				}
				_, err := guard.CheckURL(req.Context(), req.URL.String())
				return err
			},
		},
		guard:  guard,
		cfg:    cfg,
		logger: logger.With("component", "outbound"),
	}
}

// Deliver POSTs payload as JSON to target. Network failures, 429 and 5xx
// responses are retried with backoff up to MaxAttempts; other non-2xx
// responses fail immediately with *StatusError. The returned Result is
// populated with the last status code even on failure.
func (d *Deliverer) Deliver(ctx context.Context, target string, payload any) (Result, error) {
	var result Result
	u, err := d.guard.CheckURL(ctx, target)
	if err != nil {
		return result, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return result, fmt.Errorf("encode webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return result, err
		}

		status, respBody, err := d.post(ctx, u.String(), body)
		result.StatusCode = status
		result.Body = respBody
		if err == nil {
			return result, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return result, err
		}
		if IsBlocked(err) {
			return result, err
		}
		if attempt < d.cfg.MaxAttempts {
			delay := d.cfg.Backoff.Delay(attempt)
			d.logger.Warn("webhook delivery failed; retrying",
				"host", u.Host, "attempt", attempt, "delay", delay, "error", err)
			if err := sleepWithContext(ctx, delay); err != nil {
				return result, err
			}
		}
	}
	return result, lastErr
}

func (d *Deliverer) post(ctx context.Context, target string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, respBody, &StatusError{StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, respBody, nil
}
