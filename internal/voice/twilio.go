package voice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://api.twilio.com/2010-04-01"
	maxAPIResponse = 1 << 20

	// SignatureHeader carries the HMAC-SHA1 request signature.
	SignatureHeader = "X-Twilio-Signature"
)

var ErrNotConfigured = errors.New("twilio: credentials not configured")

// Client talks to the Twilio REST API and verifies Twilio webhooks.
//
// Thread Safety:
// Client is safe for concurrent use.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	publicURL  string
	streamPath string

	client *http.Client
}

// Config holds configuration for the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string

	// PublicURL is the externally reachable base URL for webhooks and the
	// media stream.
	PublicURL string

	// StreamPath is the path for the media stream WebSocket.
	StreamPath string

	// APIBase overrides the REST endpoint, for tests.
	APIBase    string
	HTTPClient *http.Client
}

// NewClient creates a Twilio client. Missing credentials are allowed; REST
// calls then fail with ErrNotConfigured and signatures cannot be verified.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	streamPath := cfg.StreamPath
	if streamPath == "" {
		streamPath = "/media-stream"
	}
	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    fmt.Sprintf("%s/Accounts/%s", base, cfg.AccountSID),
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		streamPath: streamPath,
		client:     httpClient,
	}
}

// Configured reports whether REST credentials are present.
func (c *Client) Configured() bool {
	return c != nil && c.accountSID != "" && c.authToken != ""
}

// CanVerify reports whether webhook signatures can be checked.
func (c *Client) CanVerify() bool {
	return c != nil && c.authToken != ""
}

// StreamURL returns the media stream WebSocket URL. When no public URL is
// configured, host is used as seen by the incoming webhook.
func (c *Client) StreamURL(host string, secure bool) string {
	if c.publicURL != "" {
		u, err := url.Parse(c.publicURL)
		if err == nil && u.Host != "" {
			scheme := "wss"
			if u.Scheme == "http" {
				scheme = "ws"
			}
			return fmt.Sprintf("%s://%s%s", scheme, u.Host, c.streamPath)
		}
	}
	scheme := "wss"
	if !secure {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, c.streamPath)
}

// WebhookURL returns the absolute URL Twilio signed for r.
func (c *Client) WebhookURL(r *http.Request) string {
	if c.publicURL != "" {
		return c.publicURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}

// Signature computes the expected X-Twilio-Signature for fullURL and the
// POSTed form params.
func (c *Client) Signature(fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sig strings.Builder
	sig.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			sig.WriteString(k)
			sig.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(c.authToken))
	mac.Write([]byte(sig.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyRequest validates the signature of a parsed form request.
func (c *Client) VerifyRequest(r *http.Request) (bool, error) {
	if !c.CanVerify() {
		return false, ErrNotConfigured
	}
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		return false, nil
	}
	if err := r.ParseForm(); err != nil {
		return false, fmt.Errorf("twilio: failed to parse body: %w", err)
	}
	expected := c.Signature(c.WebhookURL(r), r.PostForm)
	return hmac.Equal([]byte(signature), []byte(expected)), nil
}

// UpdateCall replaces the instructions of a live call with twiml.
func (c *Client) UpdateCall(ctx context.Context, callSID, twiml string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	params := url.Values{"Twiml": {twiml}}
	if _, err := c.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", callSID), params); err != nil {
		return fmt.Errorf("twilio: failed to update call: %w", err)
	}
	return nil
}

// Hangup ends a live call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	params := url.Values{"Status": {"completed"}}
	if _, err := c.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", callSID), params); err != nil {
		return fmt.Errorf("twilio: failed to hang up call: %w", err)
	}
	return nil
}

// apiRequest makes an authenticated request to the Twilio API.
func (c *Client) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := c.baseURL + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponse+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxAPIResponse {
		return nil, fmt.Errorf("API response too large (%d bytes)", len(body))
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// ParseEvent normalizes webhook form params.
func ParseEvent(params url.Values, now time.Time) CallEvent {
	ev := CallEvent{
		CallSID:   params.Get("CallSid"),
		State:     CallState(params.Get("CallStatus")),
		Direction: parseDirection(params.Get("Direction")),
		From:      params.Get("From"),
		To:        params.Get("To"),
		Digits:    params.Get("Digits"),
		Timestamp: now,
	}
	if secs, err := strconv.Atoi(params.Get("CallDuration")); err == nil && secs > 0 {
		ev.Duration = time.Duration(secs) * time.Second
	}
	return ev
}
