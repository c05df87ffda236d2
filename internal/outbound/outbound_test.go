package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		Timeout:      2 * time.Second,
		MaxAttempts:  3,
		AllowPrivate: true,
		Backoff:      BackoffPolicy{InitialMs: 1, MaxMs: 2, Factor: 2},
	}
}

func TestDeliverSendsJSON(t *testing.T) {
	var gotUA, gotCT string
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDeliverer(fastConfig(), nil)
	res, err := d.Deliver(context.Background(), server.URL, map[string]any{"event_type": "call_completed"})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if res.StatusCode != http.StatusOK || res.Attempts != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if gotUA != DefaultUserAgent || gotCT != "application/json" {
		t.Errorf("headers = %q, %q", gotUA, gotCT)
	}
	if got["event_type"] != "call_completed" {
		t.Errorf("payload = %v", got)
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	res, err := NewDeliverer(fastConfig(), nil).Deliver(context.Background(), server.URL, map[string]string{})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if res.Attempts != 3 || res.StatusCode != http.StatusAccepted {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	res, err := NewDeliverer(fastConfig(), nil).Deliver(context.Background(), server.URL, map[string]string{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if err.Error() != "Webhook request failed: 404 Not Found" {
		t.Errorf("error = %q", err.Error())
	}
	if calls.Load() != 1 || res.StatusCode != http.StatusNotFound {
		t.Errorf("calls = %d, result = %+v", calls.Load(), res)
	}
}

func TestDeliverBlocksPrivateTargets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.AllowPrivate = false
	_, err := NewDeliverer(cfg, nil).Deliver(context.Background(), server.URL, map[string]string{})
	if !IsBlocked(err) {
		t.Fatalf("expected blocked error, got %v", err)
	}
}

func TestGuardCheckURL(t *testing.T) {
	lookup := func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		switch host {
		case "hooks.example.com":
			return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
		case "rebind.example.com":
			return []netip.Addr{netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("10.1.2.3")}, nil
		}
		return nil, errors.New("no such host")
	}
	guard := &Guard{LookupNetIP: lookup}

	tests := []struct {
		url         string
		wantErr     bool
		wantBlocked bool
	}{
		{"https://hooks.example.com/catch/1", false, false},
		{"https://rebind.example.com/", true, true},
		{"http://localhost:8080/", true, true},
		{"http://svc.internal/", true, true},
		{"http://127.0.0.1/", true, true},
		{"http://[::1]/", true, true},
		{"http://169.254.169.254/latest", true, true},
		{"http://[::ffff:192.168.0.1]/", true, true},
		{"https://8.8.8.8/", false, false},
		{"ftp://hooks.example.com/", true, false},
		{"https://unknown.example.com/", true, false},
		{"not a url", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := guard.CheckURL(context.Background(), tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if IsBlocked(err) != tt.wantBlocked {
				t.Errorf("IsBlocked() = %v, want %v (err %v)", IsBlocked(err), tt.wantBlocked, err)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	p := BackoffPolicy{InitialMs: 100, MaxMs: 1000, Factor: 2, Jitter: 0.5}
	tests := []struct {
		attempt int
		rnd     float64
		want    time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{3, 1, 600 * time.Millisecond},
		{10, 0, time.Second},
		{0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.delayWithRand(tt.attempt, tt.rnd); got != tt.want {
			t.Errorf("delay(%d, %v) = %v, want %v", tt.attempt, tt.rnd, got, tt.want)
		}
	}
}

func TestSleepWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepWithContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
