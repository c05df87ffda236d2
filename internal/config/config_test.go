package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "callbridge.yaml", `
server:
  public_url: https://bridge.example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Gemini.Model != "gemini-2.0-flash-live-001" {
		t.Errorf("model = %q", cfg.Gemini.Model)
	}
	if cfg.Gemini.Voice != "Puck" || cfg.Gemini.Language != "en-US" {
		t.Errorf("voice/language = %q/%q", cfg.Gemini.Voice, cfg.Gemini.Language)
	}
	if cfg.Gemini.GreetingDelay != 500*time.Millisecond {
		t.Errorf("greeting delay = %v", cfg.Gemini.GreetingDelay)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Twilio.StreamPath != "/media-stream" {
		t.Errorf("stream path = %q", cfg.Twilio.StreamPath)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "callbridge.yaml", `
server:
  host: 0.0.0.0
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "bad language",
			body:    "gemini:\n  language: \"not a tag!!\"",
			wantErr: "gemini.language",
		},
		{
			name:    "sql without dsn",
			body:    "storage:\n  driver: postgres",
			wantErr: "storage.dsn",
		},
		{
			name:    "unknown driver",
			body:    "storage:\n  driver: mongo",
			wantErr: "storage.driver",
		},
		{
			name:    "verification without token",
			body:    "twilio:\n  verify_signatures: true",
			wantErr: "twilio.auth_token",
		},
		{
			name:    "newer version",
			body:    "version: 9",
			wantErr: "newer than this build",
		},
		{
			name:    "unknown summarizer",
			body:    "summarizer:\n  provider: cohere",
			wantErr: "summarizer.provider",
		},
		{
			name:    "bad cleanup schedule",
			body:    "calls:\n  cleanup_schedule: \"every now and then\"",
			wantErr: "calls.cleanup_schedule",
		},
		{
			name:    "grpc port collides",
			body:    "server:\n  http_port: 9000\n  grpc_port: 9000",
			wantErr: "server.grpc_port",
		},
		{
			name:    "unknown log format",
			body:    "logging:\n  format: xml",
			wantErr: "logging.format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "callbridge.yaml", tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q in error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadExpandsEnvAndIncludes(t *testing.T) {
	t.Setenv("CALLBRIDGE_TEST_GEMINI_KEY", "from-env")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("gemini:\n  voice: Kore\n  language: de-DE\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	main := filepath.Join(dir, "callbridge.yaml")
	body := "$include: base.yaml\ngemini:\n  api_key: ${CALLBRIDGE_TEST_GEMINI_KEY}\n  language: fr-FR\n"
	if err := os.WriteFile(main, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gemini.APIKey != "from-env" {
		t.Errorf("api key = %q, want from-env", cfg.Gemini.APIKey)
	}
	if cfg.Gemini.Voice != "Kore" {
		t.Errorf("voice = %q, want included Kore", cfg.Gemini.Voice)
	}
	if cfg.Gemini.Language != "fr-FR" {
		t.Errorf("language = %q, want fr-FR override", cfg.Gemini.Language)
	}
	if !cfg.GeminiConfigured() {
		t.Errorf("GeminiConfigured() = false")
	}
	if cfg.TwilioConfigured() {
		t.Errorf("TwilioConfigured() = true without credentials")
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	_ = os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644)
	_ = os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644)

	if _, err := Load(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "callbridge.json5", `{
  // comments are allowed
  server: { http_port: 9090 },
  storage: { driver: "sqlite", dsn: "file:calls.db" },
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", data)
	}
	for _, key := range []string{"server", "twilio", "gemini", "storage"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %q", key)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadExampleConfig(t *testing.T) {
	t.Setenv("TWILIO_AUTH_TOKEN", "example-token")
	t.Setenv("CALLBRIDGE_PUBLIC_URL", "https://bridge.example.com")

	cfg, err := Load(filepath.Join("..", "..", "examples", "callbridge.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Driver != "file" || cfg.Logging.Format != "auto" {
		t.Errorf("storage/logging = %q/%q", cfg.Storage.Driver, cfg.Logging.Format)
	}
	if cfg.Twilio.AuthToken != "example-token" || !cfg.Twilio.VerifySignatures {
		t.Errorf("twilio = %+v", cfg.Twilio)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Server.ShutdownTimeout)
	}
}
