package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testCatalog = `
agents:
  - id: sales
    name: Sales
    phone_numbers: ["+15550002222"]
  - id: front
    name: Front Desk
    routing_mode: ivr
    ivr_menu_id: main
    phone_numbers: ["+15550004444"]
  - id: human
    name: Human
    routing_mode: forward
    forward_number: "+15550009999"
ivr_menus:
  - id: main
    agent_id: front
    greeting: "Thanks for calling."
    options:
      - digit: "1"
        description: sales
        agent_id: sales
      - digit: "2"
        description: a person
        agent_id: human
`

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	catalog := writeFile(t, dir, "catalog.yaml", testCatalog)
	return writeFile(t, dir, "callbridge.yaml",
		"storage:\n  driver: file\n  catalog_path: "+catalog+"\n")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "migrate", "route", "doctor", "config", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "callbridge dev") || !strings.Contains(out, "commit: none") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if !strings.Contains(out, "callbridge configuration") {
		t.Error("schema title missing")
	}
}

func TestConfigValidateCommand(t *testing.T) {
	if _, err := execute(t, "config", "validate", "--config", ""); err == nil {
		t.Error("expected error without --config")
	}
	path := writeTestConfig(t)
	out, err := execute(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("output = %q", out)
	}
}

func TestRouteCommand(t *testing.T) {
	path := writeTestConfig(t)
	tests := []struct {
		name      string
		args      []string
		action    string
		agent     string
		selection string
	}{
		{
			name:   "number match",
			args:   []string{"--to", "+15550002222"},
			action: "connect_ai",
			agent:  "sales",
		},
		{
			name:   "ivr menu",
			args:   []string{"--to", "+15550004444"},
			action: "play_ivr",
			agent:  "front",
		},
		{
			name:      "ivr selection forwards",
			args:      []string{"--to", "+15550004444", "--digit", "2"},
			action:    "play_ivr",
			agent:     "front",
			selection: "forward_call",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"route", "--config", path}, tt.args...)...)
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			var got routeResult
			if err := json.Unmarshal([]byte(out), &got); err != nil {
				t.Fatalf("decode %q: %v", out, err)
			}
			if got.Action != tt.action || got.AgentID != tt.agent {
				t.Errorf("route = %+v", got)
			}
			if tt.selection == "" {
				return
			}
			if got.Selection == nil || got.Selection.Action != tt.selection || got.Selection.ForwardTo != "+15550009999" {
				t.Errorf("selection = %+v", got.Selection)
			}
		})
	}
}

func TestRouteCommandRejectsBadInput(t *testing.T) {
	if _, err := execute(t, "route", "--direction", "sideways"); err == nil {
		t.Error("expected direction error")
	}
	if _, err := execute(t, "route", "--at", "yesterday"); err == nil {
		t.Error("expected time error")
	}
}

func TestDoctorReportsMissingCredentials(t *testing.T) {
	out, err := execute(t, "doctor", "--config", writeTestConfig(t))
	if err == nil {
		t.Fatal("expected failure without a gemini key")
	}
	for _, want := range []string{"[fail]", "gemini", "[ok]", "file: 3 agent(s)", "cleanup_schedule"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestMigrateRequiresSQLStore(t *testing.T) {
	_, err := execute(t, "migrate", "--config", writeTestConfig(t))
	if err == nil || !strings.Contains(err.Error(), "postgres or sqlite") {
		t.Fatalf("err = %v", err)
	}
}

func TestMigrateSQLite(t *testing.T) {
	dir := t.TempDir()
	catalog := writeFile(t, dir, "catalog.yaml", testCatalog)
	cfg := writeFile(t, dir, "callbridge.yaml",
		"storage:\n  driver: sqlite\n  dsn: "+filepath.Join(dir, "calls.db")+"\n  catalog_path: "+catalog+"\n")

	out, err := execute(t, "migrate", "--config", cfg, "--import-catalog")
	if err != nil {
		t.Fatalf("migrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Imported 3 agent(s) and 1 menu(s)") {
		t.Errorf("output = %q", out)
	}

	out, err = execute(t, "migrate", "--config", cfg)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if !strings.Contains(out, "Applied 0 migration(s)") {
		t.Errorf("second run output = %q", out)
	}
}
