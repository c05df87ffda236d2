package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/callbridge/internal/config"
	"github.com/haasonsaas/callbridge/internal/functions"
	"github.com/haasonsaas/callbridge/internal/gateway"
	"github.com/haasonsaas/callbridge/internal/observability"
	"github.com/haasonsaas/callbridge/internal/routing"
	"github.com/haasonsaas/callbridge/internal/storage"
	"github.com/haasonsaas/callbridge/internal/voice"
)

// loadConfig reads path, or returns the defaults when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

// =============================================================================
// Serve Command Handler
// =============================================================================

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, debug)
	slog.SetDefault(logger)

	logger.Info("starting callbridge",
		"version", version,
		"commit", commit,
		"config", configPath,
		"store", cfg.Storage.Driver,
	)
	if !cfg.GeminiConfigured() {
		logger.Warn("gemini.api_key is not set; callers will hear the fallback message")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server, err := gateway.NewServer(ctx, cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		_ = server.Stop(context.Background())
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	logger.Info("callbridge started", "http_addr", server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("callbridge stopped gracefully")
	return nil
}

// =============================================================================
// Migrate Command Handler
// =============================================================================

func runMigrate(cmd *cobra.Command, configPath string, importCatalog bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	dialect := storage.Dialect(cfg.Storage.Driver)
	if dialect != storage.DialectPostgres && dialect != storage.DialectSQLite {
		return fmt.Errorf("migrate requires a postgres or sqlite store, got %q", cfg.Storage.Driver)
	}

	sqlCfg := storage.DefaultSQLConfig()
	if cfg.Storage.ConnectTimeout > 0 {
		sqlCfg.ConnectTimeout = cfg.Storage.ConnectTimeout
	}
	db, err := storage.OpenSQL(dialect, cfg.Storage.DSN, sqlCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	n, err := storage.Migrate(ctx, db, dialect)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Applied %d migration(s) to the %s store\n", n, dialect)

	if !importCatalog {
		return nil
	}
	if cfg.Storage.CatalogPath == "" {
		return fmt.Errorf("--import-catalog requires storage.catalog_path")
	}
	cat, err := storage.LoadCatalog(cfg.Storage.CatalogPath)
	if err != nil {
		return err
	}
	if err := storage.ImportCatalog(ctx, storage.NewSQLStore(db, dialect), cat); err != nil {
		return err
	}
	fmt.Fprintf(out, "Imported %d agent(s) and %d menu(s) from %s\n", len(cat.Agents), len(cat.Menus), cfg.Storage.CatalogPath)
	return nil
}

// =============================================================================
// Route Command Handler
// =============================================================================

type routeOptions struct {
	configPath string
	to         string
	from       string
	direction  string
	at         string
	digit      string
}

type routeResult struct {
	Action    string `json:"action"`
	Method    string `json:"method"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	ForwardTo string `json:"forward_to,omitempty"`
	MenuID    string `json:"menu_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`

	Selection *routeResult `json:"selection,omitempty"`
}

func newRouteResult(d routing.Decision) *routeResult {
	r := &routeResult{
		Action:    string(d.Action),
		Method:    d.Method,
		AgentID:   d.Agent.ID,
		AgentName: d.Agent.Name,
		ForwardTo: d.ForwardTo,
	}
	if d.Menu != nil {
		r.MenuID = d.Menu.ID
		r.Prompt = routing.MenuPrompt(d.Menu)
	}
	return r
}

func runRoute(cmd *cobra.Command, opts routeOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	now := time.Now()
	if opts.at != "" {
		now, err = time.Parse(time.RFC3339, opts.at)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
	}
	direction := storage.Direction(strings.ToLower(opts.direction))
	if direction != storage.DirectionInbound && direction != storage.DirectionOutbound {
		return fmt.Errorf("invalid --direction %q", opts.direction)
	}

	ctx := cmd.Context()
	backend, err := storage.Open(ctx, cfg.Storage, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer backend.Close()

	// A dry run must not leave audit records behind.
	stores := backend.Stores
	stores.RoutingLogs = nil
	router := routing.NewRouter(stores, routing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	decision := router.RouteIncomingCall(ctx, routing.CallMetadata{
		CallID:    "dry-run",
		From:      opts.from,
		To:        opts.to,
		Direction: direction,
		Now:       now,
	})
	result := newRouteResult(decision)

	if decision.Action == routing.ActionPlayIVR && opts.digit != "" {
		state := routing.NewIVRState(decision.Menu)
		state.Start()
		state.AwaitDigit()
		selected, outcome, done := router.ResolveIVR(ctx, "dry-run", state, opts.digit)
		if done {
			result.Selection = newRouteResult(selected)
			result.Selection.Prompt = outcome.Prompt
		} else {
			result.Selection = &routeResult{Action: string(routing.ActionPlayIVR), Method: outcome.Phase.String(), Prompt: outcome.Prompt}
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// =============================================================================
// Doctor Command Handler
// =============================================================================

type checkStatus string

const (
	checkOK   checkStatus = "ok"
	checkWarn checkStatus = "warn"
	checkFail checkStatus = "fail"
)

type check struct {
	name   string
	status checkStatus
	detail string
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	checks := doctorChecks(cmd.Context(), cfg)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	failed := 0
	for _, c := range checks {
		if c.status == checkFail {
			failed++
		}
		fmt.Fprintf(w, "[%s]\t%s\t%s\n", c.status, c.name, c.detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func doctorChecks(ctx context.Context, cfg *config.Config) []check {
	var checks []check
	add := func(name string, status checkStatus, detail string) {
		checks = append(checks, check{name: name, status: status, detail: detail})
	}

	if cfg.GeminiConfigured() {
		add("gemini", checkOK, cfg.Gemini.Model)
	} else {
		add("gemini", checkFail, "gemini.api_key is not set; callers will hear the fallback message")
	}

	switch {
	case cfg.TwilioConfigured():
		add("twilio", checkOK, "REST credentials present; webhook signatures verified")
	case cfg.Twilio.AuthToken != "":
		add("twilio", checkWarn, "twilio.account_sid is not set; forwarding from a live stream is disabled")
	default:
		add("twilio", checkWarn, "no credentials; webhook signatures are not verified")
	}

	if cfg.Server.PublicURL != "" {
		add("public_url", checkOK, cfg.Server.PublicURL)
	} else {
		add("public_url", checkWarn, "stream URLs are derived from the webhook Host header")
	}

	if cfg.Auth.StreamTokenSecret != "" {
		add("stream_tokens", checkOK, "media streams carry signed call claims")
	} else {
		add("stream_tokens", checkWarn, "auth.stream_token_secret is not set; stream parameters are trusted")
	}

	if err := voice.ValidateSchedule(cfg.Calls.CleanupSchedule); err != nil {
		add("cleanup_schedule", checkFail, err.Error())
	} else {
		add("cleanup_schedule", checkOK, cfg.Calls.CleanupSchedule)
	}

	if s, err := functions.NewSummarizer(ctx, functions.SummarizerConfig{
		Provider: cfg.Summarizer.Provider,
		Model:    cfg.Summarizer.Model,
		APIKey:   cfg.Summarizer.APIKey,
	}); err != nil {
		add("summarizer", checkFail, err.Error())
	} else {
		add("summarizer", checkOK, s.Name())
	}

	add(storeCheck(ctx, cfg))
	return checks
}

func storeCheck(ctx context.Context, cfg *config.Config) (string, checkStatus, string) {
	backend, err := storage.Open(ctx, cfg.Storage, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return "store", checkFail, err.Error()
	}
	defer backend.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := backend.Stores.Ping(pingCtx); err != nil {
		return "store", checkFail, fmt.Sprintf("%s: %v", backend.Stores.Kind, err)
	}
	agents, err := backend.Stores.Agents.ListAgents(pingCtx)
	if err != nil {
		return "store", checkFail, fmt.Sprintf("%s: list agents: %v", backend.Stores.Kind, err)
	}
	if len(agents) == 0 {
		return "store", checkWarn, fmt.Sprintf("%s: no agents configured; every call uses the built-in assistant", backend.Stores.Kind)
	}
	return "store", checkOK, fmt.Sprintf("%s: %d agent(s)", backend.Stores.Kind, len(agents))
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(schema); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if strings.TrimSpace(configPath) == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := loadConfig(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", configPath)
	return nil
}

func runVersion(cmd *cobra.Command) {
	fmt.Fprintf(cmd.OutOrStdout(), "callbridge %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
}
