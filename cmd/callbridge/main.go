// Package main provides the CLI entry point for callbridge, the bridge between
// Twilio voice calls and Gemini Live conversational agents.
//
// # Basic Usage
//
// Start the server:
//
//	callbridge serve --config callbridge.yaml
//
// Apply SQL migrations:
//
//	callbridge migrate --config callbridge.yaml
//
// Preview how a call would be routed:
//
//	callbridge route --to +15550002222 --digit 1
//
// # Environment Variables
//
//   - CALLBRIDGE_CONFIG: Path to configuration file
//
// Configuration files may reference any environment variable with ${NAME}.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "callbridge",
		Short: "callbridge - Twilio to Gemini Live voice bridge",
		Long: `callbridge answers Twilio voice calls, routes them to an AI agent, an IVR
menu or a human, and streams the conversation to Gemini Live.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildRouteCmd(),
		buildDoctorCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
