package main

import (
	"os"

	"github.com/spf13/cobra"
)

const configEnv = "CALLBRIDGE_CONFIG"

func defaultConfigPath() string {
	return os.Getenv(configEnv)
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath(),
		"Path to YAML or JSON5 configuration file (defaults apply when empty)")
}

// buildServeCmd creates the "serve" command that runs the bridge.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the voice bridge server",
		Long: `Start the voice bridge server.

The server will:
1. Load configuration and open the agent store
2. Serve the Twilio voice, IVR and status webhooks
3. Accept Twilio Media Streams and bridge them to Gemini Live
4. Expose /healthz, /readyz, /diagnostics and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the in-memory store and defaults
  callbridge serve

  # Start with a config file and debug logging
  callbridge serve --config /etc/callbridge/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildMigrateCmd creates the "migrate" command for SQL stores.
func buildMigrateCmd() *cobra.Command {
	var (
		configPath    string
		importCatalog bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL schema migrations",
		Long: `Apply pending schema migrations to the postgres or sqlite store named in the
configuration. With --import-catalog the configured catalog file is upserted
afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configPath, importCatalog)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&importCatalog, "import-catalog", false, "Import storage.catalog_path after migrating")
	return cmd
}

// buildRouteCmd creates the "route" dry-run command.
func buildRouteCmd() *cobra.Command {
	var opts routeOptions
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show how a call would be routed",
		Long: `Run the routing decision for a hypothetical call against the configured
store without recording it. When the decision is an IVR menu, --digit resolves
the keypad selection as well.`,
		Example: `  callbridge route --to +15550002222
  callbridge route --to +15550004444 --digit 2 --at 2025-01-06T10:00:00-05:00`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(cmd, opts)
		},
	}
	addConfigFlag(cmd, &opts.configPath)
	cmd.Flags().StringVar(&opts.to, "to", "", "Dialed number")
	cmd.Flags().StringVar(&opts.from, "from", "", "Caller number")
	cmd.Flags().StringVar(&opts.direction, "direction", "inbound", "Call direction (inbound or outbound)")
	cmd.Flags().StringVar(&opts.at, "at", "", "Evaluate business hours at this RFC3339 time (default now)")
	cmd.Flags().StringVar(&opts.digit, "digit", "", "Keypad digit for an IVR decision")
	return cmd
}

// buildDoctorCmd creates the "doctor" command.
func buildDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check credentials, schedule and store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	var configPath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	addConfigFlag(validateCmd, &configPath)

	cmd.AddCommand(schemaCmd, validateCmd)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			runVersion(cmd)
		},
	}
}
