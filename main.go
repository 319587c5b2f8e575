/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package main

import (
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/PivotLLM/Switchboard/config"
	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/PivotLLM/Switchboard/server"
)

// EmbeddedDefaults holds the configuration written on first run
//
//go:embed docs/config-example.json
var EmbeddedDefaults embed.FS

func main() {
	// Top-level panic recovery
	defer func() {
		if rec := recover(); rec != nil {
			_, _ = fmt.Fprintf(os.Stderr, "FATAL PANIC: %v\n", rec)
			os.Exit(2)
		}
	}()

	// Parse command line flags
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		envFile    = flag.String("env-file", "", "Path to a .env file loaded before the configuration")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	// Handle version flag
	if *version {
		fmt.Printf("%s v%s\n", global.ProgramName, global.Version)
		return
	}

	// Handle help flag
	if *help {
		showHelp()
		return
	}

	// An explicit env file must exist; it is loaded first so it can set SWITCHBOARD_CONFIG
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to load env file %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	}

	opts := []config.Option{config.WithEmbeddedFS(EmbeddedDefaults)}
	if *configPath != "" {
		opts = append(opts, config.WithConfigPath(*configPath))
	}
	cfg := config.New(opts...)

	// Load and validate configuration
	if err := cfg.Load(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger with config path
	logger, err := logging.New(cfg.LogFile())
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *logging.Logger) {
		// Ensure logs are flushed before exit
		_ = logger.Sync()
		_ = logger.Close()
	}(logger)

	// Set log level from config
	logger.SetLevel(cfg.LogLevel())

	// Announce startup
	logger.Infof("%s v%s starting", global.ProgramName, global.Version)

	// Log first-run message
	if cfg.IsFirstRun() {
		logger.Infof("First run detected - created default configuration at %s", cfg.ConfigPath())
		logger.Info("Please edit the configuration to add tool servers and task handlers")
	}

	// The configured .env is optional. Existing variables are never overridden,
	// and tool server processes inherit what it sets.
	if *envFile == "" {
		if err := godotenv.Load(cfg.EnvFile()); err == nil {
			logger.Infof("Loaded environment from %s", cfg.EnvFile())
		} else if !errors.Is(err, fs.ErrNotExist) {
			logger.Warnf("Failed to load %s: %v", cfg.EnvFile(), err)
		}
	}

	if len(cfg.EnabledHandlers()) == 0 {
		logger.Warn("No task handlers are enabled - approved plans will fail until a handler is configured")
	}

	// Create and start server
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	// Run the server
	if err := srv.Run(); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
}

func showHelp() {
	fmt.Printf(`%s v%s - MCP tool server switchboard and task orchestrator

USAGE:
    %s [OPTIONS]

OPTIONS:
    --config PATH      Path to configuration file (.json, .yaml or .yml)
                       (default: $%s or %s/%s)
    --env-file PATH    Load environment variables from a .env file
                       (default: .env in the base directory, if present)
    --version          Show version information
    --help             Show this help message

DESCRIPTION:
    %s is a Model Context Protocol (MCP) server that provides:

    - A registry of external tool servers (stdio processes or HTTP endpoints)
    - Tool calls and resource reads routed to connected servers
    - A task batch with dependencies and an approval gate
    - An orchestrator that runs approved tasks through configured handlers
    - A live observer stream (server-sent events) and Prometheus metrics

CONFIGURATION:
    - servers_file: Tool server registry document (default: %s)
    - watch_servers_file: Reload the registry when the document changes
    - listen: Address for the observer HTTP surface (empty disables it)
    - history_db: SQLite task history (empty disables it)
    - handlers: Task handlers (tool or command) the classifier routes to
    - classifier: Keyword rules mapping task text to handlers

    On first run, a default configuration is created in %s.

EXAMPLES:
    # Start with default config
    %s

    # Start with custom config and env file
    %s --config /path/to/config.yaml --env-file /path/to/.env

    # Show version
    %s --version

ENVIRONMENT:
    %s    Path to configuration file (if --config not used)
`, global.ProgramName, global.Version,
		global.ProgramName,
		global.ConfigEnvVar, global.DefaultBaseDir, global.DefaultConfigFileName,
		global.ProgramName,
		global.DefaultServersFile,
		global.DefaultBaseDir,
		global.ProgramName,
		global.ProgramName,
		global.ProgramName,
		global.ConfigEnvVar)
}
