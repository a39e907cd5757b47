// Command bitrixbridge runs the Open Lines chatbot bridge: it receives
// webhook events from Bitrix24 portals, walks the Ánima decision tree for
// each conversation and mirrors everything to the operator chat bridge.
package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/animahub/bitrixbridge/internal/anima"
	"github.com/animahub/bitrixbridge/internal/api"
	"github.com/animahub/bitrixbridge/internal/bitrix"
	"github.com/animahub/bitrixbridge/internal/store"
	"github.com/animahub/bitrixbridge/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for bridge state data
	DefaultStateDir = "/var/lib/bitrixbridge"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "bitrixbridge.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	storeOpts := buildStoreOptions(flags)
	animaOpts := buildAnimaOptions(flags)
	connectorOpts := buildConnectorOptions(flags)
	var bitrixOpts []bitrix.Option
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping bitrixbridge with configured modules")
	slog.Debug("Module options counts",
		"store", len(storeOpts), "anima", len(animaOpts), "connector", len(connectorOpts), "api", len(apiOpts))
	if err := api.Run(storeOpts, animaOpts, connectorOpts, bitrixOpts, apiOpts); err != nil {
		slog.Error("bitrixbridge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("bitrixbridge exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	AnimaURL    string
	BridgeURL   string
	BridgeToken string
	APIAddr     string
	Debug       bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	animaURL    *string
	bridgeURL   *string
	bridgeToken *string
	apiAddr     *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("BRIDGE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("BRIDGE_STATE_DIR"),
		AnimaURL:    os.Getenv("ANIMA_BASE_URL"),
		BridgeURL:   os.Getenv("ANIMA_BRIDGE_URL"),
		BridgeToken: os.Getenv("ANIMA_BRIDGE_TOKEN"),
		APIAddr:     os.Getenv("API_ADDR"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No BRIDGE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"BRIDGE_STATE_DIR", config.StateDir,
		"ANIMA_BASE_URL_SET", config.AnimaURL != "",
		"ANIMA_BRIDGE_URL_SET", config.BridgeURL != "",
		"ANIMA_BRIDGE_TOKEN_SET", config.BridgeToken != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for bridge data (overrides $BRIDGE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		animaURL:    flag.String("anima-url", config.AnimaURL, "decision tree service base URL (overrides $ANIMA_BASE_URL)"),
		bridgeURL:   flag.String("bridge-url", config.BridgeURL, "chat bridge base URL (overrides $ANIMA_BRIDGE_URL)"),
		bridgeToken: flag.String("bridge-token", config.BridgeToken, "chat bridge bearer token (overrides $ANIMA_BRIDGE_TOKEN)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	// Follow a moved state directory when the DSN was derived from it
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		slog.Debug("Configuring store", "dsn_type", store.DetectDSNType(*flags.dbDSN))
		storeOpts = append(storeOpts, store.WithDSN(*flags.dbDSN))
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildAnimaOptions constructs decision tree client options
func buildAnimaOptions(flags Flags) []anima.Option {
	var opts []anima.Option
	if *flags.animaURL != "" {
		opts = append(opts, anima.WithBaseURL(*flags.animaURL))
	}
	return opts
}

// buildConnectorOptions constructs chat bridge connector options
func buildConnectorOptions(flags Flags) []anima.ConnectorOption {
	var opts []anima.ConnectorOption
	if *flags.bridgeURL != "" {
		opts = append(opts, anima.WithConnectorBaseURL(*flags.bridgeURL))
	}
	if *flags.bridgeToken != "" {
		opts = append(opts, anima.WithConnectorToken(*flags.bridgeToken))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
