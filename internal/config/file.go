package config

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFilePath is the default location for the loadstone configuration
// file. Uses hidden file format following common tool conventions
// (.eslintrc, .prettierrc, etc.).
const DefaultFilePath = ".loadstone.yaml"

// FilePathEnvVar is the environment variable name for a custom config path.
const FilePathEnvVar = "LOADSTONE_CONFIG_PATH"

type (
	// File is the optional YAML configuration file. Every key is optional;
	// environment variables override anything set here, and unknown keys are
	// ignored. Section and key names mirror the recognized configuration
	// surface (server.port, async-task.poll-interval, queue.lease-time, ...).
	File struct {
		Server        ServerSection  `yaml:"server"`
		AsyncTask     AsyncSection   `yaml:"async-task"`
		MetaDataStore BackendSection `yaml:"meta-data-store"`
		KVStore       BackendSection `yaml:"kv-store"`
		Queue         QueueSection   `yaml:"queue"`
		Logging       LoggingSection `yaml:"logging"`
	}

	// ServerSection configures the HTTP server.
	ServerSection struct {
		Port        int    `yaml:"port"`
		ContextRoot string `yaml:"context-root"`
	}

	// AsyncSection configures the background worker loop. PollInterval is a
	// Go duration string. HandlerFn names the verification hook to run before
	// save; empty disables verification.
	AsyncSection struct {
		PollInterval    string `yaml:"poll-interval"`
		OperationsTopic string `yaml:"operations-topic"`
		HandlerFn       string `yaml:"handler-fn"`
		Workers         int    `yaml:"workers"`
	}

	// BackendSection selects a backend implementation: "in-memory" or
	// "remote-doc-store". Table overrides the backing table name for the
	// remote implementation.
	BackendSection struct {
		Type  string `yaml:"type"`
		Table string `yaml:"table"`
	}

	// QueueSection is a BackendSection plus the lease duration.
	QueueSection struct {
		Type      string `yaml:"type"`
		Table     string `yaml:"table"`
		LeaseTime string `yaml:"lease-time"`
	}

	// LoggingSection configures the slog level: debug, info, warn, error.
	LoggingSection struct {
		Level string `yaml:"level"`
	}
)

// LoadFile loads the configuration file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - the file is optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// This graceful degradation ensures the server can start from environment
// variables alone.
func LoadFile(path string) (*File, error) {
	cfg := &File{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing with env only",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing with env only",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing with env only",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &File{}, nil
	}

	return cfg, nil
}

// LoadFileFromEnv loads the config file from the path in LOADSTONE_CONFIG_PATH,
// falling back to ".loadstone.yaml" in the current directory.
func LoadFileFromEnv() (*File, error) {
	path := GetEnvStr(FilePathEnvVar, DefaultFilePath)

	return LoadFile(path)
}
