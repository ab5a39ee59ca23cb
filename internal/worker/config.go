package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/config"
)

// Defaults for the background worker loop.
const (
	// DefaultPollInterval is how long a worker sleeps after finding the
	// operations topic empty.
	DefaultPollInterval = time.Second

	// DefaultWorkers is how many worker loops the process runs.
	DefaultWorkers = 2

	// DefaultEventsTopic is the Kafka topic lifecycle events are published
	// on when a broker is configured.
	DefaultEventsTopic = "loadstone-version-events"
)

// Environment variables. Each overrides the corresponding config-file key.
const (
	envPollInterval    = "LOADSTONE_POLL_INTERVAL"
	envOperationsTopic = "LOADSTONE_OPERATIONS_TOPIC"
	envHandlerFn       = "LOADSTONE_HANDLER_FN"
	envWorkers         = "LOADSTONE_WORKERS"
	envKafkaBrokers    = "LOADSTONE_KAFKA_BROKERS"
	envKafkaTopic      = "LOADSTONE_KAFKA_TOPIC"
)

// Config holds the async-task settings: the worker loops plus the optional
// lifecycle notifier.
type Config struct {
	// PollInterval is the sleep between empty queue polls.
	PollInterval time.Duration

	// OperationsTopic is the queue topic workers consume.
	OperationsTopic string

	// HandlerFn names the verification hook run before save; empty
	// disables verification.
	HandlerFn string

	// Workers is the number of concurrent worker loops.
	Workers int

	// KafkaBrokers enables the lifecycle notifier when non-empty.
	KafkaBrokers []string

	// KafkaTopic is the lifecycle event topic.
	KafkaTopic string
}

// LoadConfig resolves the worker configuration: environment variables win
// over the optional config file, which wins over defaults.
func LoadConfig(file *config.File) *Config {
	if file == nil {
		file = &config.File{}
	}

	pollDefault := DefaultPollInterval

	if raw := file.AsyncTask.PollInterval; raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			slog.Warn("Invalid async-task.poll-interval in config file, using default",
				slog.String("value", raw),
				slog.String("default", DefaultPollInterval.String()))
		} else {
			pollDefault = parsed
		}
	}

	topicDefault := file.AsyncTask.OperationsTopic
	if topicDefault == "" {
		topicDefault = catalog.DefaultOperationsTopic
	}

	workersDefault := file.AsyncTask.Workers
	if workersDefault <= 0 {
		workersDefault = DefaultWorkers
	}

	return &Config{
		PollInterval:    config.GetEnvDuration(envPollInterval, pollDefault),
		OperationsTopic: config.GetEnvStr(envOperationsTopic, topicDefault),
		HandlerFn:       config.GetEnvStr(envHandlerFn, file.AsyncTask.HandlerFn),
		Workers:         config.GetEnvInt(envWorkers, workersDefault),
		KafkaBrokers:    config.ParseCommaSeparatedList(config.GetEnvStr(envKafkaBrokers, "")),
		KafkaTopic:      config.GetEnvStr(envKafkaTopic, DefaultEventsTopic),
	}
}

// Validate checks the configuration for startup.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}

	if c.OperationsTopic == "" {
		return fmt.Errorf("operations topic must not be empty")
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}

	if _, err := VerifierFor(c.HandlerFn); err != nil {
		return err
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka topic must not be empty when brokers are configured")
	}

	return nil
}
