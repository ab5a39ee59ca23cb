// Package main provides the Loadstone versioned key-value store service.
//
// Loadstone manages datasets of immutable, versioned key-value data: clients
// prepare a version, load entries into it, save it, and publish it to serve
// reads, while background workers drive the long-running transitions through
// a durable work queue.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/loadstone-io/loadstone/internal/api"
	"github.com/loadstone-io/loadstone/internal/api/middleware"
	"github.com/loadstone-io/loadstone/internal/config"
	"github.com/loadstone-io/loadstone/internal/orchestrator"
	"github.com/loadstone-io/loadstone/internal/queue"
	"github.com/loadstone-io/loadstone/internal/storage"
	"github.com/loadstone-io/loadstone/internal/storage/kv"
	"github.com/loadstone-io/loadstone/internal/storage/metadata"
	"github.com/loadstone-io/loadstone/internal/worker"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "loadstone"
)

// Backend types accepted for meta-data-store.type, kv-store.type and
// queue.type.
const (
	backendInMemory  = "in-memory"
	backendRemoteDoc = "remote-doc-store"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	// Missing or unparseable files degrade to env-only configuration, so the
	// error return is always nil.
	fileConfig, _ := config.LoadFileFromEnv()

	logLevel := config.GetEnvLogLevel("LOADSTONE_LOG_LEVEL",
		config.ParseLogLevel(fileConfig.Logging.Level, slog.LevelInfo))

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("Starting Loadstone service",
		slog.String("service", name),
		slog.String("version", version),
	)

	serverConfig := api.LoadServerConfig(fileConfig)
	if err := serverConfig.Validate(); err != nil {
		logger.Error("Invalid server configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("context_root", serverConfig.ContextRoot),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.Bool("auth_enabled", len(serverConfig.APIKeyHashes) > 0),
		slog.String("log_level", logLevel.String()),
	)

	workerConfig := worker.LoadConfig(fileConfig)
	if err := workerConfig.Validate(); err != nil {
		logger.Error("Invalid async-task configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Loaded async-task configuration",
		slog.Duration("poll_interval", workerConfig.PollInterval),
		slog.String("operations_topic", workerConfig.OperationsTopic),
		slog.String("handler_fn", workerConfig.HandlerFn),
		slog.Int("workers", workerConfig.Workers),
	)

	metaType := backendType(fileConfig.MetaDataStore.Type, "LOADSTONE_META_DATA_STORE_TYPE")
	kvType := backendType(fileConfig.KVStore.Type, "LOADSTONE_KV_STORE_TYPE")
	queueType := backendType(fileConfig.Queue.Type, "LOADSTONE_QUEUE_TYPE")

	for _, backend := range []struct{ section, typ string }{
		{"meta-data-store", metaType},
		{"kv-store", kvType},
		{"queue", queueType},
	} {
		if backend.typ != backendInMemory && backend.typ != backendRemoteDoc {
			logger.Error("Unknown backend type",
				slog.String("section", backend.section),
				slog.String("type", backend.typ),
			)
			os.Exit(1)
		}
	}

	// A single shared connection serves every remote backend; it is opened
	// only when at least one backend needs it.
	var conn *storage.Connection

	if metaType == backendRemoteDoc || kvType == backendRemoteDoc || queueType == backendRemoteDoc {
		storageConfig := storage.LoadConfig()

		var err error

		conn, err = storage.NewConnection(storageConfig)
		if err != nil {
			logger.Error("Failed to connect to database", slog.String("error", err.Error()))
			os.Exit(1)
		}

		logger.Info("Database connection established",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
			slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
			slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
			slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
			slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
		)
	}

	defer func() {
		if conn != nil {
			_ = conn.Close() // Ensure connection closes on normal shutdown
		}
	}()

	var metaBase metadata.Store
	if metaType == backendRemoteDoc {
		metaBase = metadata.NewPostgresStore(conn, logger)
	} else {
		metaBase = metadata.NewInMemoryStore()
	}

	metaStore := metadata.NewValidatingStore(metadata.NewLoggingStore(metaBase, logger))

	var entryBase kv.Store

	if kvType == backendRemoteDoc {
		kvTable := config.GetEnvStr("LOADSTONE_KV_STORE_TABLE", fileConfig.KVStore.Table)

		var err error

		entryBase, err = kv.NewPostgresStore(conn, kvTable, logger)
		if err != nil {
			logger.Error("Failed to create entry store", slog.String("error", err.Error()))

			_ = conn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}
	} else {
		entryBase = kv.NewInMemoryStore()
	}

	entryStore := kv.NewEncodedStore(entryBase, 0)

	leaseTime := queue.DefaultLeaseTime

	if raw := config.GetEnvStr("LOADSTONE_QUEUE_LEASE_TIME", fileConfig.Queue.LeaseTime); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			logger.Warn("Invalid queue.lease-time, using default",
				slog.String("value", raw),
				slog.String("default", queue.DefaultLeaseTime.String()),
			)
		} else {
			leaseTime = parsed
		}
	}

	var q queue.Queue

	if queueType == backendRemoteDoc {
		queueTable := config.GetEnvStr("LOADSTONE_QUEUE_TABLE", fileConfig.Queue.Table)

		var err error

		q, err = queue.NewPostgresQueue(conn, queueTable, leaseTime, logger)
		if err != nil {
			logger.Error("Failed to create work queue", slog.String("error", err.Error()))

			_ = conn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}
	} else {
		q = queue.NewInMemoryQueue(leaseTime)
	}

	logger.Info("Storage backends initialized",
		slog.String("meta_data_store", metaType),
		slog.String("kv_store", kvType),
		slog.String("queue", queueType),
		slog.Duration("queue_lease_time", leaseTime),
	)

	service := orchestrator.NewService(metaStore, entryStore, q, orchestrator.Config{
		OperationsTopic: workerConfig.OperationsTopic,
		VerifyOnSave:    workerConfig.HandlerFn != "",
	}, logger)

	// HandlerFn was validated above, so VerifierFor cannot fail here.
	verify, _ := worker.VerifierFor(workerConfig.HandlerFn)

	var notifier worker.Notifier

	if len(workerConfig.KafkaBrokers) > 0 {
		notifier = worker.NewKafkaNotifier(workerConfig.KafkaBrokers, workerConfig.KafkaTopic)

		logger.Info("Kafka lifecycle notifier enabled",
			slog.String("brokers", strings.Join(workerConfig.KafkaBrokers, ",")),
			slog.String("topic", workerConfig.KafkaTopic),
		)
	}

	handlers := worker.NewHandlers(metaStore, q, workerConfig.OperationsTopic, verify, logger)

	runners := make([]*worker.Runner, 0, workerConfig.Workers)

	for i := 0; i < workerConfig.Workers; i++ {
		runner := worker.NewRunner(q, handlers, workerConfig, notifier, logger)
		runners = append(runners, runner)

		go runner.Run()
	}

	logger.Info("Worker pool started", slog.Int("workers", len(runners)))

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadRateLimitConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	server := api.NewServer(serverConfig, service, rateLimiter, logger)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// The HTTP server has drained; stop the workers and flush the notifier
	// before the backends go away.
	for _, runner := range runners {
		runner.Stop()
	}

	for _, runner := range runners {
		<-runner.Done()
	}

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Warn("Failed to close notifier", slog.String("error", err.Error()))
		}
	}

	_ = metaStore.Close()
	_ = entryStore.Close()
	_ = q.Close()

	logger.Info("Loadstone service stopped")
}

// backendType resolves a backend selection: the environment variable wins
// over the config-file value, and everything defaults to in-memory.
func backendType(fileValue, envVar string) string {
	value := config.GetEnvStr(envVar, fileValue)
	if value == "" {
		return backendInMemory
	}

	return value
}
