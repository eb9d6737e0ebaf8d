package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is gated by config.
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/josephjohncox/vectorwing/connectors/sources/mongo"
	"github.com/josephjohncox/vectorwing/internal/checkpoint"
	"github.com/josephjohncox/vectorwing/internal/cli"
	"github.com/josephjohncox/vectorwing/internal/config"
	"github.com/josephjohncox/vectorwing/internal/model"
	"github.com/josephjohncox/vectorwing/internal/resultlog"
	"github.com/josephjohncox/vectorwing/internal/telemetry"
	"github.com/josephjohncox/vectorwing/internal/vectorindex"
	"github.com/josephjohncox/vectorwing/pkg/connector"
	"github.com/josephjohncox/vectorwing/pkg/listener"
	"github.com/josephjohncox/vectorwing/pkg/pipeline"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	command := newVectorwingWorkerCommand()
	return command.Execute()
}

func newVectorwingWorkerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          "vectorwing-worker",
		Short:        "Run a single vectorwing sync flow",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVectorwingWorker(cmd)
		},
	}
	command.PersistentFlags().String("config", "", "path to config file")
	command.Flags().String("collection", "", "collection to watch")
	command.Flags().String("database", "", "override configured database")
	command.Flags().Duration("drain-timeout", 0, "override graceful drain timeout")
	command.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return cli.InitViperFromCommand(cmd, cli.ViperConfig{
			EnvPrefix:    "VECTORWING_WORKER",
			ConfigEnvVar: "VECTORWING_WORKER_CONFIG",
			ConfigName:   "vectorwing-worker",
			ConfigType:   "yaml",
		})
	}
	command.InitDefaultCompletionCmd()
	return command
}

// listenerEntry is the config-file shape of one listener registration.
type listenerEntry struct {
	Identifier  string   `mapstructure:"identifier"`
	Collection  string   `mapstructure:"collection"`
	TargetField string   `mapstructure:"target_field"`
	InputFields []string `mapstructure:"input_fields"`
	Model       string   `mapstructure:"model"`
	Compute     string   `mapstructure:"compute"`
	Destination string   `mapstructure:"destination"`
	IndexName   string   `mapstructure:"index_name"`
}

func runVectorwingWorker(cmd *cobra.Command) error {
	collection := cli.ResolveStringFlag(cmd, "collection")
	databaseOverride := cli.ResolveStringFlag(cmd, "database")
	drainTimeout := cli.ResolveDurationFlag(cmd, "drain-timeout")

	if collection == "" {
		return errors.New("collection is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cli.ResolveStringFlag(cmd, "config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if databaseOverride != "" {
		cfg.Mongo.Database = databaseOverride
	}
	if drainTimeout > 0 {
		cfg.Dispatcher.DrainTimeout = drainTimeout
	}
	if cfg.Mongo.URI == "" {
		return errors.New("VECTORWING_MONGO_URI is required to run a sync flow")
	}
	if cfg.Mongo.Database == "" {
		return errors.New("VECTORWING_MONGO_DATABASE is required to run a sync flow")
	}

	logger, err := telemetry.Logger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Pprof.Listen != "" {
		pprofServer := &http.Server{
			Addr:              cfg.Pprof.Listen,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("pprof server listening", zap.String("addr", cfg.Pprof.Listen))
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("pprof server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = pprofServer.Shutdown(shutdownCtx)
		}()
	}

	tracer := telemetry.Tracer(cfg.Telemetry.ServiceName)

	client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
	}()

	registry, err := buildRegistry(collection)
	if err != nil {
		return err
	}
	if registry.Len() == 0 {
		logger.Warn("no listeners registered for collection, records will be checkpointed and dropped",
			zap.String("collection", collection))
	}

	checkpoints, closeCheckpoints, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer closeCheckpoints()

	index, closeIndex, err := openVectorIndex(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}
	defer closeIndex()

	executor, err := buildExecutor(cfg)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	var results connector.ResultLog = resultlog.NopLog{}
	if len(cfg.ResultLog.Brokers) > 0 && cfg.ResultLog.Topic != "" {
		kafkaLog, err := resultlog.NewKafkaLog(cfg.ResultLog.Brokers, cfg.ResultLog.Topic)
		if err != nil {
			return fmt.Errorf("open result log: %w", err)
		}
		results = kafkaLog
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = results.Close(closeCtx)
	}()

	store, err := mongo.NewStore(client, cfg.Mongo.Database)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}

	source := mongo.NewSource(client, cfg.Mongo.Database, collection,
		mongo.WithBatchSize(cfg.Mongo.BatchSize),
		mongo.WithFullDocument(cfg.Mongo.FullDocument),
		mongo.WithLogger(logger),
	)

	health := pipeline.NewHealth(cfg.Health.StallAfter)
	healthServer := &http.Server{
		Addr:              cfg.Health.Listen,
		Handler:           health.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health server listening", zap.String("addr", cfg.Health.Listen))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthServer.Shutdown(shutdownCtx)
	}()

	dispatcher := &pipeline.Dispatcher{
		Registry:    registry,
		Executor:    executor,
		Index:       index,
		Store:       store,
		Results:     results,
		Tracker:     pipeline.NewTokenTracker(),
		Logger:      logger,
		Tracer:      tracer,
		MaxInFlight: cfg.Dispatcher.MaxInFlight,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		BackoffBase: cfg.Dispatcher.BackoffBase,
		BackoffMax:  cfg.Dispatcher.BackoffMax,
	}

	flow := &pipeline.Runner{
		Source:             source,
		SourceID:           source.SourceID(),
		Dispatcher:         dispatcher,
		Checkpoints:        checkpoints,
		CheckpointInterval: cfg.Checkpoints.Interval,
		CheckpointBatch:    cfg.Checkpoints.BatchSize,
		DrainTimeout:       cfg.Dispatcher.DrainTimeout,
		Health:             health,
		Logger:             logger,
		Tracer:             tracer,
	}

	logger.Info("starting sync flow",
		zap.String("source", source.SourceID()),
		zap.Int("listeners", registry.Len()))
	if err := flow.Run(ctx); err != nil {
		return fmt.Errorf("run flow: %w", err)
	}
	return nil
}

// buildRegistry loads listener specs from the config file and keeps the ones
// bound to the watched collection.
func buildRegistry(collection string) (*listener.Registry, error) {
	var entries []listenerEntry
	if err := viper.UnmarshalKey("listeners", &entries); err != nil {
		return nil, fmt.Errorf("parse listeners: %w", err)
	}

	registry := listener.NewRegistry()
	for _, entry := range entries {
		if entry.Collection != collection {
			continue
		}
		compute := connector.ComputeKind(strings.TrimSpace(entry.Compute))
		if compute == "" {
			compute = connector.ComputeInline
		}
		destination := connector.OutputDestination(strings.TrimSpace(entry.Destination))
		if destination == "" {
			destination = connector.DestinationVectorIndex
		}
		spec := connector.ListenerSpec{
			Identifier:  entry.Identifier,
			Collection:  entry.Collection,
			TargetField: entry.TargetField,
			InputFields: entry.InputFields,
			ModelRef:    entry.Model,
			Compute:     compute,
			Destination: destination,
			IndexName:   entry.IndexName,
		}
		if err := registry.Register(spec); err != nil {
			return nil, fmt.Errorf("register listener %q: %w", entry.Identifier, err)
		}
	}
	return registry, nil
}

func openCheckpointStore(ctx context.Context, cfg *config.Config) (connector.CheckpointStore, func(), error) {
	switch cfg.Checkpoints.Backend {
	case "postgres":
		if cfg.Checkpoints.DSN == "" {
			return nil, nil, errors.New("VECTORWING_CHECKPOINT_DSN is required for the postgres backend")
		}
		store, err := checkpoint.NewPostgresStore(ctx, cfg.Checkpoints.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "sqlite":
		dsn := cfg.Checkpoints.DSN
		if dsn == "" {
			path := cfg.Checkpoints.Path
			if path == "" {
				path = "vectorwing-checkpoints.db"
			}
			dsn = path
		}
		store, err := checkpoint.NewSQLiteStore(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoints.Backend)
	}
}

func openVectorIndex(ctx context.Context, cfg *config.Config, logger *zap.Logger) (connector.VectorIndex, func(), error) {
	switch cfg.VectorIndex.Backend {
	case "pgvector":
		if cfg.VectorIndex.DSN == "" {
			return nil, nil, errors.New("VECTORWING_INDEX_DSN is required for the pgvector backend")
		}
		index, err := vectorindex.NewPgvectorIndex(ctx, cfg.VectorIndex.DSN, cfg.VectorIndex.Dimensions, logger)
		if err != nil {
			return nil, nil, err
		}
		return index, index.Close, nil
	case "memory":
		return vectorindex.NewMemoryIndex(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown vector index backend %q", cfg.VectorIndex.Backend)
	}
}

func buildExecutor(cfg *config.Config) (connector.Executor, error) {
	if cfg.Executor.Endpoint != "" {
		return model.NewHTTPExecutor(model.HTTPExecutorConfig{
			Endpoint:    cfg.Executor.Endpoint,
			Timeout:     cfg.Executor.Timeout,
			MaxRetries:  cfg.Executor.MaxRetries,
			BackoffBase: cfg.Executor.BackoffBase,
			BackoffMax:  cfg.Executor.BackoffMax,
		})
	}
	return model.NewInlineExecutor(model.NewCatalog()), nil
}
