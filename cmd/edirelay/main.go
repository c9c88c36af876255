// EDI Relay all-in-one binary: scheduler, engine and HTTP API in one
// process. Suited for single-instance deployments and development; for
// scaled-out workers run cmd/engine next to one of these.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"go.edirelay.tech/internal/api"
	"go.edirelay.tech/internal/codec"
	"go.edirelay.tech/internal/common/health"
	"go.edirelay.tech/internal/common/leader"
	"go.edirelay.tech/internal/common/lifecycle"
	commonmongo "go.edirelay.tech/internal/common/mongo"
	"go.edirelay.tech/internal/common/secrets"
	"go.edirelay.tech/internal/component"
	"go.edirelay.tech/internal/config"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/engine"
	"go.edirelay.tech/internal/events"
	"go.edirelay.tech/internal/host"
	"go.edirelay.tech/internal/orchestrator"
	"go.edirelay.tech/internal/queue"
	natsqueue "go.edirelay.tech/internal/queue/nats"
	sqsqueue "go.edirelay.tech/internal/queue/sqs"
	"go.edirelay.tech/internal/scheduler"
	"go.edirelay.tech/internal/transport/filestore"
	"go.edirelay.tech/internal/transport/webservice"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("EDIRELAY_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	log := slog.Default()

	slog.Info("Starting EDI Relay",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	healthChecker := health.NewChecker()

	// Secrets provider for backend credentials
	secretsProvider, err := secrets.NewProvider(&cfg.Secrets)
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	slog.Info("Secrets provider ready", "provider", secretsProvider.Name())

	// Backend and exchange type catalog
	registry, err := cfg.Declarations.BuildRegistry()
	if err != nil {
		slog.Error("Invalid backend/type declarations", "error", err)
		os.Exit(1)
	}
	slog.Info("Type registry loaded",
		"backends", len(cfg.Declarations.Backends),
		"exchangeTypes", len(cfg.Declarations.ExchangeTypes))

	// Exchange record repository
	var repo edi.Repository
	var mongoClient *commonmongo.Client

	switch cfg.Repo.Type {
	case "memory":
		repo = edi.NewMemoryRepository()
		slog.Info("Using in-memory exchange record store")

	default:
		slog.Info("Connecting to MongoDB", "uri", maskURI(cfg.MongoDB.URI))
		mongoClient, err = commonmongo.Connect(ctx, cfg.MongoDB)
		if err != nil {
			slog.Error("Failed to connect to MongoDB", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				slog.Error("Error disconnecting from MongoDB", "error", err)
			}
		}()

		if err := commonmongo.NewIndexInitializer(mongoClient).Initialize(ctx); err != nil {
			slog.Warn("Index initialization failed", "error", err)
		}

		repo = edi.NewRepository(mongoClient.Database())

		healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer pingCancel()
			return mongoClient.Ping(pingCtx)
		}))
	}

	// Queue: phase jobs travel scheduler -> engine through here
	queueCfg := queue.DefaultConfig()
	queueCfg.Type = cfg.Queue.Type

	var publisher queue.Publisher
	var consumer queue.Consumer
	var consumerFactory engine.ConsumerFactory
	var queueCloser func() error

	switch cfg.Queue.Type {
	case "embedded", "":
		slog.Info("Starting embedded NATS server")
		natsCfg := natsqueue.DefaultEmbeddedConfig()
		if cfg.Queue.NATS.DataDir != "" {
			natsCfg.DataDir = cfg.Queue.NATS.DataDir
		} else if cfg.DataDir != "" {
			natsCfg.DataDir = cfg.DataDir + "/nats"
		}

		embedded, err := natsqueue.NewEmbeddedServer(natsCfg)
		if err != nil {
			slog.Error("Failed to start embedded NATS server", "error", err)
			os.Exit(1)
		}
		queueCloser = embedded.Close
		publisher = embedded.Publisher()

		c, err := embedded.CreateConsumer(ctx, natsCfg.ConsumerName, "exchange.>", nil)
		if err != nil {
			slog.Error("Failed to create NATS consumer", "error", err)
			os.Exit(1)
		}
		consumer = c
		consumerFactory = func() (queue.Consumer, error) {
			return embedded.CreateConsumer(context.Background(), natsCfg.ConsumerName, "exchange.>", nil)
		}

		healthChecker.AddReadinessCheck(health.NATSCheck(func() bool {
			return embedded.Connection().IsConnected()
		}))
		slog.Info("Embedded NATS server started", "dataDir", natsCfg.DataDir)

	case "nats":
		slog.Info("Connecting to NATS", "url", cfg.Queue.NATS.URL)
		natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
			URL:          cfg.Queue.NATS.URL,
			StreamName:   queueCfg.NATS.StreamName,
			ConsumerName: queueCfg.NATS.ConsumerName,
			Subjects:     queueCfg.NATS.Subjects,
		})
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		queueCloser = natsClient.Close
		publisher = natsClient.Publisher()

		c, err := natsClient.CreateConsumer(ctx, queueCfg.NATS.ConsumerName, "exchange.>")
		if err != nil {
			slog.Error("Failed to create NATS consumer", "error", err)
			os.Exit(1)
		}
		consumer = c
		consumerFactory = func() (queue.Consumer, error) {
			return natsClient.CreateConsumer(context.Background(), queueCfg.NATS.ConsumerName, "exchange.>")
		}

	case "sqs":
		slog.Info("Connecting to AWS SQS",
			"region", cfg.Queue.SQS.Region,
			"queueURL", cfg.Queue.SQS.QueueURL)

		sqsCfg := &queue.SQSConfig{
			QueueURL:            cfg.Queue.SQS.QueueURL,
			Region:              cfg.Queue.SQS.Region,
			WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
			MaxNumberOfMessages: 10,
		}
		sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
		if err != nil {
			slog.Error("Failed to create SQS client", "error", err)
			os.Exit(1)
		}
		queueCloser = sqsClient.Close
		publisher = sqsClient.Publisher()

		c, err := sqsClient.CreateConsumer(ctx, "exchange-consumer", "")
		if err != nil {
			slog.Error("Failed to create SQS consumer", "error", err)
			os.Exit(1)
		}
		consumer = c
		consumerFactory = func() (queue.Consumer, error) {
			return sqsClient.CreateConsumer(context.Background(), "exchange-consumer", "")
		}

		healthChecker.AddReadinessCheck(health.SQSCheck(func() error {
			checkCtx, checkCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer checkCancel()
			return sqsClient.HealthCheck(checkCtx)
		}))
	}

	if queueCloser != nil {
		defer func() {
			if err := queueCloser(); err != nil {
				slog.Error("Error closing queue", "error", err)
			}
		}()
	}

	// Components: codecs and transports resolved per phase
	bus := events.NewBus()
	memHost := host.NewMemoryHost()
	envelope := codec.NewEnvelopeCodec(memHost)

	components := component.NewRegistry()
	components.MustRegister(component.Key{Direction: edi.DirectionOutput, Usage: component.UsageGenerate}, envelope)
	components.MustRegister(component.Key{Direction: edi.DirectionInput, Usage: component.UsageProcess}, envelope)

	fsAdapter := filestore.New(secretsProvider, log)
	registerTransport(components, "storage", fsAdapter)
	filestore.NewArchiver(fsAdapter, registry, log).Bind(bus)

	wsAdapter := webservice.New(webservice.DefaultConfig(), secretsProvider, log)
	registerTransport(components, "webservice", wsAdapter)

	orch := orchestrator.New(repo, registry, components, bus, memHost, log)

	// Engine
	engineCfg := engine.DefaultConfig()
	engineCfg.Concurrency = cfg.Engine.Concurrency
	engineCfg.QueueCapacity = cfg.Engine.QueueCapacity
	engineCfg.QueueType = cfg.Queue.Type
	engineCfg.RetryDelay = cfg.Engine.RetryDelay
	engineCfg.ConfigErrorDelay = cfg.Engine.ConfigErrorDelay
	engineCfg.StallThreshold = cfg.Engine.StallThreshold
	engineCfg.MaxRestartAttempts = cfg.Engine.MaxRestartAttempts
	if cfg.Engine.RateLimitPerMinute > 0 {
		limit := cfg.Engine.RateLimitPerMinute
		engineCfg.RateLimitPerMinute = &limit
	}
	eng := engine.New(engineCfg, orch, repo, consumer, log).WithConsumerFactory(consumerFactory)

	// Scheduler
	schedCfg := scheduler.DefaultConfig()
	schedCfg.PollInterval = cfg.Scheduler.PollInterval
	schedCfg.BatchSize = int64(cfg.Scheduler.BatchSize)
	schedCfg.InboundPollInterval = cfg.Scheduler.InboundPollInterval
	schedCfg.StaleThreshold = cfg.Scheduler.StaleThreshold
	schedCfg.StaleCheckInterval = cfg.Scheduler.StaleCheckInterval
	schedCfg.GaugeInterval = cfg.Scheduler.GaugeInterval
	schedCfg.QueueType = cfg.Queue.Type

	elector, err := buildElector(cfg, mongoClient)
	if err != nil {
		slog.Error("Failed to configure leader election", "error", err)
		os.Exit(1)
	}
	sched := scheduler.New(schedCfg, repo, registry, orch, publisher, elector, log)

	// HTTP API
	apiServer := api.NewServer(api.ServerConfig{
		Addr:        fmt.Sprintf(":%d", cfg.HTTP.Port),
		CORSOrigins: cfg.HTTP.CORSOrigins,
	}, repo, orch, registry, func() error {
		resp := healthChecker.GetReadiness()
		if resp.Status == health.StatusDown {
			return fmt.Errorf("readiness checks failing")
		}
		return nil
	}, log)

	supervisor := lifecycle.NewSupervisor(eng, sched, apiServer)
	healthChecker.AddReadinessCheck(health.ServiceCheck("services", supervisor.Health))

	if err := supervisor.Run(ctx); err != nil {
		slog.Error("Supervisor exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("EDI Relay stopped")
}

// registerTransport binds one transport adapter to every phase slot it
// serves for a backend type.
func registerTransport(components *component.Registry, backendType string, adapter interface {
	component.Sender
	component.Checker
	component.Receiver
	component.Lister
}) {
	components.MustRegister(component.Key{
		Direction: edi.DirectionOutput, Usage: component.UsageSend, BackendType: backendType,
	}, adapter)
	components.MustRegister(component.Key{
		Direction: edi.DirectionOutput, Usage: component.UsageCheck, BackendType: backendType,
	}, adapter)
	components.MustRegister(component.Key{
		Direction: edi.DirectionInput, Usage: component.UsageReceive, BackendType: backendType,
	}, adapter)
	components.MustRegister(component.Key{
		Direction: edi.DirectionInput, Usage: component.UsageList, BackendType: backendType,
	}, adapter)
}

// buildElector returns nil when leader election is disabled, in which
// case the scheduler always runs.
func buildElector(cfg *config.Config, mongoClient *commonmongo.Client) (scheduler.Elector, error) {
	if !cfg.Leader.Enabled {
		return nil, nil
	}

	switch cfg.Leader.Provider {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Leader.RedisAddr})
		electorCfg := leader.DefaultRedisElectorConfig("exchange-scheduler-leader")
		if cfg.Leader.InstanceID != "" {
			electorCfg.InstanceID = cfg.Leader.InstanceID
		}
		if cfg.Leader.TTL > 0 {
			electorCfg.TTL = cfg.Leader.TTL
		}
		if cfg.Leader.RefreshInterval > 0 {
			electorCfg.RefreshInterval = cfg.Leader.RefreshInterval
		}
		return leader.NewRedisLeaderElector(client, electorCfg), nil

	default:
		if mongoClient == nil {
			return nil, fmt.Errorf("mongo leader election requires the mongo repo")
		}
		electorCfg := leader.DefaultElectorConfig("exchange-scheduler-leader")
		if cfg.Leader.InstanceID != "" {
			electorCfg.InstanceID = cfg.Leader.InstanceID
		}
		if cfg.Leader.TTL > 0 {
			electorCfg.TTL = cfg.Leader.TTL
		}
		if cfg.Leader.RefreshInterval > 0 {
			electorCfg.RefreshInterval = cfg.Leader.RefreshInterval
		}
		return leader.NewLeaderElector(mongoClient.Database(), electorCfg), nil
	}
}

// maskURI masks credentials in a MongoDB URI for logging.
func maskURI(uri string) string {
	if at := strings.Index(uri, "@"); at != -1 {
		if scheme := strings.Index(uri, "://"); scheme != -1 {
			return uri[:scheme+3] + "***" + uri[at:]
		}
	}
	return uri
}
