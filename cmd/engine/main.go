// EDI Relay engine worker: consumes phase jobs and executes them, with
// only health and metrics over HTTP. Scale these out horizontally next
// to a single scheduler-bearing instance.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.edirelay.tech/internal/codec"
	"go.edirelay.tech/internal/common/health"
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

	slog.Info("Starting EDI Relay engine worker",
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
	if cfg.Repo.Type == "memory" {
		slog.Error("Engine workers need a shared record store, not the memory repo")
		os.Exit(1)
	}
	if cfg.Queue.Type == "embedded" || cfg.Queue.Type == "" {
		slog.Error("Engine workers need an external queue, not embedded NATS")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	healthChecker := health.NewChecker()

	secretsProvider, err := secrets.NewProvider(&cfg.Secrets)
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}

	registry, err := cfg.Declarations.BuildRegistry()
	if err != nil {
		slog.Error("Invalid backend/type declarations", "error", err)
		os.Exit(1)
	}

	slog.Info("Connecting to MongoDB", "uri", maskURI(cfg.MongoDB.URI))
	mongoClient, err := commonmongo.Connect(ctx, cfg.MongoDB)
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			slog.Error("Error disconnecting from MongoDB", "error", err)
		}
	}()
	repo := edi.NewRepository(mongoClient.Database())

	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pingCancel()
		return mongoClient.Ping(pingCtx)
	}))

	var consumer queue.Consumer
	var consumerFactory engine.ConsumerFactory
	var queueCloser func() error

	switch cfg.Queue.Type {
	case "nats":
		slog.Info("Connecting to NATS", "url", cfg.Queue.NATS.URL)
		queueCfg := queue.DefaultConfig()
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
		sqsClient, err := sqsqueue.NewClient(ctx, &queue.SQSConfig{
			QueueURL:            cfg.Queue.SQS.QueueURL,
			Region:              cfg.Queue.SQS.Region,
			WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
			MaxNumberOfMessages: 10,
		})
		if err != nil {
			slog.Error("Failed to create SQS client", "error", err)
			os.Exit(1)
		}
		queueCloser = sqsClient.Close

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

	healthChecker.AddReadinessCheck(health.ServiceCheck("engine", eng.Health))

	ops := opsServer(cfg.HTTP.Port, healthChecker)

	supervisor := lifecycle.NewSupervisor(eng, ops)
	if err := supervisor.Run(ctx); err != nil {
		slog.Error("Supervisor exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("EDI Relay engine worker stopped")
}

// opsServer serves health and metrics only.
func opsServer(port int, checker *health.Checker) lifecycle.Service {
	r := chi.NewRouter()
	r.Get("/health", checker.HandleHealth)
	r.Get("/health/live", checker.HandleLive)
	r.Get("/health/ready", checker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return lifecycle.NewServiceFunc("ops-http",
		func(ctx context.Context) error {
			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return nil
			}
		},
		func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		})
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

// maskURI masks credentials in a MongoDB URI for logging.
func maskURI(uri string) string {
	if at := strings.Index(uri, "@"); at != -1 {
		if scheme := strings.Index(uri, "://"); scheme != -1 {
			return uri[:scheme+3] + "***" + uri[at:]
		}
	}
	return uri
}
