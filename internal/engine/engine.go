package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.edirelay.tech/internal/common/metrics"
	"go.edirelay.tech/internal/component"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/orchestrator"
	"go.edirelay.tech/internal/pool"
	"go.edirelay.tech/internal/queue"
	"go.edirelay.tech/internal/transport"
)

// Config holds engine tuning knobs.
type Config struct {
	// PoolCode names the worker pool in logs and metrics.
	PoolCode string

	// Concurrency caps parallel phase runs.
	Concurrency int

	// QueueCapacity bounds jobs buffered in the pool before the engine
	// starts nacking for redelivery.
	QueueCapacity int

	// RateLimitPerMinute throttles phase runs. nil disables.
	RateLimitPerMinute *int

	// QueueType labels queue metrics: "embedded", "nats", "sqs".
	QueueType string

	// RetryDelay is the redelivery delay after an infrastructure fault.
	RetryDelay time.Duration

	// ConfigErrorDelay spaces out retries of jobs that keep failing on
	// configuration faults (missing component, rejected document).
	ConfigErrorDelay time.Duration

	// StallThreshold flags the consumer as stalled after this long
	// without traffic while records are waiting. Zero disables the
	// monitor.
	StallThreshold time.Duration

	// StallCheckInterval is how often the stall monitor runs.
	StallCheckInterval time.Duration

	// MaxRestartAttempts bounds consumer restarts before giving up.
	MaxRestartAttempts int
}

// DefaultConfig returns sensible engine defaults.
func DefaultConfig() *Config {
	return &Config{
		PoolCode:           "exchange",
		Concurrency:        8,
		QueueCapacity:      256,
		QueueType:          "embedded",
		RetryDelay:         30 * time.Second,
		ConfigErrorDelay:   15 * time.Minute,
		StallThreshold:     5 * time.Minute,
		StallCheckInterval: 30 * time.Second,
		MaxRestartAttempts: 5,
	}
}

// ConsumerFactory creates a fresh consumer when the engine restarts a
// stalled one.
type ConsumerFactory func() (queue.Consumer, error)

// Engine is the queue-driven execution half of the exchange lifecycle:
// the scheduler publishes phase jobs, the engine runs them.
type Engine struct {
	cfg  *Config
	orch *orchestrator.Orchestrator
	repo edi.Repository
	log  *slog.Logger

	pool *pool.WorkerPool

	consumer        queue.Consumer
	consumerFactory ConsumerFactory
	consumerMu      sync.Mutex

	lastActivity atomic.Int64
	stalled      atomic.Bool
	restartCount atomic.Int32

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates an engine consuming from the given consumer.
func New(cfg *Config, orch *orchestrator.Orchestrator, repo edi.Repository, consumer queue.Consumer, log *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:      cfg,
		orch:     orch,
		repo:     repo,
		consumer: consumer,
		log:      log,
	}
	e.pool = pool.New(cfg.PoolCode, cfg.Concurrency, cfg.QueueCapacity, cfg.RateLimitPerMinute, e)
	e.lastActivity.Store(time.Now().Unix())
	return e
}

// WithConsumerFactory enables consumer restarts after a stall.
func (e *Engine) WithConsumerFactory(factory ConsumerFactory) *Engine {
	e.consumerFactory = factory
	return e
}

// Name implements lifecycle.Service.
func (e *Engine) Name() string { return "engine" }

// Start begins consuming phase jobs. Blocks until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.pool.Start()

	e.wg.Add(1)
	go e.consume()

	if e.cfg.StallThreshold > 0 {
		e.wg.Add(1)
		go e.runStallMonitor()
	}

	e.log.Info("Engine started",
		"pool", e.cfg.PoolCode,
		"concurrency", e.cfg.Concurrency,
		"queueCapacity", e.cfg.QueueCapacity)

	<-e.ctx.Done()
	return nil
}

// Stop drains the pool and shuts the engine down.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.pool.Drain()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("Engine stop timed out waiting for consumer")
	}

	e.pool.Shutdown()
	e.started.Store(false)
	e.log.Info("Engine stopped")
	return nil
}

// Health implements lifecycle.Service.
func (e *Engine) Health() error {
	if e.stalled.Load() {
		return fmt.Errorf("consumer stalled, no traffic since %s", e.LastActivity().Format(time.RFC3339))
	}
	return nil
}

// LastActivity returns when the consumer last saw a message.
func (e *Engine) LastActivity() time.Time {
	return time.Unix(e.lastActivity.Load(), 0)
}

// consume runs the queue consumer until the engine stops.
func (e *Engine) consume() {
	defer e.wg.Done()

	e.consumerMu.Lock()
	consumer := e.consumer
	e.consumerMu.Unlock()

	err := consumer.Consume(e.ctx, e.handleMessage)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("Consumer error", "error", err)
	}
}

// handleMessage turns one queue message into a pool job. Malformed
// payloads are acked so they do not loop forever.
func (e *Engine) handleMessage(msg queue.Message) error {
	e.lastActivity.Store(time.Now().Unix())
	e.stalled.Store(false)
	metrics.QueueMessagesConsumed.WithLabelValues(e.cfg.QueueType).Inc()

	job, err := DecodePhaseJob(msg.Data())
	if err != nil {
		e.log.Error("Dropping malformed phase job", "messageId", msg.ID(), "error", err)
		if ackErr := msg.Ack(); ackErr != nil {
			e.log.Error("Failed to ack malformed phase job", "messageId", msg.ID(), "error", ackErr)
		}
		return nil
	}

	submitted := e.pool.Submit(&pool.Job{
		ID:           msg.ID(),
		RecordID:     job.RecordID,
		Phase:        string(job.Phase),
		AckFunc:      msg.Ack,
		NakFunc:      msg.Nak,
		NakDelayFunc: msg.NakWithDelay,
	})
	if !submitted {
		e.log.Warn("Pool rejected phase job, nacking for redelivery",
			"recordId", job.RecordID,
			"phase", job.Phase)
		if nakErr := msg.Nak(); nakErr != nil {
			e.log.Error("Failed to nack rejected phase job", "messageId", msg.ID(), "error", nakErr)
		}
	}
	return nil
}

// Handle implements pool.Handler: run one phase on one record.
func (e *Engine) Handle(ctx context.Context, job *pool.Job) *pool.Outcome {
	err := e.orch.ExecutePhase(ctx, job.RecordID, orchestrator.Phase(job.Phase))
	if err == nil {
		// Either the record advanced or a recoverable failure was
		// recorded with its backoff. Both close out this job.
		return &pool.Outcome{Result: pool.ResultSuccess}
	}

	if isConfigFault(err) {
		// Redelivery cannot fix a configuration fault. Park the error on
		// the record so operators see it, and let the scheduler retry it
		// on a long leash once the configuration changes.
		next := time.Now().Add(e.cfg.ConfigErrorDelay)
		if _, recErr := e.repo.RecordError(ctx, job.RecordID, err.Error(), next); recErr != nil {
			e.log.Error("Failed to park configuration fault",
				"recordId", job.RecordID,
				"phase", job.Phase,
				"error", recErr)
			return &pool.Outcome{Result: pool.ResultRetry, Error: err}
		}
		e.log.Error("Phase failed on configuration fault",
			"recordId", job.RecordID,
			"phase", job.Phase,
			"error", err)
		return &pool.Outcome{Result: pool.ResultParked, Error: err}
	}

	delay := e.cfg.RetryDelay
	return &pool.Outcome{Result: pool.ResultRetry, Delay: &delay, Error: err}
}

// isConfigFault classifies errors that no amount of redelivery will fix:
// registry gaps, direction mismatches, and documents the far side
// rejected outright.
func isConfigFault(err error) bool {
	return errors.Is(err, component.ErrNoComponent) ||
		errors.Is(err, component.ErrAmbiguousComponent) ||
		errors.Is(err, edi.ErrUnknownBackend) ||
		errors.Is(err, edi.ErrUnknownBackendType) ||
		errors.Is(err, edi.ErrUnknownExchangeType) ||
		errors.Is(err, edi.ErrTypeBackendMismatch) ||
		errors.Is(err, edi.ErrDirectionMismatch) ||
		errors.Is(err, transport.ErrRejected)
}

// runStallMonitor restarts the consumer when it goes quiet for too long.
func (e *Engine) runStallMonitor() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.checkStall()
		}
	}
}

func (e *Engine) checkStall() {
	idle := time.Since(e.LastActivity())
	if idle < e.cfg.StallThreshold {
		return
	}
	if e.stalled.CompareAndSwap(false, true) {
		metrics.ConsumerStallEvents.Inc()
		e.log.Warn("Consumer appears stalled",
			"idle", idle,
			"threshold", e.cfg.StallThreshold)
	}
	e.restartConsumer()
}

// restartConsumer swaps in a fresh consumer from the factory.
func (e *Engine) restartConsumer() {
	if e.consumerFactory == nil {
		return
	}
	count := int(e.restartCount.Add(1))
	if count > e.cfg.MaxRestartAttempts {
		e.log.Error("Consumer restart budget exhausted",
			"attempts", count-1,
			"max", e.cfg.MaxRestartAttempts)
		return
	}
	metrics.ConsumerRestarts.Inc()
	e.log.Warn("Restarting consumer", "attempt", count)

	e.consumerMu.Lock()
	old := e.consumer
	e.consumerMu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			e.log.Error("Failed to close stalled consumer", "error", err)
		}
	}

	fresh, err := e.consumerFactory()
	if err != nil {
		e.log.Error("Failed to create replacement consumer", "error", err)
		return
	}

	e.consumerMu.Lock()
	e.consumer = fresh
	e.consumerMu.Unlock()

	e.lastActivity.Store(time.Now().Unix())
	e.stalled.Store(false)

	e.wg.Add(1)
	go e.consume()
}
