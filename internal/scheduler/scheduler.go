// Package scheduler turns persisted exchange state into phase jobs: it
// polls for records with a runnable phase, marks them queued and
// publishes one job per record, plus the inbound discovery sweeps and
// the recovery of jobs lost between queue and engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.edirelay.tech/internal/common/metrics"
	"go.edirelay.tech/internal/common/repository"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/engine"
	"go.edirelay.tech/internal/orchestrator"
	"go.edirelay.tech/internal/queue"
)

// Elector gates scheduling to one instance. Both the MongoDB and the
// Redis implementations in common/leader satisfy it.
type Elector interface {
	Start(ctx context.Context) error
	Stop()
	IsPrimary() bool
	InstanceID() string
}

// Config holds scheduler tuning knobs.
type Config struct {
	// PollInterval is how often ready records are swept.
	PollInterval time.Duration

	// BatchSize caps records fetched per sweep.
	BatchSize int64

	// InboundPollInterval is how often backends are polled for new
	// inbound files. Zero disables inbound polling.
	InboundPollInterval time.Duration

	// StaleThreshold is how long a record may stay queued without its
	// job completing before the flag is considered lost.
	StaleThreshold time.Duration

	// StaleCheckInterval is how often stale queued records are swept.
	StaleCheckInterval time.Duration

	// GaugeInterval is how often per-state record gauges refresh.
	GaugeInterval time.Duration

	// QueueType labels queue metrics: "embedded", "nats", "sqs".
	QueueType string
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:        5 * time.Second,
		BatchSize:           100,
		InboundPollInterval: 30 * time.Second,
		StaleThreshold:      15 * time.Minute,
		StaleCheckInterval:  60 * time.Second,
		GaugeInterval:       15 * time.Second,
		QueueType:           "embedded",
	}
}

// Scheduler owns the poll loops. It implements lifecycle.Service.
type Scheduler struct {
	cfg       *Config
	repo      edi.Repository
	registry  *edi.TypeRegistry
	orch      *orchestrator.Orchestrator
	publisher queue.Publisher
	elector   Elector
	log       *slog.Logger

	now func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New creates a scheduler. elector may be nil, in which case this
// instance always schedules.
func New(cfg *Config, repo edi.Repository, registry *edi.TypeRegistry, orch *orchestrator.Orchestrator,
	publisher queue.Publisher, elector Elector, log *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		repo:      repo,
		registry:  registry,
		orch:      orch,
		publisher: publisher,
		elector:   elector,
		log:       log,
		now:       time.Now,
	}
}

// Name implements lifecycle.Service.
func (s *Scheduler) Name() string { return "scheduler" }

// Start runs the poll loops until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.runningMu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.elector != nil {
		if err := s.elector.Start(s.ctx); err != nil {
			s.log.Error("Failed to start leader election", "error", err)
		} else {
			s.log.Info("Leader election enabled for scheduler",
				"instanceId", s.elector.InstanceID())
		}
	}

	s.wg.Add(1)
	go s.loop("poll", s.cfg.PollInterval, true, s.pollAndPublish)

	s.wg.Add(1)
	go s.loop("stale", s.cfg.StaleCheckInterval, true, s.recoverStale)

	if s.cfg.InboundPollInterval > 0 {
		s.wg.Add(1)
		go s.loop("inbound", s.cfg.InboundPollInterval, true, s.pollInbound)
	}

	if s.cfg.GaugeInterval > 0 {
		// Gauges refresh on every instance, leader or not.
		s.wg.Add(1)
		go s.loop("gauges", s.cfg.GaugeInterval, false, s.refreshGauges)
	}

	s.log.Info("Scheduler started",
		"pollInterval", s.cfg.PollInterval,
		"batchSize", s.cfg.BatchSize,
		"leaderElection", s.elector != nil)

	<-s.ctx.Done()
	return nil
}

// Stop shuts the scheduler down.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return nil
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()

	if s.elector != nil {
		s.elector.Stop()
	}

	s.log.Info("Scheduler stopped")
	return nil
}

// Health implements lifecycle.Service.
func (s *Scheduler) Health() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return fmt.Errorf("scheduler not running")
	}
	return nil
}

// IsPrimary returns true if this instance schedules, i.e. it holds the
// leader lock or no election is configured.
func (s *Scheduler) IsPrimary() bool {
	if s.elector == nil {
		return true
	}
	return s.elector.IsPrimary()
}

// loop runs fn on a ticker, with one immediate run. Gated loops only
// run on the leader.
func (s *Scheduler) loop(name string, interval time.Duration, gated bool, fn func(ctx context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runGuarded(name, gated, fn)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runGuarded(name, gated, fn)
		}
	}
}

func (s *Scheduler) runGuarded(name string, gated bool, fn func(ctx context.Context)) {
	if gated && !s.IsPrimary() {
		s.log.Debug("Skipping sweep, not the leader", "loop", name)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	fn(ctx)
}

// pollAndPublish finds records with a due runnable phase and publishes
// one job each.
func (s *Scheduler) pollAndPublish(ctx context.Context) {
	now := s.now()
	records, err := s.repo.FindReady(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("Failed to poll ready records", "error", err)
		return
	}
	metrics.SchedulerRecordsReady.Set(float64(len(records)))
	if len(records) == 0 {
		return
	}

	scheduled := 0
	for _, rec := range records {
		ok, err := s.scheduleRecord(ctx, rec)
		if err != nil {
			s.log.Error("Failed to schedule record",
				"recordId", rec.ID,
				"state", rec.State,
				"error", err)
			continue
		}
		if ok {
			scheduled++
		}
	}

	if scheduled > 0 {
		s.log.Debug("Scheduled phase jobs", "ready", len(records), "scheduled", scheduled)
	}
}

// scheduleRecord publishes the phase job for one ready record. Returns
// false without error when the record has nothing to run.
func (s *Scheduler) scheduleRecord(ctx context.Context, rec *edi.ExchangeRecord) (bool, error) {
	xtype, err := s.registry.ExchangeType(rec.TypeCode)
	if err != nil {
		return false, err
	}

	phase, runnable := orchestrator.PhaseForRecord(rec, xtype)
	if !runnable {
		return false, nil
	}
	// Generation of fresh output records only runs unattended when the
	// type opts in; otherwise the host triggers it through the API.
	if phase == orchestrator.PhaseGenerate && rec.State == edi.StateNew &&
		rec.ErrorMessage == "" && !xtype.AutoGenerate {
		return false, nil
	}

	if err := s.repo.MarkQueued(ctx, rec.ID, s.now()); err != nil {
		// Another scheduler instance (or sweep) got there first.
		if errors.Is(err, repository.ErrOptimisticLock) {
			return false, nil
		}
		return false, err
	}

	job := &engine.PhaseJob{
		RecordID:   rec.ID,
		Phase:      phase,
		Attempt:    rec.Attempts,
		EnqueuedAt: s.now(),
	}
	data, err := engine.EncodePhaseJob(job)
	if err != nil {
		s.unmarkQueued(rec.ID)
		return false, err
	}

	if err := s.publisher.PublishWithGroup(ctx, job.Subject(), data, rec.ID); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(s.cfg.QueueType).Inc()
		s.unmarkQueued(rec.ID)
		return false, err
	}

	metrics.QueueMessagesPublished.WithLabelValues(s.cfg.QueueType).Inc()
	metrics.SchedulerRecordsScheduled.Inc()
	s.log.Debug("Published phase job",
		"recordId", rec.ID,
		"phase", phase,
		"subject", job.Subject())
	return true, nil
}

// unmarkQueued rolls the queued flag back after a failed publish so the
// next sweep can try again.
func (s *Scheduler) unmarkQueued(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.ClearQueued(ctx, id); err != nil {
		s.log.Error("Failed to clear queued flag after publish failure",
			"recordId", id,
			"error", err)
	}
}

// recoverStale clears queued flags that outlived their job, e.g. after
// an engine crash, so the records become schedulable again.
func (s *Scheduler) recoverStale(ctx context.Context) {
	olderThan := s.now().Add(-s.cfg.StaleThreshold)
	records, err := s.repo.FindStaleQueued(ctx, olderThan, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("Failed to sweep stale queued records", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	recovered := 0
	for _, rec := range records {
		if err := s.repo.ClearQueued(ctx, rec.ID); err != nil {
			s.log.Error("Failed to recover stale queued record",
				"recordId", rec.ID,
				"error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		metrics.SchedulerStaleRequeued.Add(float64(recovered))
		s.log.Warn("Recovered stale queued records",
			"count", recovered,
			"threshold", s.cfg.StaleThreshold)
	}
}

// pollInbound sweeps all enabled backends for new inbound files.
func (s *Scheduler) pollInbound(ctx context.Context) {
	if err := s.orch.PollAllInbound(ctx); err != nil {
		s.log.Error("Inbound sweep finished with errors", "error", err)
	}
}

// refreshGauges updates the per-state record gauges and the leader gauge.
func (s *Scheduler) refreshGauges(ctx context.Context) {
	for _, state := range edi.AllStates() {
		count, err := s.repo.CountByState(ctx, state)
		if err != nil {
			s.log.Error("Failed to count records by state", "state", state, "error", err)
			return
		}
		metrics.ExchangeRecordsByState.WithLabelValues(string(state)).Set(float64(count))
	}
	if s.IsPrimary() {
		metrics.LeaderElectionState.Set(1)
	} else {
		metrics.LeaderElectionState.Set(0)
	}
}
