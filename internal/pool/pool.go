// Package pool runs phase jobs with bounded concurrency while keeping
// jobs for the same exchange record in FIFO order.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.edirelay.tech/internal/common/metrics"
)

// Job is one unit of work: run one lifecycle phase against one exchange
// record. Ack/Nak close out the underlying queue message.
type Job struct {
	ID       string // queue message ID
	RecordID string // exchange record, also the ordering group
	Phase    string

	AckFunc      func() error
	NakFunc      func() error
	NakDelayFunc func(time.Duration) error
}

// Result classifies how a job ended.
type Result string

const (
	// ResultSuccess: the phase ran and the record moved on. Ack.
	ResultSuccess Result = "SUCCESS"

	// ResultParked: a recoverable failure was recorded on the record and
	// the scheduler will requeue it after its backoff. Ack, since the
	// failure is persisted and redelivery would only repeat it early.
	ResultParked Result = "PARKED"

	// ResultRetry: infrastructure trouble before the record could absorb
	// the outcome. Nak so the broker redelivers.
	ResultRetry Result = "RETRY"
)

// Outcome is the result of handling one job, with an optional redelivery
// delay for ResultRetry.
type Outcome struct {
	Result Result
	Delay  *time.Duration
	Error  error
}

// Handler executes the phase a job names.
type Handler interface {
	Handle(ctx context.Context, job *Job) *Outcome
}

// WorkerPool processes jobs with a dedicated goroutine per record so that
// two phases of the same record never run concurrently, while a shared
// semaphore caps total parallelism.
type WorkerPool struct {
	poolCode      string
	concurrency   int32
	queueCapacity int
	semaphore     chan struct{}

	running            atomic.Bool
	rateLimiter        *rate.Limiter
	rateLimitMu        sync.RWMutex
	rateLimitPerMinute *int

	handler Handler

	// Per-record queues for FIFO ordering
	groupQueues  sync.Map // map[string]chan *Job
	activeGroups sync.Map // map[string]bool

	totalQueuedJobs atomic.Int32

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

const (
	// defaultGroup for jobs without a record ID
	defaultGroup = "__DEFAULT__"

	// idleTimeout before cleaning up an inactive record queue
	idleTimeout = 5 * time.Minute
)

// New creates a worker pool. rateLimitPerMinute of nil disables rate
// limiting.
func New(poolCode string, concurrency, queueCapacity int, rateLimitPerMinute *int, handler Handler) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	p := &WorkerPool{
		poolCode:           poolCode,
		concurrency:        int32(concurrency),
		queueCapacity:      queueCapacity,
		semaphore:          make(chan struct{}, concurrency),
		handler:            handler,
		rateLimitPerMinute: rateLimitPerMinute,
		ctx:                ctx,
		cancel:             cancel,
		gaugeCtx:           gaugeCtx,
		gaugeCancel:        gaugeCancel,
	}

	for i := 0; i < concurrency; i++ {
		p.semaphore <- struct{}{}
	}

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		perSecond := float64(*rateLimitPerMinute) / 60.0
		p.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), *rateLimitPerMinute)
		slog.Info("Created pool-level rate limiter",
			"pool", poolCode,
			"rateLimit", *rateLimitPerMinute)
	}

	return p
}

// Start begins accepting jobs.
func (p *WorkerPool) Start() {
	if p.running.CompareAndSwap(false, true) {
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()

		slog.Info("Starting worker pool with per-record goroutines",
			"pool", p.poolCode,
			"concurrency", atomic.LoadInt32(&p.concurrency))
	}
}

// Drain stops accepting new jobs but finishes queued ones.
func (p *WorkerPool) Drain() {
	slog.Info("Draining worker pool",
		"pool", p.poolCode,
		"queued", p.totalQueuedJobs.Load())
	p.running.Store(false)
}

// Submit enqueues a job. Returns false when the pool is stopped or at
// capacity; the caller should nak the message so the broker redelivers.
func (p *WorkerPool) Submit(job *Job) bool {
	if !p.running.Load() {
		return false
	}

	groupID := job.RecordID
	if groupID == "" {
		groupID = defaultGroup
	}

	queueIface, created := p.groupQueues.LoadOrStore(groupID, make(chan *Job, p.queueCapacity))
	queue := queueIface.(chan *Job)

	if created {
		p.startGroupGoroutine(groupID, queue)
		slog.Debug("Created record queue with dedicated goroutine",
			"pool", p.poolCode,
			"recordId", groupID)
	}

	// Check if the group goroutine died and needs a restart
	if _, active := p.activeGroups.Load(groupID); !active {
		slog.Warn("Goroutine for record queue appears to have died - restarting",
			"pool", p.poolCode,
			"recordId", groupID)
		p.startGroupGoroutine(groupID, queue)
	}

	current := p.totalQueuedJobs.Load()
	if int(current) >= p.queueCapacity {
		slog.Debug("Pool at capacity, rejecting job",
			"pool", p.poolCode,
			"current", current,
			"capacity", p.queueCapacity,
			"jobId", job.ID)
		return false
	}

	select {
	case queue <- job:
		p.totalQueuedJobs.Add(1)
		return true
	default:
		return false
	}
}

func (p *WorkerPool) startGroupGoroutine(groupID string, queue chan *Job) {
	p.activeGroups.Store(groupID, true)
	p.wg.Add(1)
	go p.processGroup(groupID, queue)
}

// processGroup drains the queue of a single record.
func (p *WorkerPool) processGroup(groupID string, queue chan *Job) {
	defer p.wg.Done()
	defer p.activeGroups.Delete(groupID)

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return

		case job := <-queue:
			if job == nil {
				continue
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idleTimeout)

			p.totalQueuedJobs.Add(-1)
			p.processJob(job)

		case <-timer.C:
			if len(queue) == 0 {
				slog.Debug("Record queue idle, cleaning up",
					"pool", p.poolCode,
					"recordId", groupID)
				p.groupQueues.Delete(groupID)
				return
			}
			timer.Reset(idleTimeout)
		}
	}
}

func (p *WorkerPool) processJob(job *Job) {
	var semaphoreAcquired bool

	defer func() {
		// Always release the semaphore
		if semaphoreAcquired {
			p.semaphore <- struct{}{}
		}

		if r := recover(); r != nil {
			slog.Error("Panic during job processing",
				"pool", p.poolCode,
				"jobId", job.ID,
				"recordId", job.RecordID,
				"panic", r)
			p.nakSafely(job)
		}
	}()

	// Check rate limiting BEFORE acquiring the semaphore
	if p.shouldRateLimit() {
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rate_limited").Inc()
		slog.Warn("Rate limit exceeded, naking job",
			"pool", p.poolCode,
			"jobId", job.ID)
		p.nakSafely(job)
		return
	}

	select {
	case <-p.semaphore:
		semaphoreAcquired = true
	case <-p.ctx.Done():
		p.nakSafely(job)
		return
	}

	slog.Debug("Running phase job",
		"pool", p.poolCode,
		"jobId", job.ID,
		"recordId", job.RecordID,
		"phase", job.Phase)

	startTime := time.Now()
	outcome := p.handler.Handle(p.ctx, job)
	duration := time.Since(startTime)

	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())

	p.handleOutcome(job, outcome, duration)
}

func (p *WorkerPool) shouldRateLimit() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}
	return !limiter.Allow()
}

func (p *WorkerPool) handleOutcome(job *Job, outcome *Outcome, duration time.Duration) {
	if outcome == nil {
		outcome = &Outcome{Result: ResultRetry}
	}

	switch outcome.Result {
	case ResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		slog.Info("Phase job completed - ACKing",
			"pool", p.poolCode,
			"jobId", job.ID,
			"recordId", job.RecordID,
			"phase", job.Phase,
			"duration", duration)
		p.ackSafely(job)

	case ResultParked:
		// The failure is stored on the record with its backoff; the
		// scheduler owns the retry from here.
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "parked").Inc()
		slog.Info("Phase job parked for scheduled retry - ACKing",
			"pool", p.poolCode,
			"jobId", job.ID,
			"recordId", job.RecordID,
			"phase", job.Phase,
			"error", outcome.Error)
		p.ackSafely(job)

	case ResultRetry:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if outcome.Delay != nil && job.NakDelayFunc != nil {
			slog.Warn("Phase job failed, NAKing with delay",
				"pool", p.poolCode,
				"jobId", job.ID,
				"recordId", job.RecordID,
				"delay", *outcome.Delay,
				"error", outcome.Error)
			if err := job.NakDelayFunc(*outcome.Delay); err != nil {
				slog.Error("Failed to nak job with delay",
					"pool", p.poolCode,
					"jobId", job.ID,
					"error", err)
			}
			return
		}
		slog.Warn("Phase job failed, NAKing for redelivery",
			"pool", p.poolCode,
			"jobId", job.ID,
			"recordId", job.RecordID,
			"error", outcome.Error)
		p.nakSafely(job)

	default:
		slog.Warn("Unknown job result - NAKing for redelivery",
			"pool", p.poolCode,
			"jobId", job.ID,
			"result", string(outcome.Result))
		p.nakSafely(job)
	}
}

func (p *WorkerPool) ackSafely(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during job ack",
				"pool", p.poolCode,
				"jobId", job.ID,
				"panic", r)
		}
	}()
	if job.AckFunc == nil {
		return
	}
	if err := job.AckFunc(); err != nil {
		slog.Error("Failed to ack job",
			"pool", p.poolCode,
			"jobId", job.ID,
			"error", err)
	}
}

func (p *WorkerPool) nakSafely(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during job nak",
				"pool", p.poolCode,
				"jobId", job.ID,
				"panic", r)
		}
	}()
	if job.NakFunc == nil {
		return
	}
	if err := job.NakFunc(); err != nil {
		slog.Error("Failed to nak job",
			"pool", p.poolCode,
			"jobId", job.ID,
			"error", err)
	}
}

// PoolCode returns the pool code.
func (p *WorkerPool) PoolCode() string {
	return p.poolCode
}

// Concurrency returns the concurrency limit.
func (p *WorkerPool) Concurrency() int {
	return int(atomic.LoadInt32(&p.concurrency))
}

// IsFullyDrained returns true once no jobs are queued or running.
func (p *WorkerPool) IsFullyDrained() bool {
	return p.totalQueuedJobs.Load() == 0 && len(p.semaphore) == int(atomic.LoadInt32(&p.concurrency))
}

// Shutdown stops the pool and waits for in-flight jobs.
func (p *WorkerPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)

	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("Pool shutdown timed out", "pool", p.poolCode)
	}
}

// QueueSize returns the total queued jobs.
func (p *WorkerPool) QueueSize() int {
	return int(p.totalQueuedJobs.Load())
}

// ActiveWorkers returns the number of jobs currently running.
func (p *WorkerPool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&p.concurrency)) - len(p.semaphore)
}

// QueueCapacity returns the queue capacity.
func (p *WorkerPool) QueueCapacity() int {
	return p.queueCapacity
}

// HasCapacity returns true if the pool can take the given number of jobs.
func (p *WorkerPool) HasCapacity(needed int) bool {
	return p.QueueSize()+needed <= p.queueCapacity
}

// IsRateLimited returns true while the limiter has no tokens left.
func (p *WorkerPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}
	return limiter.Tokens() <= 0
}

// UpdateConcurrency resizes the semaphore. Decreasing blocks until enough
// permits are reclaimed or the timeout expires.
func (p *WorkerPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	if newLimit == current {
		return true
	}

	if newLimit > current {
		diff := newLimit - current
		for i := 0; i < diff; i++ {
			p.semaphore <- struct{}{}
		}
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		slog.Info("Concurrency increased",
			"pool", p.poolCode,
			"from", current,
			"to", newLimit)
		return true
	}

	diff := current - newLimit
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)

	acquired := 0
	for acquired < diff {
		select {
		case <-p.semaphore:
			acquired++
		case <-time.After(time.Until(deadline)):
			for i := 0; i < acquired; i++ {
				p.semaphore <- struct{}{}
			}
			slog.Warn("Concurrency decrease timed out",
				"pool", p.poolCode,
				"from", current,
				"to", newLimit)
			return false
		}
	}

	atomic.StoreInt32(&p.concurrency, int32(newLimit))
	slog.Info("Concurrency decreased",
		"pool", p.poolCode,
		"from", current,
		"to", newLimit)
	return true
}

// UpdateRateLimit replaces the rate limiter. nil disables it.
func (p *WorkerPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.rateLimiter = nil
		p.rateLimitPerMinute = nil
		slog.Info("Rate limiting disabled", "pool", p.poolCode)
		return
	}

	perSecond := float64(*newRateLimitPerMinute) / 60.0
	p.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), *newRateLimitPerMinute)
	p.rateLimitPerMinute = newRateLimitPerMinute
	slog.Info("Rate limit updated",
		"pool", p.poolCode,
		"rateLimit", *newRateLimitPerMinute)
}

// runGaugeUpdater refreshes the pool gauges every 500ms.
func (p *WorkerPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.updateGauges()

	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

func (p *WorkerPool) updateGauges() {
	activeWorkers := p.ActiveWorkers()
	queueSize := p.QueueSize()
	availablePermits := int(atomic.LoadInt32(&p.concurrency)) - activeWorkers
	groupCount := p.countGroups()

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queueSize))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(availablePermits))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(groupCount))
}

func (p *WorkerPool) countGroups() int {
	count := 0
	p.groupQueues.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
