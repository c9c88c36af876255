package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubHandler implements Handler for testing
type stubHandler struct {
	handleFunc func(job *Job) *Outcome
	callCount  atomic.Int32
	mu         sync.Mutex
	calls      []*Job
}

func newStubHandler() *stubHandler {
	return &stubHandler{
		handleFunc: func(job *Job) *Outcome {
			return &Outcome{Result: ResultSuccess}
		},
	}
}

func (h *stubHandler) Handle(_ context.Context, job *Job) *Outcome {
	h.callCount.Add(1)
	h.mu.Lock()
	h.calls = append(h.calls, job)
	h.mu.Unlock()
	return h.handleFunc(job)
}

func (h *stubHandler) callCountInt() int {
	return int(h.callCount.Load())
}

func (h *stubHandler) callsCopy() []*Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Job{}, h.calls...)
}

// countingJob builds a job whose ack/nak outcomes are counted.
type jobCounters struct {
	acks atomic.Int32
	naks atomic.Int32
}

func (c *jobCounters) job(id, recordID, phase string) *Job {
	return &Job{
		ID:       id,
		RecordID: recordID,
		Phase:    phase,
		AckFunc: func() error {
			c.acks.Add(1)
			return nil
		},
		NakFunc: func() error {
			c.naks.Add(1)
			return nil
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewWorkerPool(t *testing.T) {
	handler := newStubHandler()

	p := New("test-pool", 5, 100, nil, handler)

	if p == nil {
		t.Fatal("New returned nil")
	}
	if p.PoolCode() != "test-pool" {
		t.Errorf("Expected poolCode 'test-pool', got '%s'", p.PoolCode())
	}
	if p.Concurrency() != 5 {
		t.Errorf("Expected concurrency 5, got %d", p.Concurrency())
	}
}

func TestSubmitAndProcess(t *testing.T) {
	handler := newStubHandler()
	var counters jobCounters

	p := New("test-pool", 5, 100, nil, handler)
	p.Start()
	defer p.Shutdown()

	if !p.Submit(counters.job("job-1", "rec-1", "send")) {
		t.Fatal("Submit returned false for valid job")
	}

	waitFor(t, time.Second, func() bool { return counters.acks.Load() == 1 })

	if handler.callCountInt() != 1 {
		t.Errorf("Expected 1 handler call, got %d", handler.callCountInt())
	}
	if counters.naks.Load() != 0 {
		t.Errorf("Expected 0 naks, got %d", counters.naks.Load())
	}
}

func TestSubmitWhenStopped(t *testing.T) {
	handler := newStubHandler()
	var counters jobCounters

	p := New("test-pool", 5, 100, nil, handler)

	if p.Submit(counters.job("job-1", "rec-1", "send")) {
		t.Error("Submit should return false before Start")
	}
}

func TestParkedOutcomeAcks(t *testing.T) {
	handler := newStubHandler()
	handler.handleFunc = func(job *Job) *Outcome {
		return &Outcome{Result: ResultParked}
	}
	var counters jobCounters

	p := New("test-pool", 2, 10, nil, handler)
	p.Start()
	defer p.Shutdown()

	p.Submit(counters.job("job-1", "rec-1", "send"))

	waitFor(t, time.Second, func() bool { return counters.acks.Load() == 1 })

	if counters.naks.Load() != 0 {
		t.Errorf("Parked job must be acked, got %d naks", counters.naks.Load())
	}
}

func TestRetryOutcomeNaks(t *testing.T) {
	handler := newStubHandler()
	handler.handleFunc = func(job *Job) *Outcome {
		return &Outcome{Result: ResultRetry}
	}
	var counters jobCounters

	p := New("test-pool", 2, 10, nil, handler)
	p.Start()
	defer p.Shutdown()

	p.Submit(counters.job("job-1", "rec-1", "send"))

	waitFor(t, time.Second, func() bool { return counters.naks.Load() == 1 })

	if counters.acks.Load() != 0 {
		t.Errorf("Failed job must not be acked, got %d acks", counters.acks.Load())
	}
}

func TestRetryWithDelayUsesNakDelay(t *testing.T) {
	delay := 42 * time.Second
	handler := newStubHandler()
	handler.handleFunc = func(job *Job) *Outcome {
		return &Outcome{Result: ResultRetry, Delay: &delay}
	}

	var gotDelay atomic.Int64
	job := &Job{
		ID:       "job-1",
		RecordID: "rec-1",
		Phase:    "send",
		NakFunc:  func() error { return nil },
		NakDelayFunc: func(d time.Duration) error {
			gotDelay.Store(int64(d))
			return nil
		},
	}

	p := New("test-pool", 2, 10, nil, handler)
	p.Start()
	defer p.Shutdown()

	p.Submit(job)

	waitFor(t, time.Second, func() bool { return gotDelay.Load() == int64(delay) })
}

func TestSameRecordProcessedInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	handler := newStubHandler()
	handler.handleFunc = func(job *Job) *Outcome {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return &Outcome{Result: ResultSuccess}
	}
	var counters jobCounters

	p := New("test-pool", 5, 100, nil, handler)
	p.Start()
	defer p.Shutdown()

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if !p.Submit(counters.job(id, "rec-1", "send")) {
			t.Fatalf("Submit failed for %s", id)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return counters.acks.Load() == 3 })

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"job-1", "job-2", "job-3"} {
		if order[i] != want {
			t.Errorf("Expected position %d to be %s, got %s", i, want, order[i])
		}
	}
}

func TestDifferentRecordsRunConcurrently(t *testing.T) {
	var inFlight atomic.Int32
	var peak atomic.Int32

	handler := newStubHandler()
	handler.handleFunc = func(job *Job) *Outcome {
		current := inFlight.Add(1)
		for {
			p := peak.Load()
			if current <= p || peak.CompareAndSwap(p, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return &Outcome{Result: ResultSuccess}
	}
	var counters jobCounters

	p := New("test-pool", 4, 100, nil, handler)
	p.Start()
	defer p.Shutdown()

	for i, rec := range []string{"rec-1", "rec-2", "rec-3", "rec-4"} {
		p.Submit(counters.job("job-"+rec, rec, "send"))
		_ = i
	}

	waitFor(t, 3*time.Second, func() bool { return counters.acks.Load() == 4 })

	if peak.Load() < 2 {
		t.Errorf("Expected concurrent processing across records, peak was %d", peak.Load())
	}
}

func TestPanicInHandlerNaks(t *testing.T) {
	handler := newStubHandler()
	handler.handleFunc = func(job *Job) *Outcome {
		panic("boom")
	}
	var counters jobCounters

	p := New("test-pool", 2, 10, nil, handler)
	p.Start()
	defer p.Shutdown()

	p.Submit(counters.job("job-1", "rec-1", "send"))

	waitFor(t, time.Second, func() bool { return counters.naks.Load() == 1 })

	// Pool must survive the panic and keep processing
	handler.handleFunc = func(job *Job) *Outcome {
		return &Outcome{Result: ResultSuccess}
	}
	p.Submit(counters.job("job-2", "rec-1", "send"))
	waitFor(t, time.Second, func() bool { return counters.acks.Load() == 1 })
}

func TestRateLimitNaks(t *testing.T) {
	handler := newStubHandler()
	var counters jobCounters

	zero := 1
	p := New("test-pool", 2, 10, &zero, handler)
	p.Start()
	defer p.Shutdown()

	// Burst of 1: the first job passes, later ones are rejected
	for i := 0; i < 5; i++ {
		p.Submit(counters.job("job", "rec-1", "send"))
	}

	waitFor(t, 2*time.Second, func() bool {
		return counters.acks.Load()+counters.naks.Load() == 5
	})

	if counters.naks.Load() == 0 {
		t.Error("Expected rate limited jobs to be naked")
	}
}

func TestUpdateConcurrency(t *testing.T) {
	handler := newStubHandler()

	p := New("test-pool", 2, 10, nil, handler)
	p.Start()
	defer p.Shutdown()

	if !p.UpdateConcurrency(4, 1) {
		t.Error("Expected concurrency increase to succeed")
	}
	if p.Concurrency() != 4 {
		t.Errorf("Expected concurrency 4, got %d", p.Concurrency())
	}

	if !p.UpdateConcurrency(1, 1) {
		t.Error("Expected concurrency decrease to succeed")
	}
	if p.Concurrency() != 1 {
		t.Errorf("Expected concurrency 1, got %d", p.Concurrency())
	}

	if p.UpdateConcurrency(0, 1) {
		t.Error("Expected zero concurrency to be rejected")
	}
}

func TestDrainAndFullyDrained(t *testing.T) {
	handler := newStubHandler()
	handler.handleFunc = func(job *Job) *Outcome {
		time.Sleep(50 * time.Millisecond)
		return &Outcome{Result: ResultSuccess}
	}
	var counters jobCounters

	p := New("test-pool", 2, 10, nil, handler)
	p.Start()
	defer p.Shutdown()

	p.Submit(counters.job("job-1", "rec-1", "send"))
	p.Drain()

	if p.Submit(counters.job("job-2", "rec-2", "send")) {
		t.Error("Submit should fail after Drain")
	}

	waitFor(t, 2*time.Second, func() bool { return p.IsFullyDrained() })

	if counters.acks.Load() != 1 {
		t.Errorf("Expected queued job to finish during drain, acks=%d", counters.acks.Load())
	}
}

func TestHasCapacity(t *testing.T) {
	handler := newStubHandler()

	p := New("test-pool", 2, 3, nil, handler)

	if !p.HasCapacity(3) {
		t.Error("Empty pool should have capacity for 3")
	}
	if p.HasCapacity(4) {
		t.Error("Pool should not have capacity beyond queueCapacity")
	}
}
