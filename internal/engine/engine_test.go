package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.edirelay.tech/internal/component"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/events"
	"go.edirelay.tech/internal/orchestrator"
	"go.edirelay.tech/internal/pool"
	"go.edirelay.tech/internal/queue"
	"go.edirelay.tech/internal/transport"
)

type okSender struct{ calls int }

func (s *okSender) Send(ctx context.Context, w *component.Work) error {
	s.calls++
	return nil
}

type failSender struct{ err error }

func (s *failSender) Send(ctx context.Context, w *component.Work) error {
	return s.err
}

type testEnv struct {
	engine *Engine
	repo   *edi.MemoryRepository
	reg    *edi.TypeRegistry
	comps  *component.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := edi.NewTypeRegistry()
	if err := reg.AddBackendType(&edi.BackendType{Code: "test", Name: "Test"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddBackend(&edi.Backend{ID: "B1", Name: "Backend One", TypeCode: "test", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddExchangeType(&edi.ExchangeType{
		Code:            "invoice-out",
		BackendTypeCode: "test",
		Direction:       edi.DirectionOutput,
		Retry:           edi.RetryPolicy{MaxAttempts: 3, Backoff: 30 * time.Second, BackoffFactor: 2, BackoffMax: time.Hour},
	}); err != nil {
		t.Fatal(err)
	}

	repo := edi.NewMemoryRepository()
	comps := component.NewRegistry()
	orch := orchestrator.New(repo, reg, comps, events.NewBus(), nil, nil)

	cfg := DefaultConfig()
	cfg.RetryDelay = 10 * time.Second
	cfg.ConfigErrorDelay = time.Minute
	return &testEnv{
		engine: New(cfg, orch, repo, nil, nil),
		repo:   repo,
		reg:    reg,
		comps:  comps,
	}
}

func (e *testEnv) insertSendable(t *testing.T) *edi.ExchangeRecord {
	t.Helper()
	now := time.Now()
	rec := &edi.ExchangeRecord{
		ID:             "rec-1",
		TypeCode:       "invoice-out",
		BackendID:      "B1",
		Direction:      edi.DirectionOutput,
		Filename:       "invoice-1.xml",
		Content:        []byte("<invoice/>"),
		State:          edi.StateOutputPending,
		MaxAttempts:    3,
		StateChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.repo.Insert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestDecodePhaseJob(t *testing.T) {
	job := &PhaseJob{
		RecordID:   "rec-1",
		Phase:      orchestrator.PhaseSend,
		Attempt:    2,
		EnqueuedAt: time.Now().UTC().Truncate(time.Second),
	}

	data, err := EncodePhaseJob(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePhaseJob(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RecordID != "rec-1" || decoded.Phase != orchestrator.PhaseSend || decoded.Attempt != 2 {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodePhaseJobRejectsIncomplete(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "nope"},
		{"missing record", `{"phase":"send"}`},
		{"missing phase", `{"recordId":"rec-1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodePhaseJob([]byte(tc.data)); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestPhaseJobSubjectAndDedup(t *testing.T) {
	job := &PhaseJob{RecordID: "rec-9", Phase: orchestrator.PhaseReceive, Attempt: 1}

	if job.Subject() != "exchange.receive" {
		t.Errorf("unexpected subject %q", job.Subject())
	}
	if job.DeduplicationID() != "rec-9:receive:1" {
		t.Errorf("unexpected dedup ID %q", job.DeduplicationID())
	}
}

func TestHandleSuccess(t *testing.T) {
	e := newTestEnv(t)
	rec := e.insertSendable(t)
	snd := &okSender{}
	e.comps.MustRegister(component.Key{Direction: edi.DirectionOutput, Usage: component.UsageSend, BackendType: "test"}, snd)

	outcome := e.engine.Handle(context.Background(), &pool.Job{RecordID: rec.ID, Phase: "send"})

	if outcome.Result != pool.ResultSuccess {
		t.Fatalf("expected success, got %s (%v)", outcome.Result, outcome.Error)
	}
	if snd.calls != 1 {
		t.Errorf("expected 1 send, got %d", snd.calls)
	}
	updated, err := e.repo.FindByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.State != edi.StateOutputSentAndProcessed {
		t.Errorf("expected output_sent_and_processed, got %s", updated.State)
	}
}

func TestHandleRecoverableFailureIsSuccess(t *testing.T) {
	e := newTestEnv(t)
	rec := e.insertSendable(t)
	snd := &failSender{err: edi.Recoverable(transport.ErrUnavailable)}
	e.comps.MustRegister(component.Key{Direction: edi.DirectionOutput, Usage: component.UsageSend, BackendType: "test"}, snd)

	outcome := e.engine.Handle(context.Background(), &pool.Job{RecordID: rec.ID, Phase: "send"})

	// The failure is parked on the record with a backoff; the job itself
	// is done.
	if outcome.Result != pool.ResultSuccess {
		t.Fatalf("expected success, got %s (%v)", outcome.Result, outcome.Error)
	}
	updated, err := e.repo.FindByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.State != edi.StateOutputErrorOnSend {
		t.Errorf("expected output_error_on_send, got %s", updated.State)
	}
	if updated.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", updated.Attempts)
	}
}

func TestHandleConfigFaultParks(t *testing.T) {
	e := newTestEnv(t)
	rec := e.insertSendable(t)
	// No sender registered: resolution fails with a configuration fault.

	outcome := e.engine.Handle(context.Background(), &pool.Job{RecordID: rec.ID, Phase: "send"})

	if outcome.Result != pool.ResultParked {
		t.Fatalf("expected parked, got %s (%v)", outcome.Result, outcome.Error)
	}
	updated, err := e.repo.FindByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.State != edi.StateOutputPending {
		t.Errorf("state must not change on a configuration fault, got %s", updated.State)
	}
	if !strings.Contains(updated.ErrorMessage, "no component registered") {
		t.Errorf("expected the fault on the record, got %q", updated.ErrorMessage)
	}
	if updated.NextAttemptAt.Before(time.Now().Add(30 * time.Second)) {
		t.Error("expected a long-leash retry schedule")
	}
}

func TestHandleFatalErrorRetries(t *testing.T) {
	e := newTestEnv(t)
	rec := e.insertSendable(t)
	snd := &failSender{err: errors.New("mongo: connection reset")}
	e.comps.MustRegister(component.Key{Direction: edi.DirectionOutput, Usage: component.UsageSend, BackendType: "test"}, snd)

	outcome := e.engine.Handle(context.Background(), &pool.Job{RecordID: rec.ID, Phase: "send"})

	if outcome.Result != pool.ResultRetry {
		t.Fatalf("expected retry, got %s", outcome.Result)
	}
	if outcome.Delay == nil || *outcome.Delay != 10*time.Second {
		t.Errorf("expected the configured retry delay, got %v", outcome.Delay)
	}
}

func TestIsConfigFault(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{component.ErrNoComponent, true},
		{fmt.Errorf("resolve: %w", component.ErrAmbiguousComponent), true},
		{edi.ErrDirectionMismatch, true},
		{transport.ErrRejected, true},
		{transport.ErrUnavailable, false},
		{errors.New("network down"), false},
	}
	for _, tc := range cases {
		if got := isConfigFault(tc.err); got != tc.want {
			t.Errorf("isConfigFault(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

// fakeMessage implements queue.Message for consumer tests.
type fakeMessage struct {
	id    string
	data  []byte
	acked bool
	naked bool
}

func (m *fakeMessage) ID() string                           { return m.id }
func (m *fakeMessage) Data() []byte                         { return m.data }
func (m *fakeMessage) Subject() string                      { return "exchange.send" }
func (m *fakeMessage) MessageGroup() string                 { return "" }
func (m *fakeMessage) Ack() error                           { m.acked = true; return nil }
func (m *fakeMessage) Nak() error                           { m.naked = true; return nil }
func (m *fakeMessage) NakWithDelay(d time.Duration) error   { m.naked = true; return nil }
func (m *fakeMessage) InProgress() error                    { return nil }
func (m *fakeMessage) Metadata() map[string]string          { return nil }

var _ queue.Message = (*fakeMessage)(nil)

func TestHandleMessageAcksMalformedPayload(t *testing.T) {
	e := newTestEnv(t)
	msg := &fakeMessage{id: "m-1", data: []byte("garbage")}

	if err := e.engine.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if !msg.acked {
		t.Error("malformed payload must be acked")
	}
	if msg.naked {
		t.Error("malformed payload must not be naked")
	}
}

func TestHandleMessageNacksWhenPoolStopped(t *testing.T) {
	e := newTestEnv(t)
	data, err := EncodePhaseJob(&PhaseJob{RecordID: "rec-1", Phase: orchestrator.PhaseSend})
	if err != nil {
		t.Fatal(err)
	}
	msg := &fakeMessage{id: "m-1", data: data}

	// Pool never started: Submit refuses the job.
	if err := e.engine.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if !msg.naked {
		t.Error("expected nack when the pool refuses the job")
	}
}
