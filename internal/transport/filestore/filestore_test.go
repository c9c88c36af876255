package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.edirelay.tech/internal/component"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/events"
	"go.edirelay.tech/internal/transport"
)

func testBackend(t *testing.T) *edi.Backend {
	t.Helper()
	return &edi.Backend{
		ID:       "warehouse",
		TypeCode: BackendTypeCode,
		Enabled:  true,
		Settings: map[string]string{SettingPath: t.TempDir()},
	}
}

func workFor(b *edi.Backend, rec *edi.ExchangeRecord) *component.Work {
	return &component.Work{
		Record:  rec,
		Backend: b,
		Type:    &edi.ExchangeType{Code: "order-out", Direction: edi.DirectionOutput},
	}
}

func TestSendWritesPendingFile(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	a := New(nil, nil)

	rec := &edi.ExchangeRecord{ID: "X1", Filename: "ORD-1.json", Content: []byte(`{"n":1}`)}
	if err := a.Send(ctx, workFor(b, rec)); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(b.Settings[SettingPath], "output/pending/ORD-1.json"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Errorf("unexpected content %q", got)
	}
}

func TestCheckVerdicts(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	root := b.Settings[SettingPath]
	a := New(nil, nil)
	rec := &edi.ExchangeRecord{ID: "X1", Filename: "ORD-1.json"}

	// Still pending: no verdict yet.
	_, err := a.Check(ctx, workFor(b, rec))
	if !errors.Is(err, transport.ErrNoAck) {
		t.Fatalf("expected ErrNoAck, got %v", err)
	}
	if !edi.IsRecoverable(err) {
		t.Error("pending verdict must be recoverable")
	}

	// Moved to done with an ack file.
	mustWriteFile(t, filepath.Join(root, "output/done/ORD-1.json"), "payload")
	mustWriteFile(t, filepath.Join(root, "output/done/ORD-1.json.ack"), "OK")
	ack, err := a.Check(ctx, workFor(b, rec))
	if err != nil {
		t.Fatalf("check done: %v", err)
	}
	if string(ack) != "OK" {
		t.Errorf("expected ack OK, got %q", ack)
	}

	// Moved to error: rejected, not retryable.
	rec2 := &edi.ExchangeRecord{ID: "X2", Filename: "ORD-2.json"}
	mustWriteFile(t, filepath.Join(root, "output/error/ORD-2.json"), "payload")
	_, err = a.Check(ctx, workFor(b, rec2))
	if !errors.Is(err, transport.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if edi.IsRecoverable(err) {
		t.Error("rejection must not be recoverable")
	}
}

type faultyStore struct{ err error }

func (s *faultyStore) List(ctx context.Context, dir string) ([]string, error) { return nil, s.err }
func (s *faultyStore) Read(ctx context.Context, dir, name string) ([]byte, error) {
	return nil, s.err
}
func (s *faultyStore) Write(ctx context.Context, dir, name string, content []byte) error {
	return s.err
}
func (s *faultyStore) Move(ctx context.Context, fromDir, toDir, name string) error { return s.err }

func TestStoreFailuresAreRetryable(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	a := NewWithOpener(nil, nil, func(path string) Store {
		return &faultyStore{err: errors.New("sftp unreachable")}
	})
	rec := &edi.ExchangeRecord{ID: "X1", Filename: "ORD-1.json", Content: []byte(`{"n":1}`)}

	err := a.Send(ctx, workFor(b, rec))
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !edi.IsRecoverable(err) {
		t.Error("storage write failure must be recoverable")
	}

	if _, err = a.Check(ctx, workFor(b, rec)); !edi.IsRecoverable(err) {
		t.Errorf("storage read failure must be recoverable, got %v", err)
	}

	xtype := &edi.ExchangeType{Code: "po-in", Direction: edi.DirectionInput}
	_, err = a.ListPending(ctx, b, xtype)
	if !errors.Is(err, transport.ErrUnavailable) || !edi.IsRecoverable(err) {
		t.Errorf("listing failure must be retryable, got %v", err)
	}
}

func TestListPendingFiltersByGlob(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	root := b.Settings[SettingPath]
	a := New(nil, nil)

	mustWriteFile(t, filepath.Join(root, "input/pending/PO-001.xml"), "<po/>")
	mustWriteFile(t, filepath.Join(root, "input/pending/INV-001.xml"), "<inv/>")

	xtype := &edi.ExchangeType{Code: "po-in", Direction: edi.DirectionInput, FilenameMatch: "PO-*.xml"}
	files, err := a.ListPending(ctx, b, xtype)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "PO-001.xml" {
		t.Fatalf("expected [PO-001.xml], got %v", files)
	}
}

func TestReceiveReadsPendingFile(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	a := New(nil, nil)
	mustWriteFile(t, filepath.Join(b.Settings[SettingPath], "input/pending/PO-001.xml"), "<po/>")

	rec := &edi.ExchangeRecord{ID: "X1", Filename: "PO-001.xml", Direction: edi.DirectionInput}
	content, err := a.Receive(ctx, workFor(b, rec))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(content) != "<po/>" {
		t.Errorf("unexpected content %q", content)
	}

	rec2 := &edi.ExchangeRecord{ID: "X2", Filename: "missing.xml", Direction: edi.DirectionInput}
	_, err = a.Receive(ctx, workFor(b, rec2))
	if !edi.IsRecoverable(err) {
		t.Fatalf("expected recoverable error for missing file, got %v", err)
	}
}

func TestArchiverMovesFiles(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	root := b.Settings[SettingPath]
	a := New(nil, nil)

	registry := edi.NewTypeRegistry()
	if err := registry.AddBackendType(&edi.BackendType{Code: BackendTypeCode, Name: "Storage"}); err != nil {
		t.Fatal(err)
	}
	if err := registry.AddBackend(b); err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	NewArchiver(a, registry, nil).Bind(bus)

	mustWriteFile(t, filepath.Join(root, "input/pending/PO-001.xml"), "<po/>")
	mustWriteFile(t, filepath.Join(root, "input/pending/PO-002.xml"), "<po/>")

	bus.Emit(ctx, events.New(events.EventExchangeDone, "X1", map[string]string{
		"direction": string(edi.DirectionInput),
		"backendId": b.ID,
		"filename":  "PO-001.xml",
	}))
	bus.Emit(ctx, events.New(events.EventExchangeError, "X2", map[string]string{
		"direction": string(edi.DirectionInput),
		"backendId": b.ID,
		"filename":  "PO-002.xml",
	}))

	if _, err := os.Stat(filepath.Join(root, "input/done/PO-001.xml")); err != nil {
		t.Errorf("expected PO-001.xml in input/done: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "input/error/PO-002.xml")); err != nil {
		t.Errorf("expected PO-002.xml in input/error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "input/pending/PO-001.xml")); !os.IsNotExist(err) {
		t.Error("expected PO-001.xml gone from input/pending")
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
