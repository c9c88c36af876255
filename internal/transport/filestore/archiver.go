package filestore

import (
	"context"
	"log/slog"

	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/events"
)

// Archiver moves inbound files out of the pending directory once their
// exchange record reaches a final verdict: done on success, error on a
// processing failure. It listens on the event bus so the orchestrator
// stays ignorant of directory layouts.
type Archiver struct {
	adapter  *Adapter
	registry *edi.TypeRegistry
	log      *slog.Logger
}

// NewArchiver returns an archiver over the adapter's stores.
func NewArchiver(adapter *Adapter, registry *edi.TypeRegistry, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{adapter: adapter, registry: registry, log: log}
}

// Bind subscribes the archiver to the exchange lifecycle events.
func (ar *Archiver) Bind(bus *events.Bus) {
	bus.Subscribe(events.EventExchangeDone, ar.handle(true))
	bus.Subscribe(events.EventExchangeError, ar.handle(false))
}

func (ar *Archiver) handle(done bool) events.Handler {
	return func(ctx context.Context, ev events.Event) {
		if ev.Data["direction"] != string(edi.DirectionInput) {
			return
		}
		filename := ev.Data["filename"]
		backendID := ev.Data["backendId"]
		if filename == "" || backendID == "" {
			return
		}

		backend, err := ar.registry.Backend(backendID)
		if err != nil || backend.TypeCode != BackendTypeCode {
			return
		}

		store, layout, err := ar.adapter.storeFor(ctx, backend)
		if err != nil {
			ar.log.Error("Failed to open store for archiving",
				"backendId", backendID, "error", err)
			return
		}

		target := layout.InputDone
		if !done {
			target = layout.InputError
		}
		if err := store.Move(ctx, layout.InputPending, target, filename); err != nil {
			if IsNotExist(err) {
				return
			}
			ar.log.Error("Failed to archive inbound file",
				"backendId", backendID,
				"filename", filename,
				"target", target,
				"error", err)
			return
		}
		ar.log.Info("Archived inbound file",
			"backendId", backendID,
			"filename", filename,
			"target", target)
	}
}
