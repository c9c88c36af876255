package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.edirelay.tech/internal/component"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/transport"
)

// BackendTypeCode is the backend type this package serves.
const BackendTypeCode = "storage"

// Backend settings understood by the adapter.
const (
	SettingPath = "path"

	SettingOutputPendingDir = "dir_output_pending"
	SettingOutputDoneDir    = "dir_output_done"
	SettingOutputErrorDir   = "dir_output_error"
	SettingInputPendingDir  = "dir_input_pending"
	SettingInputDoneDir     = "dir_input_done"
	SettingInputErrorDir    = "dir_input_error"
)

// Layout maps lifecycle stages to directories under the backend root.
// Outbound files are written to OutputPending and claimed by the partner,
// who moves them to done or error. Inbound files appear in InputPending
// and are archived after processing.
type Layout struct {
	OutputPending string
	OutputDone    string
	OutputError   string
	InputPending  string
	InputDone     string
	InputError    string
}

func layoutFor(b *edi.Backend) Layout {
	dir := func(key, def string) string {
		if v := b.PlainSetting(key); v != "" {
			return v
		}
		return def
	}
	return Layout{
		OutputPending: dir(SettingOutputPendingDir, "output/pending"),
		OutputDone:    dir(SettingOutputDoneDir, "output/done"),
		OutputError:   dir(SettingOutputErrorDir, "output/error"),
		InputPending:  dir(SettingInputPendingDir, "input/pending"),
		InputDone:     dir(SettingInputDoneDir, "input/done"),
		InputError:    dir(SettingInputErrorDir, "input/error"),
	}
}

// OpenFunc builds a Store for a resolved backend root path.
type OpenFunc func(path string) Store

// Adapter fills the send, check, receive and list slots for storage
// backends. Stores are opened lazily per backend and cached.
type Adapter struct {
	secrets edi.SecretResolver
	open    OpenFunc
	log     *slog.Logger

	mu     sync.Mutex
	stores map[string]Store
}

// New returns an adapter opening local filesystem stores.
func New(secrets edi.SecretResolver, log *slog.Logger) *Adapter {
	return NewWithOpener(secrets, log, func(path string) Store {
		return NewLocalStore(path)
	})
}

// NewWithOpener returns an adapter using a custom store opener, e.g. an
// SFTP-backed Store.
func NewWithOpener(secrets edi.SecretResolver, log *slog.Logger, open OpenFunc) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		secrets: secrets,
		open:    open,
		log:     log,
		stores:  make(map[string]Store),
	}
}

func (a *Adapter) storeFor(ctx context.Context, b *edi.Backend) (Store, Layout, error) {
	a.mu.Lock()
	store, ok := a.stores[b.ID]
	a.mu.Unlock()
	if ok {
		return store, layoutFor(b), nil
	}

	path, err := b.Setting(ctx, SettingPath, a.secrets)
	if err != nil {
		// Secret backends heal (rotation, outage), so this is retryable.
		return nil, Layout{}, unavailable(fmt.Errorf("resolve %q for backend %s: %v", SettingPath, b.ID, err))
	}
	if path == "" {
		return nil, Layout{}, fmt.Errorf("backend %s has no %q setting", b.ID, SettingPath)
	}

	store = a.open(path)
	a.mu.Lock()
	a.stores[b.ID] = store
	a.mu.Unlock()
	return store, layoutFor(b), nil
}

// Send drops the exchange file into the outbound pending directory.
func (a *Adapter) Send(ctx context.Context, w *component.Work) error {
	store, layout, err := a.storeFor(ctx, w.Backend)
	if err != nil {
		return err
	}
	if err := store.Write(ctx, layout.OutputPending, w.Record.Filename, w.Record.Content); err != nil {
		return unavailable(err)
	}
	a.log.Debug("Wrote outbound exchange file",
		"backendId", w.Backend.ID,
		"filename", w.Record.Filename)
	return nil
}

// Check inspects where the partner moved a sent file. Done means
// processed (with the companion .ack file's content when present), error
// means rejected, still pending means ask again later.
func (a *Adapter) Check(ctx context.Context, w *component.Work) ([]byte, error) {
	store, layout, err := a.storeFor(ctx, w.Backend)
	if err != nil {
		return nil, err
	}
	name := w.Record.Filename

	if _, err := store.Read(ctx, layout.OutputDone, name); err == nil {
		ack, aerr := store.Read(ctx, layout.OutputDone, name+".ack")
		if aerr != nil && !IsNotExist(aerr) {
			return nil, unavailable(aerr)
		}
		return ack, nil
	} else if !IsNotExist(err) {
		return nil, unavailable(err)
	}

	if _, err := store.Read(ctx, layout.OutputError, name); err == nil {
		return nil, fmt.Errorf("%w: %s moved to %s", transport.ErrRejected, name, layout.OutputError)
	} else if !IsNotExist(err) {
		return nil, unavailable(err)
	}

	return nil, edi.Recoverable(fmt.Errorf("%w: %s", transport.ErrNoAck, name))
}

// Receive reads the inbound file the record was created for.
func (a *Adapter) Receive(ctx context.Context, w *component.Work) ([]byte, error) {
	store, layout, err := a.storeFor(ctx, w.Backend)
	if err != nil {
		return nil, err
	}
	content, err := store.Read(ctx, layout.InputPending, w.Record.Filename)
	if err != nil {
		if IsNotExist(err) {
			return nil, edi.Recoverable(fmt.Errorf("%w: %s not in %s",
				transport.ErrUnavailable, w.Record.Filename, layout.InputPending))
		}
		return nil, unavailable(err)
	}
	return content, nil
}

// ListPending enumerates inbound files matching the exchange type's
// filename glob. Content is left for the receive phase.
func (a *Adapter) ListPending(ctx context.Context, backend *edi.Backend, xtype *edi.ExchangeType) ([]component.PendingFile, error) {
	store, layout, err := a.storeFor(ctx, backend)
	if err != nil {
		return nil, err
	}
	names, err := store.List(ctx, layout.InputPending)
	if err != nil {
		return nil, unavailable(err)
	}
	var out []component.PendingFile
	for _, name := range names {
		if !xtype.MatchFilename(name) {
			continue
		}
		out = append(out, component.PendingFile{Filename: name})
	}
	return out, nil
}

// unavailable classifies a storage I/O failure as a retryable transport
// fault, mirroring how the webservice adapter classifies HTTP failures.
func unavailable(err error) error {
	return edi.Recoverable(fmt.Errorf("%w: %v", transport.ErrUnavailable, err))
}

var (
	_ component.Sender   = (*Adapter)(nil)
	_ component.Checker  = (*Adapter)(nil)
	_ component.Receiver = (*Adapter)(nil)
	_ component.Lister   = (*Adapter)(nil)
)
