package component

import (
	"errors"
	"testing"

	"go.edirelay.tech/internal/edi"
)

type stubComponent struct {
	name string
}

func TestRegistryResolveMostSpecificWins(t *testing.T) {
	reg := NewRegistry()

	generic := &stubComponent{name: "generic"}
	perBackend := &stubComponent{name: "per-backend"}
	perType := &stubComponent{name: "per-type"}

	reg.MustRegister(Key{Direction: edi.DirectionOutput, Usage: UsageSend}, generic)
	reg.MustRegister(Key{Direction: edi.DirectionOutput, Usage: UsageSend, BackendType: "storage"}, perBackend)
	reg.MustRegister(Key{
		Direction: edi.DirectionOutput, Usage: UsageSend,
		BackendType: "storage", ExchangeType: "invoice-out",
	}, perType)

	tests := []struct {
		backendType  string
		exchangeType string
		want         string
	}{
		{"storage", "invoice-out", "per-type"},
		{"storage", "order-out", "per-backend"},
		{"webservice", "invoice-out", "generic"},
	}
	for _, tt := range tests {
		got, err := reg.Resolve(edi.DirectionOutput, UsageSend, tt.backendType, tt.exchangeType)
		if err != nil {
			t.Fatalf("Resolve(%q, %q): %v", tt.backendType, tt.exchangeType, err)
		}
		if got.(*stubComponent).name != tt.want {
			t.Errorf("Resolve(%q, %q) = %s, want %s",
				tt.backendType, tt.exchangeType, got.(*stubComponent).name, tt.want)
		}
	}
}

func TestRegistryResolveNoComponent(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Key{Direction: edi.DirectionOutput, Usage: UsageSend}, &stubComponent{})

	_, err := reg.Resolve(edi.DirectionInput, UsageReceive, "storage", "order-in")
	if !errors.Is(err, ErrNoComponent) {
		t.Errorf("Expected ErrNoComponent, got %v", err)
	}
}

func TestRegistryResolveAmbiguous(t *testing.T) {
	reg := NewRegistry()
	// Same specificity, different discriminators, both matching the lookup.
	reg.MustRegister(Key{Direction: edi.DirectionOutput, Usage: UsageSend, BackendType: "storage"}, &stubComponent{name: "a"})
	reg.MustRegister(Key{Direction: edi.DirectionOutput, Usage: UsageSend, ExchangeType: "invoice-out"}, &stubComponent{name: "b"})

	_, err := reg.Resolve(edi.DirectionOutput, UsageSend, "storage", "invoice-out")
	if !errors.Is(err, ErrAmbiguousComponent) {
		t.Errorf("Expected ErrAmbiguousComponent, got %v", err)
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(Key{Usage: UsageSend}, &stubComponent{}); err == nil {
		t.Error("Expected error for missing direction")
	}
	if err := reg.Register(Key{Direction: edi.DirectionOutput}, &stubComponent{}); err == nil {
		t.Error("Expected error for missing usage")
	}
	if err := reg.Register(Key{Direction: edi.DirectionOutput, Usage: UsageSend}, nil); err == nil {
		t.Error("Expected error for nil implementation")
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	key := Key{Direction: edi.DirectionInput, Usage: UsageProcess}

	if err := reg.Register(key, &stubComponent{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(key, &stubComponent{}); !errors.Is(err, ErrDuplicateComponent) {
		t.Errorf("Expected ErrDuplicateComponent, got %v", err)
	}
}

func TestKeyString(t *testing.T) {
	key := Key{Direction: edi.DirectionOutput, Usage: UsageSend, BackendType: "storage", ExchangeType: "invoice-out"}
	if got := key.String(); got != "output.send.storage.invoice-out" {
		t.Errorf("Key.String() = %q", got)
	}

	key = Key{Direction: edi.DirectionInput, Usage: UsageReceive}
	if got := key.String(); got != "input.receive" {
		t.Errorf("Key.String() = %q", got)
	}
}
