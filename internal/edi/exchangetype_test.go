package edi

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type stubResolver struct {
	values map[string]string
}

func (s *stubResolver) Get(ctx context.Context, key string) (string, error) {
	val, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return val, nil
}

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:   5,
		Backoff:       30 * time.Second,
		BackoffFactor: 2,
		BackoffMax:    time.Hour,
	}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
	}
	for _, tt := range tests {
		if got := p.NextDelay(tt.attempts); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRetryPolicyNextDelayCapped(t *testing.T) {
	p := RetryPolicy{
		Backoff:       time.Minute,
		BackoffFactor: 10,
		BackoffMax:    5 * time.Minute,
	}
	if got := p.NextDelay(3); got != 5*time.Minute {
		t.Errorf("Expected delay capped at 5m, got %v", got)
	}
}

func TestRetryPolicyNextDelayDefaults(t *testing.T) {
	// Zero-valued policy still produces sane delays.
	var p RetryPolicy
	if got := p.NextDelay(1); got != 30*time.Second {
		t.Errorf("Expected 30s default base delay, got %v", got)
	}
	if got := p.NextDelay(2); got != 60*time.Second {
		t.Errorf("Expected doubling with default factor, got %v", got)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", p.MaxAttempts)
	}
	if p.Backoff != 30*time.Second {
		t.Errorf("Expected 30s backoff, got %v", p.Backoff)
	}
	if p.BackoffFactor != 2 {
		t.Errorf("Expected factor 2, got %v", p.BackoffFactor)
	}
	if p.BackoffMax != time.Hour {
		t.Errorf("Expected 1h cap, got %v", p.BackoffMax)
	}
}

func TestMakeFilename(t *testing.T) {
	xt := &ExchangeType{
		Code:            "invoice-out",
		FilenamePattern: "{record_name}-{type_code}-{dt}",
		FileExt:         "xml",
	}
	at := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	got := xt.MakeFilename("INV/2026/0042", "rec-1", at)
	want := "inv-2026-0042-invoice-out-20260315-103000.xml"
	if got != want {
		t.Errorf("MakeFilename = %q, want %q", got, want)
	}
}

func TestMakeFilenameDefaultPattern(t *testing.T) {
	xt := &ExchangeType{Code: "order-out"}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	got := xt.MakeFilename("SO 7", "rec-2", at)
	want := "so-7-order-out-20260102-030405"
	if got != want {
		t.Errorf("MakeFilename = %q, want %q", got, want)
	}
}

func TestMakeFilenameIDToken(t *testing.T) {
	xt := &ExchangeType{
		Code:            "desadv-out",
		FilenamePattern: "{type_code}/{id}",
		FileExt:         ".edi",
	}
	got := xt.MakeFilename("whatever", "0H5K2", time.Now())
	if got != "desadv-out/0H5K2.edi" {
		t.Errorf("MakeFilename = %q", got)
	}
}

func TestMatchFilename(t *testing.T) {
	xt := &ExchangeType{FilenameMatch: "PO-*.xml"}

	if !xt.MatchFilename("PO-1001.xml") {
		t.Error("Expected PO-1001.xml to match")
	}
	if xt.MatchFilename("invoice-1001.xml") {
		t.Error("Expected invoice-1001.xml to not match")
	}
	if xt.MatchFilename("PO-1001.edi") {
		t.Error("Expected PO-1001.edi to not match")
	}
}

func TestMatchFilenameEmptyGlobMatchesAll(t *testing.T) {
	xt := &ExchangeType{}
	if !xt.MatchFilename("anything-at-all.bin") {
		t.Error("Empty glob should match every filename")
	}
}

func TestExchangeTypeValidate(t *testing.T) {
	valid := &ExchangeType{Code: "x", Direction: DirectionOutput, BackendTypeCode: "storage"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid type, got %v", err)
	}

	tests := []struct {
		name string
		xt   ExchangeType
	}{
		{"missing code", ExchangeType{Direction: DirectionOutput, BackendTypeCode: "storage"}},
		{"bad direction", ExchangeType{Code: "x", Direction: "sideways", BackendTypeCode: "storage"}},
		{"missing backend type", ExchangeType{Code: "x", Direction: DirectionInput}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.xt.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestBackendSettingSecretResolution(t *testing.T) {
	b := &Backend{
		ID:       "acme",
		TypeCode: "webservice",
		Settings: map[string]string{
			"url":      "https://edi.example.com",
			"password": "secret://ACME_PASSWORD",
		},
	}

	resolver := &stubResolver{values: map[string]string{"ACME_PASSWORD": "hunter2"}}

	val, err := b.Setting(t.Context(), "url", resolver)
	if err != nil || val != "https://edi.example.com" {
		t.Errorf("Setting(url) = (%q, %v)", val, err)
	}

	val, err = b.Setting(t.Context(), "password", resolver)
	if err != nil || val != "hunter2" {
		t.Errorf("Setting(password) = (%q, %v)", val, err)
	}

	// Secret reference without a resolver is a hard error.
	if _, err := b.Setting(t.Context(), "password", nil); err == nil {
		t.Error("Expected error resolving secret without a provider")
	}

	if got := b.PlainSetting("password"); got != "secret://ACME_PASSWORD" {
		t.Errorf("PlainSetting should not resolve, got %q", got)
	}
}
