package edi

import (
	"context"
	"fmt"
	"strings"
)

// BackendType declares a family of backends (e.g. "storage", "webservice")
// and the exchange types valid for it.
type BackendType struct {
	Code string `toml:"code" json:"code"`
	Name string `toml:"name" json:"name"`
}

// Backend is one configured endpoint for a backend type: one credential
// set, one base URL, one directory layout.
type Backend struct {
	ID       string `toml:"id" json:"id"`
	Name     string `toml:"name" json:"name"`
	TypeCode string `toml:"type" json:"type"`
	Enabled  bool   `toml:"enabled" json:"enabled"`

	// Settings holds transport-specific parameters as an opaque
	// key/value map (URLs, directories, credentials). Values in the form
	// secret://KEY are resolved through the secrets provider.
	Settings map[string]string `toml:"settings" json:"-"`
}

// SecretResolver resolves secret references found in backend settings.
type SecretResolver interface {
	Get(ctx context.Context, key string) (string, error)
}

const secretPrefix = "secret://"

// Setting returns a settings value, resolving secret:// references when a
// resolver is supplied.
func (b *Backend) Setting(ctx context.Context, key string, secrets SecretResolver) (string, error) {
	val := b.Settings[key]
	if !strings.HasPrefix(val, secretPrefix) {
		return val, nil
	}
	if secrets == nil {
		return "", fmt.Errorf("setting %q on backend %s references a secret but no provider is configured", key, b.ID)
	}
	resolved, err := secrets.Get(ctx, strings.TrimPrefix(val, secretPrefix))
	if err != nil {
		return "", fmt.Errorf("resolve secret for setting %q on backend %s: %w", key, b.ID, err)
	}
	return resolved, nil
}

// PlainSetting returns a settings value without secret resolution.
func (b *Backend) PlainSetting(key string) string {
	return b.Settings[key]
}
