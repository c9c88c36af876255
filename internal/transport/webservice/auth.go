package webservice

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go.edirelay.tech/internal/edi"
)

// JWT auth settings.
const (
	SettingJWTSecret   = "jwt_secret"
	SettingJWTIssuer   = "jwt_issuer"
	SettingJWTAudience = "jwt_audience"
)

const jwtLifetime = 5 * time.Minute

type cachedToken struct {
	token   string
	expires time.Time
}

// authorize sets the Authorization header according to the backend's auth
// setting: a static bearer token or a short-lived signed JWT.
func (a *Adapter) authorize(ctx context.Context, b *edi.Backend, req *http.Request) error {
	switch mode := b.PlainSetting(SettingAuth); mode {
	case "", "none":
		return nil

	case "token":
		token, err := b.Setting(ctx, SettingToken, a.secrets)
		if err != nil {
			return err
		}
		if token == "" {
			return fmt.Errorf("backend %s: auth mode token but no %q setting", b.ID, SettingToken)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil

	case "jwt":
		token, err := a.signedJWT(ctx, b)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil

	default:
		return fmt.Errorf("backend %s: unknown auth mode %q", b.ID, mode)
	}
}

// signedJWT returns a cached HS256 token for the backend, re-signing
// shortly before expiry.
func (a *Adapter) signedJWT(ctx context.Context, b *edi.Backend) (string, error) {
	a.mu.Lock()
	cached, ok := a.jwtTokens[b.ID]
	a.mu.Unlock()
	if ok && time.Until(cached.expires) > 30*time.Second {
		return cached.token, nil
	}

	secret, err := b.Setting(ctx, SettingJWTSecret, a.secrets)
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", fmt.Errorf("backend %s: auth mode jwt but no %q setting", b.ID, SettingJWTSecret)
	}

	now := time.Now()
	expires := now.Add(jwtLifetime)
	claims := jwt.MapClaims{
		"sub": b.ID,
		"iat": now.Unix(),
		"exp": expires.Unix(),
	}
	if iss := b.PlainSetting(SettingJWTIssuer); iss != "" {
		claims["iss"] = iss
	}
	if aud := b.PlainSetting(SettingJWTAudience); aud != "" {
		claims["aud"] = aud
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign jwt for backend %s: %w", b.ID, err)
	}

	a.mu.Lock()
	a.jwtTokens[b.ID] = cachedToken{token: token, expires: expires}
	a.mu.Unlock()
	return token, nil
}
