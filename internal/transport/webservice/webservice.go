// Package webservice implements the webservice backend type: exchanges
// happen over a partner HTTP API. Outbound files are POSTed, inbound
// files and acknowledgments are fetched from the partner's endpoints.
package webservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.edirelay.tech/internal/common/metrics"
	"go.edirelay.tech/internal/component"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/transport"
)

// BackendTypeCode is the backend type this package serves.
const BackendTypeCode = "webservice"

// Backend settings understood by the adapter.
const (
	SettingURL     = "url"
	SettingAuth    = "auth" // none, token, jwt
	SettingToken   = "token"
	SettingTimeout = "timeout"
)

const maxResponseBody = 10 * 1024 * 1024

// HTTPVersion represents the HTTP protocol version to use
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production)
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// Config configures the webservice adapter.
type Config struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// HTTPVersion controls which HTTP version to use
	HTTPVersion HTTPVersion

	// CircuitBreaker settings, one breaker per backend
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32        // Request volume threshold
	CircuitBreakerInterval    time.Duration // Stats window
	CircuitBreakerRatio       float64       // Failure ratio to trip
	CircuitBreakerTimeout     time.Duration // Time in open state before half-open
	CircuitBreakerMinRequests uint32        // Min requests before evaluating ratio
}

// DefaultConfig returns sensible defaults for production.
func DefaultConfig() *Config {
	return &Config{
		Timeout:                   60 * time.Second,
		HTTPVersion:               HTTPVersion2,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// DevConfig returns config suitable for development: HTTP/1.1 and no
// circuit breaker, so single failures surface immediately.
func DevConfig() *Config {
	cfg := DefaultConfig()
	cfg.HTTPVersion = HTTPVersion1
	cfg.CircuitBreakerEnabled = false
	return cfg
}

// Adapter fills the send, check, receive and list slots for webservice
// backends. One circuit breaker guards each backend.
type Adapter struct {
	cfg     *Config
	client  *http.Client
	secrets edi.SecretResolver
	log     *slog.Logger

	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	jwtTokens map[string]cachedToken
}

// New creates a webservice adapter.
func New(cfg *Config, secrets edi.SecretResolver, log *slog.Logger) *Adapter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	tr := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.HTTPVersion == HTTPVersion1 {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
	} else {
		tr.ForceAttemptHTTP2 = true
	}

	return &Adapter{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: tr,
		},
		secrets:   secrets,
		log:       log,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		jwtTokens: make(map[string]cachedToken),
	}
}

// Send POSTs the exchange file to the partner's exchange endpoint.
func (a *Adapter) Send(ctx context.Context, w *component.Work) error {
	target, err := a.endpoint(ctx, w.Backend, "exchanges", w.Record.Filename)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, w.Backend, http.MethodPost, target, w.Record.Content)
	return err
}

// Check fetches the acknowledgment for a sent file. 404 means the
// partner has not processed it yet.
func (a *Adapter) Check(ctx context.Context, w *component.Work) ([]byte, error) {
	target, err := a.endpoint(ctx, w.Backend, "exchanges", w.Record.Filename, "ack")
	if err != nil {
		return nil, err
	}
	body, err := a.do(ctx, w.Backend, http.MethodGet, target, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, edi.Recoverable(fmt.Errorf("%w: %s", transport.ErrNoAck, w.Record.Filename))
		}
		return nil, err
	}
	return body, nil
}

// Receive fetches an inbound file the record was created for.
func (a *Adapter) Receive(ctx context.Context, w *component.Work) ([]byte, error) {
	target, err := a.endpoint(ctx, w.Backend, "inbox", w.Record.Filename)
	if err != nil {
		return nil, err
	}
	body, err := a.do(ctx, w.Backend, http.MethodGet, target, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, edi.Recoverable(fmt.Errorf("%w: %s no longer listed",
				transport.ErrUnavailable, w.Record.Filename))
		}
		return nil, err
	}
	return body, nil
}

// ListPending fetches the partner's inbox listing and filters it by the
// exchange type's filename glob.
func (a *Adapter) ListPending(ctx context.Context, backend *edi.Backend, xtype *edi.ExchangeType) ([]component.PendingFile, error) {
	target, err := a.endpoint(ctx, backend, "inbox")
	if err != nil {
		return nil, err
	}
	body, err := a.do(ctx, backend, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	var listing struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("parse inbox listing from %s: %w", backend.ID, err)
	}

	var out []component.PendingFile
	for _, name := range listing.Files {
		if !xtype.MatchFilename(name) {
			continue
		}
		out = append(out, component.PendingFile{Filename: name})
	}
	return out, nil
}

func (a *Adapter) endpoint(ctx context.Context, b *edi.Backend, parts ...string) (string, error) {
	base, err := b.Setting(ctx, SettingURL, a.secrets)
	if err != nil {
		return "", err
	}
	if base == "" {
		return "", fmt.Errorf("backend %s has no %q setting", b.ID, SettingURL)
	}
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.Join(escaped, "/"), nil
}

// do executes one HTTP request through the backend's circuit breaker and
// maps failures onto the transport error taxonomy.
func (a *Adapter) do(ctx context.Context, b *edi.Backend, method, target string, body []byte) ([]byte, error) {
	breaker := a.breakerFor(b)
	if breaker == nil {
		return a.execute(ctx, b, method, target, body)
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return a.execute(ctx, b, method, target, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			a.log.Warn("Circuit breaker open",
				"backendId", b.ID,
				"target", target)
			return nil, edi.Recoverable(fmt.Errorf("%w: %v", transport.ErrUnavailable, err))
		}
		return nil, err
	}
	out, _ := result.([]byte)
	return out, nil
}

func (a *Adapter) execute(ctx context.Context, b *edi.Backend, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request for backend %s: %w", b.ID, err)
	}
	req.Header.Set("Accept", "application/octet-stream, application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if err := a.authorize(ctx, b, req); err != nil {
		return nil, err
	}

	a.log.Debug("Executing HTTP request",
		"backendId", b.ID,
		"method", method,
		"target", target)

	start := time.Now()
	resp, err := a.client.Do(req)
	metrics.TransportHTTPDuration.WithLabelValues(b.ID).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.TransportHTTPRequests.WithLabelValues("error", method).Inc()
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	metrics.TransportHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), method).Inc()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, edi.Recoverable(fmt.Errorf("%w: read response: %v", transport.ErrUnavailable, err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return out, nil
	}
	return nil, classifyStatus(resp.StatusCode, out)
}

// statusError carries the HTTP status for callers that treat specific
// codes specially (404 on ack/inbox lookups).
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func classifyStatus(code int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}

	var err error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		err = edi.Recoverable(fmt.Errorf("%w: status %d", transport.ErrAuth, code))
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		err = edi.Recoverable(fmt.Errorf("%w: status %d", transport.ErrTimeout, code))
	case code >= 500:
		err = edi.Recoverable(fmt.Errorf("%w: status %d: %s", transport.ErrUnavailable, code, detail))
	default:
		// Remaining 4xx: the partner refused the request itself.
		err = fmt.Errorf("%w: status %d: %s", transport.ErrRejected, code, detail)
	}
	return &statusError{code: code, err: err}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return edi.Recoverable(fmt.Errorf("%w: %v", transport.ErrTimeout, err))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return edi.Recoverable(fmt.Errorf("%w: %v", transport.ErrTimeout, err))
	}
	return edi.Recoverable(fmt.Errorf("%w: %v", transport.ErrUnavailable, err))
}

func (a *Adapter) breakerFor(b *edi.Backend) *gobreaker.CircuitBreaker {
	if !a.cfg.CircuitBreakerEnabled {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if cb, ok := a.breakers[b.ID]; ok {
		return cb
	}

	backendID := b.ID
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        backendID,
		MaxRequests: a.cfg.CircuitBreakerRequests,
		Interval:    a.cfg.CircuitBreakerInterval,
		Timeout:     a.cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < a.cfg.CircuitBreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= a.cfg.CircuitBreakerRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			a.log.Info("Circuit breaker state changed",
				"backendId", name,
				"from", from.String(),
				"to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				metrics.TransportCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.TransportCircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
	a.breakers[backendID] = cb
	return cb
}

var (
	_ component.Sender   = (*Adapter)(nil)
	_ component.Checker  = (*Adapter)(nil)
	_ component.Receiver = (*Adapter)(nil)
	_ component.Lister   = (*Adapter)(nil)
)
