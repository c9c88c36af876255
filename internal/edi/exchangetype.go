package edi

import (
	"path"
	"strings"
	"time"
)

// RetryPolicy controls how often and how fast an error-state record is
// rescheduled.
type RetryPolicy struct {
	// MaxAttempts is the number of recoverable failures tolerated before
	// the record is left in its error state for an operator.
	MaxAttempts int `toml:"max_attempts" json:"maxAttempts"`

	// Backoff is the delay before the first retry.
	Backoff time.Duration `toml:"backoff" json:"backoff"`

	// BackoffFactor multiplies the delay per additional attempt.
	BackoffFactor float64 `toml:"backoff_factor" json:"backoffFactor"`

	// BackoffMax caps the delay.
	BackoffMax time.Duration `toml:"backoff_max" json:"backoffMax"`
}

// DefaultRetryPolicy returns the engine-wide retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		Backoff:       30 * time.Second,
		BackoffFactor: 2,
		BackoffMax:    time.Hour,
	}
}

// NextDelay returns the backoff delay after the given number of attempts.
// attempts is 1 after the first failure.
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	delay := p.Backoff
	if delay <= 0 {
		delay = 30 * time.Second
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	for i := 1; i < attempts; i++ {
		delay = time.Duration(float64(delay) * factor)
		if p.BackoffMax > 0 && delay > p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && delay > p.BackoffMax {
		return p.BackoffMax
	}
	return delay
}

// ExchangeType describes a class of documents exchanged with trading
// partners: direction, target business model, filename handling, ack and
// retry behaviour.
type ExchangeType struct {
	Code            string    `toml:"code" json:"code"`
	Name            string    `toml:"name" json:"name"`
	BackendTypeCode string    `toml:"backend_type" json:"backendType"`
	Direction       Direction `toml:"direction" json:"direction"`

	// Model is the business record model this type targets
	// (e.g. "account.invoice"). Empty means unrelated exchanges.
	Model string `toml:"model" json:"model,omitempty"`

	// FilenamePattern builds outbound filenames. Supported tokens:
	// {record_name}, {type_code}, {dt}, {id}.
	FilenamePattern string `toml:"filename_pattern" json:"filenamePattern"`
	FileExt         string `toml:"file_ext" json:"fileExt"`

	// FilenameMatch is a glob used to claim inbound files when one
	// channel serves several exchange types.
	FilenameMatch string `toml:"filename_match" json:"filenameMatch,omitempty"`

	// AutoGenerate makes the scheduler pick up new output records for
	// generation without an explicit trigger.
	AutoGenerate bool `toml:"auto_generate" json:"autoGenerate"`

	// AckNeeded requires a backend-side acknowledgment before the
	// exchange is considered fully processed. AckTypeCode optionally
	// names the exchange type spawned to track the ack document.
	AckNeeded   bool   `toml:"ack_needed" json:"ackNeeded"`
	AckTypeCode string `toml:"ack_type" json:"ackType,omitempty"`

	Retry RetryPolicy `toml:"retry" json:"retry"`
}

const defaultFilenamePattern = "{record_name}-{type_code}-{dt}"

// MakeFilename builds the exchange filename for a record name at the
// given time.
func (t *ExchangeType) MakeFilename(recordName string, id string, now time.Time) string {
	pattern := t.FilenamePattern
	if pattern == "" {
		pattern = defaultFilenamePattern
	}
	dt := now.UTC().Format("20060102-150405")
	name := strings.NewReplacer(
		"{record_name}", slugify(recordName),
		"{type_code}", t.Code,
		"{dt}", dt,
		"{id}", id,
	).Replace(pattern)
	if t.FileExt != "" {
		name += "." + strings.TrimPrefix(t.FileExt, ".")
	}
	return name
}

// MatchFilename reports whether an inbound filename belongs to this type.
// Without a configured glob every filename matches.
func (t *ExchangeType) MatchFilename(filename string) bool {
	if t.FilenameMatch == "" {
		return true
	}
	ok, err := path.Match(t.FilenameMatch, filename)
	if err != nil {
		return false
	}
	return ok
}

// Validate checks the static configuration of the type.
func (t *ExchangeType) Validate() error {
	if t.Code == "" {
		return ErrUnknownExchangeType
	}
	if !t.Direction.Valid() {
		return ErrDirectionMismatch
	}
	if t.BackendTypeCode == "" {
		return ErrUnknownBackendType
	}
	return nil
}

// slugify lowercases and strips a record name down to a filename-safe slug.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
