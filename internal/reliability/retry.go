package reliability

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
)

// RetryConfig is jittered exponential backoff configuration (§4.5.3).
type RetryConfig struct {
	Base     time.Duration
	Max      time.Duration
	Jitter   float64
	Attempts int
}

// DefaultRetryConfig matches the spec's documented defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.3, Attempts: 3}
}

// NewRetryConfig validates cfg before returning it, mirroring the spec's
// "RetryConfig::new calls validate before returning" rule.
func NewRetryConfig(cfg RetryConfig) (RetryConfig, error) {
	if err := cfg.validate(); err != nil {
		return RetryConfig{}, err
	}
	return cfg, nil
}

func (c RetryConfig) validate() error {
	if c.Base <= 0 {
		return fmt.Errorf("reliability: retry base delay must be positive")
	}
	if c.Max < c.Base {
		return fmt.Errorf("reliability: retry max delay must be >= base delay")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("reliability: retry jitter must be in [0, 1]")
	}
	if c.Attempts < 1 {
		return fmt.Errorf("reliability: retry attempts must be >= 1")
	}
	return nil
}

// Delay computes delay = min(max, base*2^attempt) * (1 ± jitter) for the
// given zero-based attempt number.
func (c RetryConfig) Delay(attempt int) time.Duration {
	scaled := float64(c.Base) * math.Pow(2, float64(attempt))
	capped := math.Min(scaled, float64(c.Max))
	jitterFactor := 1 + (rand.Float64()*2-1)*c.Jitter
	d := time.Duration(capped * jitterFactor)
	if d < 0 {
		d = 0
	}
	return d
}

// Retryable reports whether a taxonomy code should be retried, per the
// fixed classification in §4.5.3 (backed by the apierrors registry so the
// classification lives in one place).
func Retryable(code string) bool {
	return apierrors.Registry.Retryable(code)
}

// Envelope is the retry bookkeeping for one task attempt sequence.
type Envelope struct {
	AttemptsLeft     int
	Delay            time.Duration
	ErrorClassification string
}

// NewEnvelope starts an envelope from cfg.
func NewEnvelope(cfg RetryConfig) *Envelope {
	return &Envelope{AttemptsLeft: cfg.Attempts}
}

// Next advances the envelope after a failure classified by code, returning
// the delay to wait before the next attempt and whether a retry is allowed
// at all (attempts remain and the code is retryable).
func (e *Envelope) Next(cfg RetryConfig, attempt int, code string) (time.Duration, bool) {
	e.ErrorClassification = code
	if e.AttemptsLeft <= 0 || !Retryable(code) {
		return 0, false
	}
	e.AttemptsLeft--
	e.Delay = cfg.Delay(attempt)
	return e.Delay, true
}
