package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"idemcore/internal/shared"
)

// Strategy selects how the delay grows between attempts.
type Strategy int

const (
	// Fixed waits BaseDelay between every attempt
	Fixed Strategy = iota
	// Linear waits BaseDelay*attempt
	Linear
	// Exponential waits BaseDelay*2^(attempt-1)
	Exponential
)

// String returns the lowercase name of the strategy.
func (s Strategy) String() string {
	switch s {
	case Fixed:
		return "fixed"
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed":
		return Fixed, nil
	case "linear":
		return Linear, nil
	case "exponential", "exp":
		return Exponential, nil
	default:
		return 0, shared.Validationf("retry: unknown strategy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by YAML and env decoding.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Policy defines how an operation is retried. It is a value type: Run works on its own copy.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first one)
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay is the unit the strategy scales
	BaseDelay time.Duration `yaml:"base_delay"`
	// Strategy selects the delay growth
	Strategy Strategy `yaml:"strategy"`
	// Jitter scales every delay by a uniform factor in [0.5, 1.0]
	Jitter bool `yaml:"jitter"`
	// MaxDelay caps a single delay before jitter (0 = uncapped)
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultPolicy returns a sensible default policy: 3 attempts, exponential from 100ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Strategy:    Exponential,
		Jitter:      false,
		MaxDelay:    0,
	}
}

// Validate reports a validation-kind error for a policy Run cannot honor.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return shared.Validationf("retry: MaxAttempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return shared.Validationf("retry: BaseDelay must be positive, got %v", p.BaseDelay)
	}
	if p.MaxDelay < 0 {
		return shared.Validationf("retry: MaxDelay cannot be negative, got %v", p.MaxDelay)
	}
	switch p.Strategy {
	case Fixed, Linear, Exponential:
	default:
		return shared.Validationf("retry: unknown strategy %v", p.Strategy)
	}
	return nil
}

// Delay returns the wait after the given 1-based attempt, including jitter if enabled.
// It panics if attempt < 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64)
}

// Delay is the free-function form of Policy.Delay.
func Delay(attempt int, p Policy) time.Duration {
	return p.Delay(attempt)
}

func (p Policy) delay(attempt int, rnd func() float64) time.Duration {
	d := p.backoff(attempt)
	if p.Jitter && rnd != nil {
		d = applyJitter(d, rnd())
	}
	return d
}

// backoff calculates the deterministic part of the delay
func (p Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		panic(fmt.Sprintf("retry: attempt must be >= 1, got %d", attempt))
	}

	var d time.Duration
	switch p.Strategy {
	case Linear:
		// Check for overflow before multiplication
		if p.BaseDelay > 0 && time.Duration(attempt) > math.MaxInt64/p.BaseDelay {
			d = math.MaxInt64
		} else {
			d = p.BaseDelay * time.Duration(attempt)
		}
	case Exponential:
		d = p.BaseDelay
		for i := 1; i < attempt; i++ {
			if d > math.MaxInt64/2 {
				d = math.MaxInt64
				break
			}
			d *= 2
		}
	default:
		d = p.BaseDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// applyJitter scales d by a factor in [0.5, 1.0] derived from frac in [0, 1]
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac < 0 {
		frac = 0
	}
	if frac >= 1 {
		return d
	}
	scaled := float64(d) * (0.5 + 0.5*frac)
	if scaled >= math.MaxInt64 {
		return d
	}
	return time.Duration(scaled)
}
