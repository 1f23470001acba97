// Package reconnect schedules automatic reconnection attempts for a connection.Session.
package reconnect

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Policy selects how long to wait before each reconnection attempt.
type Policy uint8

// Reconnection policies.
const (
	// PolicyNone never reconnects automatically. ReconnectNow still works.
	PolicyNone Policy = iota
	// PolicyLinear waits the base interval before every attempt.
	PolicyLinear
	// PolicyExponential doubles the wait for every attempt, capped at MaxBackoff.
	PolicyExponential
)

// MaxBackoff caps exponential delays.
const MaxBackoff = 30 * time.Second

// Config is the reconnection policy and attempt budget.
type Config struct {
	Policy Policy
	// MaxAttempts is the number of automatic attempts allowed between two successful connections.
	MaxAttempts int
	// Interval is the base delay.
	Interval time.Duration
}

// ErrExhausted is wrapped by ExhaustedError.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// ExhaustedError reports that automatic reconnection stopped after Attempts attempts.
type ExhaustedError struct {
	SessionID string
	Attempts  int
}

// DefaultConfig returns exponential backoff from 5 seconds with 5 attempts.
func DefaultConfig() Config {
	return Config{
		Policy:      PolicyExponential,
		MaxAttempts: 5,
		Interval:    5 * time.Second,
	}
}

// Delay returns the wait before attempt n (1-indexed) under p with base interval base.
func Delay(p Policy, base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	switch p {
	case PolicyLinear:
		return base
	case PolicyExponential:
		if base <= 0 {
			return 0
		}
		d := base
		for i := 1; i < n; i++ {
			if d >= MaxBackoff {
				break
			}
			d *= 2
		}
		return min(d, MaxBackoff)
	default:
		return 0
	}
}

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyLinear:
		return "linear"
	case PolicyExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a policy name, case-insensitively, back to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return PolicyNone, nil
	case "linear":
		return PolicyLinear, nil
	case "exponential":
		return PolicyExponential, nil
	default:
		return PolicyNone, fmt.Errorf("unknown reconnect policy %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: session %s gave up after %d attempts", ErrExhausted, e.SessionID, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrExhausted
}
