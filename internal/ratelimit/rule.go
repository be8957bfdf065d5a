package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRule is returned when a rule has a non-positive window or ceiling.
	ErrInvalidRule = errors.New("invalid rate rule")

	// ErrEmptyIdentity is returned when rules are registered for an empty identity.
	ErrEmptyIdentity = errors.New("identity is required")

	// ErrNoRules is returned when an empty rule set is registered.
	ErrNoRules = errors.New("at least one rule is required")

	// ErrCapacity is returned when registering a new identity would exceed the
	// configured maximum number of identities.
	ErrCapacity = errors.New("rule registry is at capacity")
)

// Rule admits at most MaxRequests requests within any span of Window.
type Rule struct {
	Window      time.Duration
	MaxRequests int
}

// Validate rejects rules that would either admit everything or nothing.
func (r Rule) Validate() error {
	if r.Window <= 0 {
		return fmt.Errorf("%w: window must be positive (got %s)", ErrInvalidRule, r.Window)
	}
	if r.MaxRequests < 1 {
		return fmt.Errorf("%w: max requests must be at least 1 (got %d)", ErrInvalidRule, r.MaxRequests)
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%d/%s", r.MaxRequests, r.Window)
}

// longest returns the largest window in rules, or 0 for an empty set
func longest(rules []Rule) time.Duration {
	var out time.Duration
	for _, r := range rules {
		if r.Window > out {
			out = r.Window
		}
	}
	return out
}
