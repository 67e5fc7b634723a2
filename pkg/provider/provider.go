// Package provider selects LLM backends under per-provider quotas and
// priority tiers, and dispatches completion requests to them.
package provider

import (
	"context"
	"errors"
)

// Profile is one configured LLM backend with its quota state.
// Counters reset lazily: whoever selects next and sees a stale reset
// date zeroes the counter, no timer involved.
type Profile struct {
	ID               int64
	Name             string
	Kind             string // "openai" (OpenAI-compatible) or "anthropic"
	Endpoint         string
	APIKey           string
	ModelID          string
	Priority         int
	DailyLimit       int
	MonthlyLimit     int
	DailyUsed        int
	MonthlyUsed      int
	LastDailyReset   string // YYYY-MM-DD
	LastMonthlyReset string // YYYY-MM
	IsActive         bool
}

// Eligible reports whether the profile has quota headroom. The check
// happens at selection time only; concurrent selections may both pass
// and push usage one past the limit, which we accept as a soft bound.
func (p *Profile) Eligible() bool {
	return p.IsActive && p.DailyUsed < p.DailyLimit && p.MonthlyUsed < p.MonthlyLimit
}

// Message is a single chat turn.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Request holds the parameters for one completion call.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// ProfileStore persists provider profiles and their usage counters.
type ProfileStore interface {
	// ListActive returns every active profile.
	ListActive(ctx context.Context) ([]Profile, error)

	// ResetDaily zeroes the daily counter and records the reset date.
	ResetDaily(ctx context.Context, id int64, date string) error

	// ResetMonthly zeroes the monthly counter and records the reset month.
	ResetMonthly(ctx context.Context, id int64, month string) error

	// IncrementUsage bumps both counters by one in a single atomic
	// statement, so concurrent callers never lose an increment.
	IncrementUsage(ctx context.Context, id int64) error
}

// ErrNoProvider is returned when no active profile has quota headroom,
// or when every eligible profile failed during a failover loop.
var ErrNoProvider = errors.New("no eligible provider")

// ProviderError is a failed call to one backend. It is retryable by
// moving on to the next eligible profile.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}
