package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend executes a completion against one profile's API.
type Backend interface {
	Complete(ctx context.Context, p Profile, req Request) (string, error)
}

// Router picks backends under quota and priority constraints.
//
// Selection is load-balancing, not failover: among eligible profiles it
// keeps only the highest priority tier and picks uniformly at random
// within it. Callers that want failover iterate Eligible instead.
type Router struct {
	store    ProfileStore
	backends map[string]Backend
	rdb      *redis.Client // optional, per-provider RPM accounting
}

// NewRouter creates a router over a profile store. rdb may be nil; RPM
// accounting is then skipped.
func NewRouter(store ProfileStore, rdb *redis.Client) *Router {
	return &Router{
		store: store,
		backends: map[string]Backend{
			"openai":    &OpenAIBackend{},
			"anthropic": &AnthropicBackend{},
		},
		rdb: rdb,
	}
}

// refresh loads active profiles and applies lazy quota resets: any
// profile whose reset stamp differs from the current date gets its
// counter zeroed before eligibility is judged.
func (r *Router) refresh(ctx context.Context) ([]Profile, error) {
	profiles, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load provider profiles: %w", err)
	}

	now := time.Now()
	today := now.Format("2006-01-02")
	month := now.Format("2006-01")

	for i := range profiles {
		p := &profiles[i]
		if p.LastDailyReset != today {
			if err := r.store.ResetDaily(ctx, p.ID, today); err != nil {
				return nil, err
			}
			p.DailyUsed = 0
			p.LastDailyReset = today
		}
		if p.LastMonthlyReset != month {
			if err := r.store.ResetMonthly(ctx, p.ID, month); err != nil {
				return nil, err
			}
			p.MonthlyUsed = 0
			p.LastMonthlyReset = month
		}
	}
	return profiles, nil
}

// Pick returns one profile: the highest-priority tier with quota
// headroom, chosen uniformly at random within the tier so equal
// providers share load instead of the first in list order taking all.
func (r *Router) Pick(ctx context.Context) (*Profile, error) {
	profiles, err := r.refresh(ctx)
	if err != nil {
		return nil, err
	}

	var eligible []Profile
	for _, p := range profiles {
		if p.Eligible() {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoProvider
	}

	maxPriority := eligible[0].Priority
	for _, p := range eligible[1:] {
		if p.Priority > maxPriority {
			maxPriority = p.Priority
		}
	}

	var top []Profile
	for _, p := range eligible {
		if p.Priority == maxPriority {
			top = append(top, p)
		}
	}

	chosen := top[rand.Intn(len(top))]
	return &chosen, nil
}

// Eligible returns every profile with quota headroom, ordered by
// descending priority with ties shuffled, for failover loops.
func (r *Router) Eligible(ctx context.Context) ([]Profile, error) {
	profiles, err := r.refresh(ctx)
	if err != nil {
		return nil, err
	}

	var eligible []Profile
	for _, p := range profiles {
		if p.Eligible() {
			eligible = append(eligible, p)
		}
	}
	rand.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority > eligible[j].Priority
	})
	return eligible, nil
}

// Complete runs one request against a profile's backend. On success it
// increments the profile's usage counters and the per-provider RPM
// counter, and strips any reasoning block from the output.
func (r *Router) Complete(ctx context.Context, p Profile, req Request) (string, error) {
	backend, ok := r.backends[p.Kind]
	if !ok {
		return "", &ProviderError{Provider: p.Name, Message: fmt.Sprintf("unknown provider kind %q", p.Kind)}
	}

	text, err := backend.Complete(ctx, p, req)
	if err != nil {
		return "", err
	}

	if err := r.store.IncrementUsage(ctx, p.ID); err != nil {
		slog.Warn("usage increment failed", "provider", p.Name, "error", err)
	}
	r.countRequest(ctx, p.Name)

	return StripThink(text), nil
}

// countRequest bumps a best-effort requests-per-minute counter in
// Redis. Failures are logged and ignored.
func (r *Router) countRequest(ctx context.Context, name string) {
	if r.rdb == nil {
		return
	}
	key := fmt.Sprintf("provider:rpm:%s:%d", name, time.Now().Unix()/60)
	pipe := r.rdb.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("rpm counter update failed", "provider", name, "error", err)
	}
}

// RequestsThisMinute reads the current RPM counter for a provider.
// Returns 0 when Redis is absent or the key is missing.
func (r *Router) RequestsThisMinute(ctx context.Context, name string) int64 {
	if r.rdb == nil {
		return 0
	}
	key := fmt.Sprintf("provider:rpm:%s:%d", name, time.Now().Unix()/60)
	n, err := r.rdb.Get(ctx, key).Int64()
	if err != nil {
		return 0
	}
	return n
}
