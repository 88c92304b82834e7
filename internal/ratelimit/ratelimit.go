// Package ratelimit implements the per-provider token-bucket rate limiter
// named in spec §5 ("Shared-resource policy... per-provider rate limiter,
// refilled at the provider's documented limits"). It is a single shared
// instance per process, guarded by one mutex — spec §9 explicitly accepts
// "a single contention point... at the planned QPS" rather than a
// lock-free or sharded design.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Registry holds one token bucket per provider name (e.g.
// "contextual-embedder", "cross-encoder-rerank", "synthesis-llm").
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewRegistry builds a Registry whose buckets all refill at rps tokens/sec
// with the given burst. The binaries build one Registry from the embedding
// provider limits and a separate one from the LLM provider limits.
func NewRegistry(rps float64, burst int) *Registry {
	return &Registry{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (r *Registry) limiterFor(provider string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[provider]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rps), r.burst)
		r.limiters[provider] = l
	}
	return l
}

// Wait blocks until a token is available for provider or ctx is done. This is
// the suspension point the Embedding Gateway and the LLM client check before
// every outbound call (spec §5, "every external call is a suspension point").
func (r *Registry) Wait(ctx context.Context, provider string) error {
	return r.limiterFor(provider).Wait(ctx)
}

// Allow reports whether provider currently has a token available, without
// blocking. Used by tests.
func (r *Registry) Allow(provider string) bool {
	return r.limiterFor(provider).Allow()
}
