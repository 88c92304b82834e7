package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistryPerProviderIsolation(t *testing.T) {
	r := NewRegistry(1000, 1)
	assert.True(t, r.Allow("embed"))
	// A different provider has its own bucket and is unaffected by embed's use.
	assert.True(t, r.Allow("rerank"))
}

func TestRegistryWaitRespectsContext(t *testing.T) {
	r := NewRegistry(0.001, 1)
	// Drain the single token so the next one is ~1000s away, well past
	// the context deadline.
	assert.True(t, r.Allow("slow-provider"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Wait(ctx, "slow-provider")
	assert.Error(t, err)
}
