package ratelimit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowPerKey(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 2})

	assert.True(t, l.Allow("conn-1"))
	assert.True(t, l.Allow("conn-1"))
	assert.False(t, l.Allow("conn-1"), "burst exhausted")
	assert.True(t, l.Allow("conn-2"), "keys are independent")
	assert.True(t, l.Allow("conn-2"))

	l.Forget("conn-1")
	assert.False(t, l.Allow("conn-2"), "forgetting one key leaves others alone")
	assert.True(t, l.Allow("conn-1"), "forgotten key starts with a full bucket")
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("k"))
	}
}

func TestLimiterConcurrentKeysShareNoTokens(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, allowed)
}
