package fraud

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUsageCounterFlagsOncePerWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	u := NewUsageCounter(3, time.Hour)
	u.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.False(t, u.Record("acct"), "call %d is within the limit", i+1)
	}
	assert.True(t, u.Record("acct"))
	assert.False(t, u.Record("acct"), "already flagged in this window")
	assert.Equal(t, 5, u.Count("acct"))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 0, u.Count("acct"))
	for i := 0; i < 3; i++ {
		assert.False(t, u.Record("acct"))
	}
	assert.True(t, u.Record("acct"), "a new window flags again")
}

func TestUsageCounterDefaultsAndNil(t *testing.T) {
	u := NewUsageCounter(0, 0)
	assert.Equal(t, DefaultUsageLimit, u.limit)
	assert.Equal(t, DefaultUsageWindow, u.window)

	var nilCounter *UsageCounter
	assert.False(t, nilCounter.Record("acct"))
	assert.False(t, u.Record(""))
}

func TestUsageCounterPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	u := NewUsageCounter(10, time.Hour)
	u.now = func() time.Time { return now }

	u.Record("stale")
	now = now.Add(30 * time.Minute)
	u.Record("fresh")
	now = now.Add(45 * time.Minute)

	u.Prune()

	u.mu.Lock()
	defer u.mu.Unlock()
	_, staleKept := u.buckets["stale"]
	_, freshKept := u.buckets["fresh"]
	assert.False(t, staleKept)
	assert.True(t, freshKept)
}
