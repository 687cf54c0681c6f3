package fraud

import (
	"sync"
	"time"
)

// Default anomalous-usage window.
const (
	DefaultUsageLimit  = 60
	DefaultUsageWindow = time.Hour
)

type usageBucket struct {
	// timestamps holds validation times in Unix ms, newest last.
	timestamps []int64
	// flaggedAt is when the bucket last exceeded its limit, 0 if never.
	flaggedAt int64
}

// UsageCounter is an in-memory sliding-window counter of validation round
// trips per account.
type UsageCounter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*usageBucket
	now     func() time.Time
}

// NewUsageCounter creates a counter allowing limit round trips per window.
func NewUsageCounter(limit int, window time.Duration) *UsageCounter {
	if limit <= 0 {
		limit = DefaultUsageLimit
	}
	if window <= 0 {
		window = DefaultUsageWindow
	}
	return &UsageCounter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*usageBucket),
		now:     time.Now,
	}
}

// Record counts one round trip for accountID and reports whether the account
// just crossed its limit. It reports true at most once per window.
func (u *UsageCounter) Record(accountID string) bool {
	if u == nil || accountID == "" {
		return false
	}

	nowMs := u.now().UnixMilli()
	windowStart := nowMs - u.window.Milliseconds()

	u.mu.Lock()
	defer u.mu.Unlock()

	b, ok := u.buckets[accountID]
	if !ok {
		b = &usageBucket{}
		u.buckets[accountID] = b
	}

	// Prune timestamps outside the window.
	ts := b.timestamps
	pruneIdx := 0
	for pruneIdx < len(ts) && ts[pruneIdx] < windowStart {
		pruneIdx++
	}
	ts = append(ts[pruneIdx:], nowMs)
	b.timestamps = ts

	if len(ts) <= u.limit {
		return false
	}
	if b.flaggedAt != 0 && b.flaggedAt >= windowStart {
		return false
	}
	b.flaggedAt = nowMs
	return true
}

// Count returns the round trips recorded for accountID inside the window.
func (u *UsageCounter) Count(accountID string) int {
	windowStart := u.now().UnixMilli() - u.window.Milliseconds()

	u.mu.Lock()
	defer u.mu.Unlock()

	b, ok := u.buckets[accountID]
	if !ok {
		return 0
	}
	n := 0
	for _, ts := range b.timestamps {
		if ts >= windowStart {
			n++
		}
	}
	return n
}

// Prune drops buckets with no activity inside the window.
func (u *UsageCounter) Prune() {
	windowStart := u.now().UnixMilli() - u.window.Milliseconds()

	u.mu.Lock()
	defer u.mu.Unlock()

	for key, b := range u.buckets {
		if len(b.timestamps) == 0 || b.timestamps[len(b.timestamps)-1] < windowStart {
			delete(u.buckets, key)
		}
	}
}
