// Package offline holds the device-local entitlement cache and the
// offline-trust window that bounds how long a cached entitlement is honoured
// without a successful server round trip.
package offline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlementd/internal/entitlement"
)

// DefaultWindow is the offline-trust window.
const DefaultWindow = 7 * 24 * time.Hour

// Entry is one cached entitlement snapshot.
type Entry struct {
	Entitlement *entitlement.Entitlement `json:"entitlement"`
	// CachedAt is the time of the last verified server contact.
	CachedAt time.Time `json:"cached_at"`
	// OfflineGracePeriodStart is set while the account is served from cache
	// after a failed round trip.
	OfflineGracePeriodStart *time.Time `json:"offline_grace_period_start,omitempty"`
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	c := e
	c.Entitlement = e.Entitlement.Clone()
	if e.OfflineGracePeriodStart != nil {
		t := *e.OfflineGracePeriodStart
		c.OfflineGracePeriodStart = &t
	}
	return c
}

// Age returns how long ago the entry was verified.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// Backend persists cache entries. Implementations must be safe for
// concurrent use.
type Backend interface {
	Load(ctx context.Context) (map[string]Entry, error)
	Save(ctx context.Context, accountID string, e Entry) error
	Delete(ctx context.Context, accountID string) error
	Close() error
}

// Cache is the in-memory view over a Backend. Every mutation is written to the
// backend first and applied in memory only when that write succeeds.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	backend Backend
	window  time.Duration
}

// NewCache loads existing entries from backend. A nil backend keeps entries in
// memory only.
func NewCache(ctx context.Context, backend Backend, window time.Duration) (*Cache, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	c := &Cache{
		entries: make(map[string]Entry),
		backend: backend,
		window:  window,
	}
	if backend == nil {
		return c, nil
	}

	loaded, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load offline cache: %w", err)
	}
	for account, e := range loaded {
		if e.Entitlement == nil {
			log.Warn().Str("account", account).Msg("Dropping offline cache entry without entitlement")
			continue
		}
		c.entries[account] = e
	}
	log.Debug().Int("entries", len(c.entries)).Msg("Offline cache loaded")
	return c, nil
}

// Window returns the offline-trust window.
func (c *Cache) Window() time.Duration {
	return c.window
}

// Get returns a copy of the account's entry.
func (c *Cache) Get(accountID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[accountID]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// Put replaces the account's entry with a freshly verified snapshot and clears
// any offline window.
func (c *Cache) Put(ctx context.Context, ent *entitlement.Entitlement, verifiedAt time.Time) error {
	if ent == nil || ent.AccountID == "" {
		return fmt.Errorf("offline cache: entitlement with account id is required")
	}
	return c.write(ctx, ent.AccountID, Entry{
		Entitlement: ent.Clone(),
		CachedAt:    verifiedAt,
	})
}

// Replace swaps the account's cached entitlement and clears any offline
// window. CachedAt is kept: only a fraud-screened round trip refreshes it.
// Missing entries are ignored.
func (c *Cache) Replace(ctx context.Context, ent *entitlement.Entitlement) error {
	if ent == nil || ent.AccountID == "" {
		return fmt.Errorf("offline cache: entitlement with account id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ent.AccountID]
	if !ok {
		return nil
	}
	return c.saveLocked(ctx, ent.AccountID, Entry{
		Entitlement: ent.Clone(),
		CachedAt:    e.CachedAt,
	})
}

// StartOfflineWindow marks the account as served from cache starting at start.
// An already running window is kept. The resulting entry is returned.
func (c *Cache) StartOfflineWindow(ctx context.Context, accountID string, start time.Time) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[accountID]
	if !ok {
		return Entry{}, fmt.Errorf("offline cache: no entry for account %q", accountID)
	}
	if e.OfflineGracePeriodStart != nil {
		return e.Clone(), nil
	}

	next := e.Clone()
	next.OfflineGracePeriodStart = &start
	if err := c.saveLocked(ctx, accountID, next); err != nil {
		return Entry{}, err
	}
	log.Info().
		Str("account", accountID).
		Time("windowStart", start).
		Msg("Offline trust window started")
	return next.Clone(), nil
}

// ClearOfflineWindow clears the account's offline window. Missing entries are ignored.
func (c *Cache) ClearOfflineWindow(ctx context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[accountID]
	if !ok || e.OfflineGracePeriodStart == nil {
		return nil
	}
	next := e.Clone()
	next.OfflineGracePeriodStart = nil
	return c.saveLocked(ctx, accountID, next)
}

// DaysRemainingInOfflineWindow returns the whole days of offline trust left
// for the account at now. Accounts without a running window report the full
// window; accounts without an entry report 0.
func (c *Cache) DaysRemainingInOfflineWindow(accountID string, now time.Time) int {
	c.mu.RLock()
	e, ok := c.entries[accountID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return DaysRemaining(e, now, c.window)
}

// Delete removes the account's entry.
func (c *Cache) Delete(ctx context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[accountID]; !ok {
		return nil
	}
	if c.backend != nil {
		if err := c.backend.Delete(ctx, accountID); err != nil {
			return fmt.Errorf("delete offline cache entry: %w", err)
		}
	}
	delete(c.entries, accountID)
	return nil
}

// Entries returns a snapshot of every entry ordered by account.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Entitlement.AccountID < out[j].Entitlement.AccountID
	})
	return out
}

// Len returns the number of cached accounts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close closes the backend.
func (c *Cache) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

func (c *Cache) write(ctx context.Context, accountID string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(ctx, accountID, e)
}

func (c *Cache) saveLocked(ctx context.Context, accountID string, e Entry) error {
	if c.backend != nil {
		if err := c.backend.Save(ctx, accountID, e); err != nil {
			return fmt.Errorf("save offline cache entry: %w", err)
		}
	}
	c.entries[accountID] = e
	return nil
}

// DaysRemaining returns ceil((windowStart + window - now) / 24h), floored at
// 0. An entry with no window started reports the full window.
func DaysRemaining(e Entry, now time.Time, window time.Duration) int {
	if e.OfflineGracePeriodStart == nil {
		return ceilDays(window)
	}
	return ceilDays(e.OfflineGracePeriodStart.Add(window).Sub(now))
}

func ceilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	const day = 24 * time.Hour
	days := int(d / day)
	if d%day != 0 {
		days++
	}
	return days
}
