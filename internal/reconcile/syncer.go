// Package reconcile merges the offline cache with the authoritative store once
// connectivity returns.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	engerrors "github.com/rcourtman/entitlementd/internal/errors"
	"github.com/rcourtman/entitlementd/internal/metrics"
	"github.com/rcourtman/entitlementd/internal/offline"
	"github.com/rcourtman/entitlementd/internal/store"
)

// Result summarises one reconciliation pass.
type Result struct {
	// Skipped is set when another pass was already running.
	Skipped    bool      `json:"skipped"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Removed    int       `json:"removed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Syncer drains the offline cache against the store. At most one pass runs
// at a time; overlapping triggers are coalesced.
type Syncer struct {
	entitlements store.EntitlementStore
	cache        *offline.Cache
	now          func() time.Time

	running atomic.Bool

	mu       sync.RWMutex
	lastSync time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(entitlements store.EntitlementStore, cache *offline.Cache) *Syncer {
	return &Syncer{
		entitlements: entitlements,
		cache:        cache,
		now:          time.Now,
	}
}

// SetClock overrides the time source.
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// LastSyncDate returns when the last pass finished, zero if none has.
func (s *Syncer) LastSyncDate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Run performs one pass. A pass requested while another runs returns
// immediately with Skipped set. Per-account failures are logged and counted;
// the pass continues.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		log.Debug().Msg("Reconciliation already running, coalescing")
		metrics.GetEngineMetrics().RecordReconcileSkipped()
		return Result{Skipped: true}, nil
	}
	defer s.running.Store(false)

	res := Result{StartedAt: s.now()}
	for _, entry := range s.cache.Entries() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s.syncOne(ctx, entry, &res)
	}
	res.FinishedAt = s.now()

	s.mu.Lock()
	s.lastSync = res.FinishedAt
	s.mu.Unlock()

	metrics.GetEngineMetrics().RecordReconcile(res.Synced, res.Failed, res.FinishedAt.Sub(res.StartedAt), res.FinishedAt)
	log.Info().
		Int("synced", res.Synced).
		Int("failed", res.Failed).
		Int("removed", res.Removed).
		Msg("Reconciliation completed")
	return res, nil
}

func (s *Syncer) syncOne(ctx context.Context, entry offline.Entry, res *Result) {
	accountID := entry.Entitlement.AccountID

	remote, err := s.entitlements.Fetch(ctx, accountID)
	if err != nil {
		if engerrors.IsNotFound(err) {
			if err := s.cache.Delete(ctx, accountID); err != nil {
				log.Warn().Err(err).Str("account", accountID).Msg("Failed to drop reconciled cache entry")
				res.Failed++
				return
			}
			res.Removed++
			return
		}
		log.Warn().Err(err).Str("account", accountID).Msg("Reconciliation fetch failed")
		res.Failed++
		return
	}

	// The reconciled entry keeps its CachedAt: it was not fraud screened.
	if err := s.cache.Replace(ctx, Resolve(entry.Entitlement, remote)); err != nil {
		log.Warn().Err(err).Str("account", accountID).Msg("Failed to write reconciled entry")
		res.Failed++
		return
	}
	res.Synced++
}

// Resolve merges a cached and a remote entitlement: remote wins on every
// field except LastValidatedAt, which keeps the later of the two.
func Resolve(cached, remote *entitlement.Entitlement) *entitlement.Entitlement {
	out := remote.Clone()
	if cached != nil && cached.LastValidatedAt.After(out.LastValidatedAt) {
		out.LastValidatedAt = cached.LastValidatedAt
	}
	return out
}

// Watch runs a pass every time states reports a transition to online, until
// ctx is done or states is closed.
func (s *Syncer) Watch(ctx context.Context, states <-chan bool) {
	online := false
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if state && !online {
				if _, err := s.Run(ctx); err != nil {
					log.Warn().Err(err).Msg("Reconciliation interrupted")
				}
			}
			online = state
		}
	}
}
