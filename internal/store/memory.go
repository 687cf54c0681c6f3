package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	engerrors "github.com/rcourtman/entitlementd/internal/errors"
)

// MemoryStore is an in-process store with the same semantics as SQLiteStore.
// Nothing survives a restart; it backs ephemeral deployments and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	entitlements map[string]*entitlement.Entitlement
	fraudEvents  []entitlement.FraudEvent
	auditLogs    []entitlement.AuditLog
	now          func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entitlements: make(map[string]*entitlement.Entitlement),
		now:          time.Now,
	}
}

// Entitlements returns the EntitlementStore view.
func (m *MemoryStore) Entitlements() EntitlementStore { return memEntitlements{m} }

// FraudEvents returns the FraudEventStore view.
func (m *MemoryStore) FraudEvents() FraudEventStore { return memFraudEvents{m} }

// AuditLogs returns the AuditLogStore view.
func (m *MemoryStore) AuditLogs() AuditLogStore { return memAuditLogs{m} }

type memEntitlements struct{ m *MemoryStore }

func (s memEntitlements) Fetch(_ context.Context, accountID string) (*entitlement.Entitlement, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	var latest *entitlement.Entitlement
	for _, e := range s.m.entitlements {
		if e.AccountID != accountID {
			continue
		}
		if latest == nil || e.PurchasedAt.After(latest.PurchasedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("entitlement for account %q: %w", accountID, engerrors.ErrNotFound)
	}
	return latest.Clone(), nil
}

func (s memEntitlements) Create(_ context.Context, e *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	rec := e.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Version = 1

	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, exists := s.m.entitlements[rec.ID]; exists {
		return nil, fmt.Errorf("entitlement %q: %w", rec.ID, engerrors.ErrConflict)
	}
	s.m.entitlements[rec.ID] = rec
	return rec.Clone(), nil
}

func (s memEntitlements) Update(_ context.Context, e *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	current, ok := s.m.entitlements[e.ID]
	if !ok {
		return nil, fmt.Errorf("entitlement %q: %w", e.ID, engerrors.ErrNotFound)
	}
	if current.Version != e.Version {
		return nil, fmt.Errorf("entitlement %q at version %d: %w", e.ID, e.Version, engerrors.ErrConflict)
	}
	rec := e.Clone()
	rec.AccountID = current.AccountID
	rec.Version = current.Version + 1
	s.m.entitlements[rec.ID] = rec
	return rec.Clone(), nil
}

func (s memEntitlements) FindByTransactionID(_ context.Context, txnID string) ([]*entitlement.Entitlement, error) {
	return s.m.findByTransactionID(txnID), nil
}

func (s memEntitlements) List(_ context.Context, q Query) ([]*entitlement.Entitlement, error) {
	s.m.mu.RLock()
	var out []*entitlement.Entitlement
	for _, e := range s.m.entitlements {
		if q.ActiveOnly && !e.IsActive {
			continue
		}
		if q.InGrace && e.GracePeriodExpiresAt == nil {
			continue
		}
		if q.ExpiredBefore != nil && e.ExpiresAt.After(*q.ExpiredBefore) {
			continue
		}
		if q.AutoRenew && !e.AutoRenew {
			continue
		}
		out = append(out, e.Clone())
	}
	s.m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) findByTransactionID(txnID string) []*entitlement.Entitlement {
	if txnID == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*entitlement.Entitlement
	for _, e := range m.entitlements {
		if e.TransactionID == txnID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchasedAt.Before(out[j].PurchasedAt) })
	return out
}

type memFraudEvents struct{ m *MemoryStore }

func (s memFraudEvents) Create(_ context.Context, ev *entitlement.FraudEvent) error {
	if ev == nil {
		return fmt.Errorf("fraud event is nil")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.fraudEvents = append(s.m.fraudEvents, *ev)
	return nil
}

func (s memFraudEvents) FetchSince(_ context.Context, accountID string, since time.Time) ([]entitlement.FraudEvent, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	var out []entitlement.FraudEvent
	for _, ev := range s.m.fraudEvents {
		if ev.AccountID == accountID && !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s memFraudEvents) FindByTransactionID(_ context.Context, txnID string) ([]*entitlement.Entitlement, error) {
	return s.m.findByTransactionID(txnID), nil
}

type memAuditLogs struct{ m *MemoryStore }

func (s memAuditLogs) Create(_ context.Context, rec *entitlement.AuditLog) error {
	if rec == nil {
		return fmt.Errorf("audit record is nil")
	}
	if rec.AccountID == "" {
		return fmt.Errorf("audit record: account id is required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.m.now()
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.auditLogs = append(s.m.auditLogs, *rec)
	return nil
}

func (s memAuditLogs) FetchSince(_ context.Context, accountID string, since time.Time, limit int) ([]entitlement.AuditLog, error) {
	s.m.mu.RLock()
	var out []entitlement.AuditLog
	for _, rec := range s.m.auditLogs {
		if rec.AccountID == accountID && !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	s.m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
