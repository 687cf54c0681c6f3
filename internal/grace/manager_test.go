package grace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	"github.com/rcourtman/entitlementd/internal/notify"
	"github.com/rcourtman/entitlementd/internal/store"
)

type recordingNotifier struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{scheduled: make(map[string]time.Time)}
}

func (r *recordingNotifier) Schedule(id string, at time.Time, _ notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled[id] = at
}

func (r *recordingNotifier) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scheduled, id)
	r.cancelled = append(r.cancelled, id)
}

// failingUpdates rejects every Update.
type failingUpdates struct {
	store.EntitlementStore
}

func (failingUpdates) Update(context.Context, *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	return nil, errors.New("connection reset by peer")
}

func newTestManager(t *testing.T, now time.Time) (*Manager, *store.MemoryStore, *recordingNotifier) {
	t.Helper()
	mem := store.NewMemoryStore()
	n := newRecordingNotifier()
	m := NewManager(mem.Entitlements(), mem.AuditLogs(), n)
	m.SetClock(func() time.Time { return now })
	return m, mem, n
}

func seed(t *testing.T, mem *store.MemoryStore, ent *entitlement.Entitlement) *entitlement.Entitlement {
	t.Helper()
	created, err := mem.Entitlements().Create(context.Background(), ent)
	require.NoError(t, err)
	return created
}

func TestManagerReconcile_StartsGrace(t *testing.T) {
	m, mem, n := newTestManager(t, t0)
	ent := seed(t, mem, lapsed())

	got, err := m.Reconcile(context.Background(), ent)
	require.NoError(t, err)
	require.NotNil(t, got.GracePeriodExpiresAt)
	assert.Equal(t, int64(2), got.Version)

	stored, err := mem.Entitlements().Fetch(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.NotNil(t, stored.GracePeriodExpiresAt)

	audit, err := mem.AuditLogs().FetchSince(context.Background(), "acct-1", t0.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, entitlement.AuditGraceStarted, audit[0].EventType)

	end := t0.Add(BillingGracePeriod)
	assert.Equal(t, end.Add(-3*24*time.Hour), n.scheduled[ReminderID("acct-1", "3d")])
	assert.Equal(t, end.Add(-24*time.Hour), n.scheduled[ReminderID("acct-1", "1d")])
}

func TestManagerReconcile_NoTransition(t *testing.T) {
	m, mem, n := newTestManager(t, t0)
	current := lapsed()
	current.ExpiresAt = t0.Add(24 * time.Hour)
	ent := seed(t, mem, current)

	got, err := m.Reconcile(context.Background(), ent)
	require.NoError(t, err)
	assert.Same(t, ent, got)
	assert.Empty(t, n.scheduled)
}

func TestManagerReconcile_StoreFailureSkipsAudit(t *testing.T) {
	mem := store.NewMemoryStore()
	ent := seed(t, mem, lapsed())
	n := newRecordingNotifier()
	m := NewManager(failingUpdates{mem.Entitlements()}, mem.AuditLogs(), n)
	m.SetClock(func() time.Time { return t0 })

	_, err := m.Reconcile(context.Background(), ent)
	require.Error(t, err)

	audit, err := mem.AuditLogs().FetchSince(context.Background(), "acct-1", t0.Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, audit)
	assert.Empty(t, n.scheduled)
}

func TestManagerResolveBillingRetry(t *testing.T) {
	m, mem, n := newTestManager(t, t0)
	ent := seed(t, mem, lapsed())
	_, err := m.Reconcile(context.Background(), ent)
	require.NoError(t, err)

	renewed := t0.Add(31 * 24 * time.Hour)
	got, err := m.ResolveBillingRetry(context.Background(), "acct-1", renewed)
	require.NoError(t, err)
	assert.Nil(t, got.GracePeriodExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(renewed))
	assert.True(t, got.HasActiveAccess(t0))
	assert.Empty(t, n.scheduled, "reminders cancelled")
	assert.Contains(t, n.cancelled, ReminderID("acct-1", "1d"))

	_, err = m.ResolveBillingRetry(context.Background(), "acct-1", renewed)
	assert.Error(t, err)
}

func TestManagerRevoke(t *testing.T) {
	m, mem, _ := newTestManager(t, t0)
	seed(t, mem, lapsed())

	got, err := m.Revoke(context.Background(), "acct-1", "chargeback")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.True(t, got.IsRevoked())

	_, err = m.Revoke(context.Background(), "missing", "")
	assert.Error(t, err)
}

func TestManagerSweep(t *testing.T) {
	now := t0
	m, mem, _ := newTestManager(t, now)

	seed(t, mem, lapsed())

	elapsed := lapsed()
	elapsed.AccountID = "acct-2"
	elapsed.ID = "ent-2"
	elapsed.ExpiresAt = t0.Add(-20 * 24 * time.Hour)
	graceEnd := t0.Add(-time.Hour)
	elapsed.GracePeriodExpiresAt = &graceEnd
	seed(t, mem, elapsed)

	current := lapsed()
	current.AccountID = "acct-3"
	current.ID = "ent-3"
	current.ExpiresAt = t0.Add(24 * time.Hour)
	seed(t, mem, current)

	manual := lapsed()
	manual.AccountID = "acct-4"
	manual.ID = "ent-4"
	manual.AutoRenew = false
	seed(t, mem, manual)

	applied, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	started, err := mem.Entitlements().Fetch(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.NotNil(t, started.GracePeriodExpiresAt)

	expired, err := mem.Entitlements().Fetch(context.Background(), "acct-2")
	require.NoError(t, err)
	assert.False(t, expired.IsActive)

	untouched, err := mem.Entitlements().Fetch(context.Background(), "acct-4")
	require.NoError(t, err)
	assert.True(t, untouched.IsActive)
	assert.Equal(t, int64(1), untouched.Version)
}

func TestManagerSweep_SkipsSupersededEntitlement(t *testing.T) {
	m, mem, n := newTestManager(t, t0)

	old := seed(t, mem, lapsed())

	renewed := lapsed()
	renewed.ID = "ent-renewed"
	renewed.Tier = entitlement.TierFamily
	renewed.PurchasedAt = t0.Add(-2 * 24 * time.Hour)
	renewed.ExpiresAt = t0.Add(28 * 24 * time.Hour)
	seed(t, mem, renewed)

	applied, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Empty(t, n.scheduled)

	audit, err := mem.AuditLogs().FetchSince(context.Background(), "acct-1", t0.Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, audit)

	stale, err := mem.Entitlements().List(context.Background(), store.Query{ActiveOnly: true, ExpiredBefore: &t0})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
	assert.Nil(t, stale[0].GracePeriodExpiresAt)
	assert.Equal(t, old.Version, stale[0].Version)
}
