package grace

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	"github.com/rcourtman/entitlementd/internal/metrics"
	"github.com/rcourtman/entitlementd/internal/notify"
	"github.com/rcourtman/entitlementd/internal/store"
)

// Reminder offsets before the grace period ends.
var reminderOffsets = []struct {
	label  string
	before time.Duration
}{
	{label: "3d", before: 3 * 24 * time.Hour},
	{label: "1d", before: 24 * time.Hour},
}

// Notifier schedules and cancels reminder messages.
type Notifier interface {
	Schedule(id string, at time.Time, msg notify.Message)
	Cancel(id string)
}

// Manager applies grace transitions: the store write happens first, then the
// audit record, then reminder scheduling.
type Manager struct {
	entitlements store.EntitlementStore
	audit        store.AuditLogStore
	notifier     Notifier
	now          func() time.Time
}

// NewManager creates a grace manager. notifier may be nil.
func NewManager(entitlements store.EntitlementStore, audit store.AuditLogStore, notifier Notifier) *Manager {
	return &Manager{
		entitlements: entitlements,
		audit:        audit,
		notifier:     notifier,
		now:          time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Reconcile applies any transition ent is due for and returns the stored
// result. Entitlements needing no transition are returned unchanged.
func (m *Manager) Reconcile(ctx context.Context, ent *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	t, err := Evaluate(ent, m.now())
	if err != nil {
		return nil, err
	}
	if t == nil {
		return ent, nil
	}
	return m.apply(ctx, *t)
}

// ResolveBillingRetry closes the account's grace period after a successful
// renewal through renewedUntil.
func (m *Manager) ResolveBillingRetry(ctx context.Context, accountID string, renewedUntil time.Time) (*entitlement.Entitlement, error) {
	ent, err := m.entitlements.Fetch(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("fetch entitlement: %w", err)
	}
	t, err := Resolve(ent, renewedUntil, m.now())
	if err != nil {
		return nil, err
	}
	return m.apply(ctx, t)
}

// Revoke deactivates the account's entitlement.
func (m *Manager) Revoke(ctx context.Context, accountID, reason string) (*entitlement.Entitlement, error) {
	ent, err := m.entitlements.Fetch(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("fetch entitlement: %w", err)
	}
	t, err := Revoke(ent, reason, m.now())
	if err != nil {
		return nil, err
	}
	return m.apply(ctx, t)
}

// Sweep evaluates every active, expired entitlement and applies due
// transitions. Only the account's current entitlement (the one Fetch returns)
// is evaluated; records superseded by a later purchase are skipped. It returns
// the number applied; per-account failures are logged.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	due, err := m.entitlements.List(ctx, store.Query{ActiveOnly: true, ExpiredBefore: &now})
	if err != nil {
		return 0, fmt.Errorf("list entitlements due for grace evaluation: %w", err)
	}

	applied := 0
	for _, listed := range due {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		ent, err := m.entitlements.Fetch(ctx, listed.AccountID)
		if err != nil {
			log.Warn().Err(err).Str("account", listed.AccountID).Msg("Failed to fetch current entitlement for grace evaluation")
			continue
		}
		if ent.ID != listed.ID {
			log.Debug().
				Str("account", listed.AccountID).
				Str("entitlement", listed.ID).
				Str("current", ent.ID).
				Msg("Skipping superseded entitlement")
			continue
		}
		t, err := Evaluate(ent, now)
		if err != nil {
			log.Warn().Err(err).Str("account", ent.AccountID).Msg("Grace evaluation failed")
			continue
		}
		if t == nil {
			continue
		}
		if _, err := m.apply(ctx, *t); err != nil {
			log.Warn().Err(err).Str("account", ent.AccountID).Msg("Failed to apply grace transition")
			continue
		}
		applied++
	}

	if applied > 0 {
		log.Info().Int("applied", applied).Int("evaluated", len(due)).Msg("Grace sweep completed")
	}
	return applied, nil
}

func (m *Manager) apply(ctx context.Context, t Transition) (*entitlement.Entitlement, error) {
	stored, err := m.entitlements.Update(ctx, t.Entitlement)
	if err != nil {
		return nil, fmt.Errorf("persist grace transition: %w", err)
	}

	audit := t.Audit
	if m.audit != nil {
		if err := m.audit.Create(ctx, &audit); err != nil {
			log.Warn().Err(err).Str("account", stored.AccountID).Str("event", string(audit.EventType)).Msg("Failed to write grace audit record")
		}
	}

	m.updateReminders(stored, t.Kind)
	metrics.GetEngineMetrics().RecordGraceTransition(t.Kind)

	log.Info().
		Str("account", stored.AccountID).
		Str("transition", t.Kind).
		Str("reason", audit.Reason).
		Msg("Grace period transition applied")
	return stored, nil
}

func (m *Manager) updateReminders(ent *entitlement.Entitlement, kind string) {
	if m.notifier == nil {
		return
	}
	for _, r := range reminderOffsets {
		id := ReminderID(ent.AccountID, r.label)
		if kind != "started" || ent.GracePeriodExpiresAt == nil {
			m.notifier.Cancel(id)
			continue
		}
		m.notifier.Schedule(id, ent.GracePeriodExpiresAt.Add(-r.before), notify.Message{
			AccountID: ent.AccountID,
			Kind:      "grace_reminder",
			Title:     "Update your payment method",
			Body:      fmt.Sprintf("Your subscription access ends in %s unless billing succeeds.", r.label),
		})
	}
}

// ReminderID returns the notification id for an account's grace reminder.
func ReminderID(accountID, offset string) string {
	return "grace:" + accountID + ":" + offset
}
