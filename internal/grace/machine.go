// Package grace implements the billing-retry grace period: a pure state
// machine and a Manager that applies its transitions through the store.
package grace

import (
	"fmt"
	"time"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	engerrors "github.com/rcourtman/entitlementd/internal/errors"
)

// BillingGracePeriod is how long access is preserved after a failed renewal.
const BillingGracePeriod = 16 * 24 * time.Hour

// State is a billing grace state.
type State string

const (
	StateNotInGrace State = "not_in_grace"
	StateActive     State = "active"
	StateResolved   State = "resolved"
	StateExpired    State = "expired"
)

// Grace end reasons recorded in audit records and metadata.
const (
	ReasonBillingRetry     = "billing_retry"
	ReasonBillingResolved  = "billing_resolved"
	ReasonExpired          = "expired"
	ReasonManualRevocation = "manual_revocation"
)

// Status is the grace view of an entitlement at a point in time.
type Status struct {
	State         State      `json:"state"`
	DaysRemaining int        `json:"days_remaining"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
}

// Transition is the result of a state change: the entitlement to persist and
// the audit record describing it.
type Transition struct {
	Entitlement *entitlement.Entitlement
	Audit       entitlement.AuditLog
	// Kind is started, resolved, expired or revoked.
	Kind string
}

// Eligible reports whether a billing grace period may start: the paid period
// has ended but the entitlement is still active, auto-renewing and not revoked.
func Eligible(ent *entitlement.Entitlement, now time.Time) bool {
	return ent.IsActive &&
		ent.IsExpired(now) &&
		ent.AutoRenew &&
		!ent.IsRevoked() &&
		!ent.InGracePeriod()
}

// Start opens a grace period ending BillingGracePeriod after now.
func Start(ent *entitlement.Entitlement, now time.Time) (Transition, error) {
	if ent.InGracePeriod() {
		return Transition{}, engerrors.WrapMisuse("start grace period", ent.AccountID, engerrors.ErrGracePeriodAlreadyActive)
	}
	if !Eligible(ent, now) {
		return Transition{}, engerrors.WrapMisuse("start grace period", ent.AccountID, engerrors.ErrNotEligibleForGrace)
	}

	next := ent.Clone()
	end := now.Add(BillingGracePeriod)
	next.GracePeriodExpiresAt = &end
	delete(next.Metadata, entitlement.MetaGraceReason)

	return Transition{
		Entitlement: next,
		Kind:        "started",
		Audit: auditDraft(next, entitlement.AuditGraceStarted, ReasonBillingRetry, now, map[string]string{
			"grace_period_expires_at": end.UTC().Format(time.RFC3339),
			"days_remaining":          fmt.Sprintf("%d", DaysRemaining(next, now)),
		}),
	}, nil
}

// Resolve closes a grace period after a successful billing retry. Access stays
// active and the expiration moves to renewedUntil.
func Resolve(ent *entitlement.Entitlement, renewedUntil, now time.Time) (Transition, error) {
	if !ent.InGracePeriod() {
		return Transition{}, engerrors.WrapMisuse("resolve grace period", ent.AccountID, engerrors.ErrNoActiveGracePeriod)
	}
	if !renewedUntil.After(now) {
		return Transition{}, engerrors.WrapMisuse("resolve grace period", ent.AccountID,
			fmt.Errorf("%w: renewed-until %s is not in the future", engerrors.ErrInvalidInput, renewedUntil.UTC().Format(time.RFC3339)))
	}

	next := ent.Clone()
	next.GracePeriodExpiresAt = nil
	next.IsActive = true
	next.ExpiresAt = renewedUntil
	next.SetMeta(entitlement.MetaGraceReason, ReasonBillingResolved)

	return Transition{
		Entitlement: next,
		Kind:        "resolved",
		Audit: auditDraft(next, entitlement.AuditGraceEnded, ReasonBillingResolved, now, map[string]string{
			"expires_at": renewedUntil.UTC().Format(time.RFC3339),
		}),
	}, nil
}

// Expire ends an elapsed grace period and deactivates the entitlement.
func Expire(ent *entitlement.Entitlement, now time.Time) (Transition, error) {
	if !ent.InGracePeriod() {
		return Transition{}, engerrors.WrapMisuse("expire grace period", ent.AccountID, engerrors.ErrNoActiveGracePeriod)
	}
	if now.Before(*ent.GracePeriodExpiresAt) {
		return Transition{}, engerrors.WrapMisuse("expire grace period", ent.AccountID, engerrors.ErrGracePeriodNotElapsed)
	}

	next := ent.Clone()
	next.GracePeriodExpiresAt = nil
	next.IsActive = false
	next.SetMeta(entitlement.MetaGraceReason, ReasonExpired)

	return Transition{
		Entitlement: next,
		Kind:        "expired",
		Audit:       auditDraft(next, entitlement.AuditGraceEnded, ReasonExpired, now, nil),
	}, nil
}

// Revoke deactivates an entitlement by admin action. A running grace period
// ends with manual_revocation.
func Revoke(ent *entitlement.Entitlement, reason string, now time.Time) (Transition, error) {
	if ent.IsRevoked() {
		return Transition{}, engerrors.WrapMisuse("revoke entitlement", ent.AccountID, engerrors.ErrEntitlementAlreadyRevoked)
	}
	if reason == "" {
		reason = ReasonManualRevocation
	}

	wasInGrace := ent.InGracePeriod()
	next := ent.Clone()
	next.GracePeriodExpiresAt = nil
	next.IsActive = false
	next.SetMeta(entitlement.MetaRevokedAt, now.UTC().Format(time.RFC3339))
	next.SetMeta(entitlement.MetaRevokedReason, reason)

	details := map[string]string{"revoked_reason": reason}
	if wasInGrace {
		next.SetMeta(entitlement.MetaGraceReason, ReasonManualRevocation)
		return Transition{
			Entitlement: next,
			Kind:        "revoked",
			Audit:       auditDraft(next, entitlement.AuditGraceEnded, ReasonManualRevocation, now, details),
		}, nil
	}
	return Transition{
		Entitlement: next,
		Kind:        "revoked",
		Audit:       auditDraft(next, entitlement.AuditValidationFailed, "revoked", now, details),
	}, nil
}

// Evaluate is the status check: it returns the transition the entitlement is
// due for at now, or nil when none applies.
func Evaluate(ent *entitlement.Entitlement, now time.Time) (*Transition, error) {
	switch {
	case ent.InGracePeriod() && !now.Before(*ent.GracePeriodExpiresAt):
		t, err := Expire(ent, now)
		if err != nil {
			return nil, err
		}
		return &t, nil
	case Eligible(ent, now):
		t, err := Start(ent, now)
		if err != nil {
			return nil, err
		}
		return &t, nil
	default:
		return nil, nil
	}
}

// DaysRemaining returns ceil((graceEnd - now) / 24h), floored at 0. It is 0
// when no grace period is recorded.
func DaysRemaining(ent *entitlement.Entitlement, now time.Time) int {
	if ent == nil || ent.GracePeriodExpiresAt == nil {
		return 0
	}
	return ceilDays(ent.GracePeriodExpiresAt.Sub(now))
}

// StateOf reports the grace state of ent at now.
func StateOf(ent *entitlement.Entitlement, now time.Time) Status {
	if ent.GracePeriodExpiresAt != nil {
		end := *ent.GracePeriodExpiresAt
		if !now.Before(end) {
			return Status{State: StateExpired, EndsAt: &end}
		}
		return Status{State: StateActive, DaysRemaining: DaysRemaining(ent, now), EndsAt: &end}
	}

	switch ent.Metadata[entitlement.MetaGraceReason] {
	case ReasonBillingResolved:
		return Status{State: StateResolved}
	case ReasonExpired, ReasonManualRevocation:
		return Status{State: StateExpired}
	default:
		return Status{State: StateNotInGrace}
	}
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

func auditDraft(ent *entitlement.Entitlement, typ entitlement.AuditEventType, reason string, now time.Time, details map[string]string) entitlement.AuditLog {
	return entitlement.AuditLog{
		AccountID:     ent.AccountID,
		EntitlementID: ent.ID,
		EventType:     typ,
		Reason:        reason,
		Details:       details,
		Timestamp:     now,
	}
}
