// Package entitlement defines the records the decision engine reasons about:
// entitlements, fraud events and validation audit logs.
package entitlement

import (
	"fmt"
	"maps"
	"time"

	engerrors "github.com/rcourtman/entitlementd/internal/errors"
)

// Metadata keys written by the engine.
const (
	MetaRevokedAt     = "revoked_at"
	MetaRevokedReason = "revoked_reason"
	MetaGraceReason   = "grace_end_reason"
)

// Entitlement represents one account's paid-access grant.
type Entitlement struct {
	ID                   string            `json:"id"`
	AccountID            string            `json:"account_id"`
	Tier                 Tier              `json:"tier"`
	ReceiptRef           string            `json:"receipt_ref,omitempty"`
	TransactionID        string            `json:"transaction_id,omitempty"`
	PurchasedAt          time.Time         `json:"purchased_at"`
	ExpiresAt            time.Time         `json:"expires_at"`
	IsActive             bool              `json:"is_active"`
	IsInTrial            bool              `json:"is_in_trial"`
	AutoRenew            bool              `json:"auto_renew"`
	LastValidatedAt      time.Time         `json:"last_validated_at"`
	GracePeriodExpiresAt *time.Time        `json:"grace_period_expires_at,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`

	// Version is assigned by the store and bumped on every update.
	Version int64 `json:"version"`
}

// Validate checks the record invariants.
func (e *Entitlement) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil entitlement", engerrors.ErrInvalidEntitlement)
	}
	if e.AccountID == "" {
		return fmt.Errorf("%w: account id is required", engerrors.ErrInvalidEntitlement)
	}
	if e.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expiration date is required", engerrors.ErrInvalidEntitlement)
	}
	if e.GracePeriodExpiresAt != nil {
		if !e.GracePeriodExpiresAt.After(e.ExpiresAt) {
			return fmt.Errorf("%w: grace period must end after expiration", engerrors.ErrInvalidEntitlement)
		}
		if !e.IsActive {
			return fmt.Errorf("%w: inactive entitlement cannot hold a grace period", engerrors.ErrInvalidEntitlement)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	if e.GracePeriodExpiresAt != nil {
		t := *e.GracePeriodExpiresAt
		c.GracePeriodExpiresAt = &t
	}
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

// IsExpired reports whether the paid period has ended at now.
func (e *Entitlement) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// InGracePeriod reports whether a billing grace period is recorded.
func (e *Entitlement) InGracePeriod() bool {
	return e.GracePeriodExpiresAt != nil
}

// IsRevoked reports whether the entitlement was revoked rather than lapsing.
func (e *Entitlement) IsRevoked() bool {
	_, ok := e.Metadata[MetaRevokedAt]
	return ok
}

// HasActiveAccess applies the access rule: the grant must be active and
// either unexpired or inside a live billing grace period.
func (e *Entitlement) HasActiveAccess(now time.Time) bool {
	if e == nil || !e.IsActive {
		return false
	}
	if e.ExpiresAt.After(now) {
		return true
	}
	return e.GracePeriodExpiresAt != nil && e.GracePeriodExpiresAt.After(now)
}

// SetMeta sets a metadata key, allocating the map when needed.
func (e *Entitlement) SetMeta(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}
