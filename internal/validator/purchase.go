package validator

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	engerrors "github.com/rcourtman/entitlementd/internal/errors"
)

// Purchase carries the facts of a completed purchase as reported by the
// commerce platform.
type Purchase struct {
	AccountID     string            `json:"account_id"`
	Tier          entitlement.Tier  `json:"tier"`
	ReceiptRef    string            `json:"receipt_ref"`
	TransactionID string            `json:"transaction_id"`
	PurchasedAt   time.Time         `json:"purchased_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	IsTrial       bool              `json:"is_trial"`
	AutoRenew     bool              `json:"auto_renew"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks required purchase fields.
func (p Purchase) Validate() error {
	switch {
	case p.AccountID == "":
		return fmt.Errorf("%w: account id is required", engerrors.ErrInvalidInput)
	case p.TransactionID == "":
		return fmt.Errorf("%w: transaction id is required", engerrors.ErrInvalidInput)
	case !entitlement.ValidTier(p.Tier):
		return fmt.Errorf("%w: unknown tier %q", engerrors.ErrInvalidInput, p.Tier)
	case p.ExpiresAt.IsZero():
		return fmt.Errorf("%w: expiration is required", engerrors.ErrInvalidInput)
	case !p.PurchasedAt.IsZero() && !p.ExpiresAt.After(p.PurchasedAt):
		return fmt.Errorf("%w: expiration must be after purchase", engerrors.ErrInvalidInput)
	}
	return nil
}

// ReceiptVerifier turns a submitted receipt into verified purchase facts.
// Receipt cryptography lives behind this interface.
type ReceiptVerifier interface {
	Verify(ctx context.Context, p Purchase) (Purchase, error)
}

// TrustingVerifier accepts the commerce platform's purchase facts as-is.
type TrustingVerifier struct{}

// Verify implements ReceiptVerifier.
func (TrustingVerifier) Verify(_ context.Context, p Purchase) (Purchase, error) {
	return p, p.Validate()
}

// Activate records the first successful receipt validation for a purchase.
// A transaction already held by another account is rejected with
// ErrDuplicateTransaction and a fraud event; a transaction already held by
// the same account returns the existing entitlement.
func (v *Validator) Activate(ctx context.Context, p Purchase) (*entitlement.Entitlement, error) {
	verified, err := v.verifier.Verify(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("verify receipt: %w", err)
	}
	if err := verified.Validate(); err != nil {
		return nil, err
	}
	now := v.now()
	if verified.PurchasedAt.IsZero() {
		verified.PurchasedAt = now
	}

	dup, err := v.detector.CheckPurchase(ctx, verified.AccountID, verified.TransactionID)
	if err != nil {
		return nil, engerrors.WrapTransient("activate", verified.AccountID, err)
	}
	if dup != nil {
		v.recordAudit(ctx, verified.AccountID, nil, entitlement.AuditFraudDetected, string(entitlement.DetectionDuplicateTransaction), map[string]string{
			"transaction_id": verified.TransactionID,
		})
		return nil, engerrors.WrapTerminal("activate", verified.AccountID, engerrors.ErrDuplicateTransaction)
	}

	holders, err := v.entitlements.FindByTransactionID(ctx, verified.TransactionID)
	if err != nil {
		return nil, engerrors.WrapTransient("activate", verified.AccountID, err)
	}
	for _, h := range holders {
		if h.AccountID == verified.AccountID {
			log.Info().Str("account", h.AccountID).Str("transaction", verified.TransactionID).Msg("Purchase already activated")
			return h, nil
		}
	}

	created, err := v.entitlements.Create(ctx, &entitlement.Entitlement{
		AccountID:       verified.AccountID,
		Tier:            verified.Tier,
		ReceiptRef:      verified.ReceiptRef,
		TransactionID:   verified.TransactionID,
		PurchasedAt:     verified.PurchasedAt,
		ExpiresAt:       verified.ExpiresAt,
		IsActive:        true,
		IsInTrial:       verified.IsTrial,
		AutoRenew:       verified.AutoRenew,
		LastValidatedAt: now,
		Metadata:        maps.Clone(verified.Metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("create entitlement: %w", err)
	}

	if err := v.cache.Put(ctx, created, now); err != nil {
		log.Warn().Err(err).Str("account", created.AccountID).Msg("Failed to cache activated entitlement")
	}
	v.recordAudit(ctx, created.AccountID, created, entitlement.AuditValidated, "purchase_activated", map[string]string{
		"transaction_id": created.TransactionID,
		"tier":           string(created.Tier),
	})
	log.Info().
		Str("account", created.AccountID).
		Str("tier", string(created.Tier)).
		Time("expiresAt", created.ExpiresAt).
		Msg("Entitlement activated")
	return created, nil
}

// Revoke deactivates the account's entitlement by admin action and updates
// the cache once the store write succeeded.
func (v *Validator) Revoke(ctx context.Context, accountID, reason string) (*entitlement.Entitlement, error) {
	if v.grace == nil {
		return nil, fmt.Errorf("revoke: grace manager not configured")
	}
	revoked, err := v.grace.Revoke(ctx, accountID, reason)
	if err != nil {
		return nil, err
	}
	if err := v.cache.Put(ctx, revoked, v.now()); err != nil {
		log.Warn().Err(err).Str("account", accountID).Msg("Failed to cache revoked entitlement")
	}
	return revoked, nil
}

// ResolveBillingRetry closes a billing grace period after a successful
// renewal and refreshes the cache.
func (v *Validator) ResolveBillingRetry(ctx context.Context, accountID string, renewedUntil time.Time) (*entitlement.Entitlement, error) {
	if v.grace == nil {
		return nil, fmt.Errorf("billing retry: grace manager not configured")
	}
	resolved, err := v.grace.ResolveBillingRetry(ctx, accountID, renewedUntil)
	if err != nil {
		return nil, err
	}
	if err := v.cache.Put(ctx, resolved, v.now()); err != nil {
		log.Warn().Err(err).Str("account", accountID).Msg("Failed to cache resolved entitlement")
	}
	return resolved, nil
}
