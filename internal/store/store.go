// Package store defines the record-store contracts the engine consumes and a
// SQLite-backed implementation used by the authoritative server.
package store

import (
	"context"
	"time"

	"github.com/rcourtman/entitlementd/internal/entitlement"
)

// EntitlementStore provides durable access to entitlement records.
//
// Implementations return errors matching errors.ErrNotFound when no record
// exists and transient (retryable) errors for network failures, so callers can
// tell "no entitlement" from "could not ask".
type EntitlementStore interface {
	// Fetch returns the latest entitlement for the account.
	Fetch(ctx context.Context, accountID string) (*entitlement.Entitlement, error)
	// Create inserts a new entitlement, assigning ID and version.
	Create(ctx context.Context, e *entitlement.Entitlement) (*entitlement.Entitlement, error)
	// Update writes e if its Version matches the stored one and returns the
	// stored record with the bumped version.
	Update(ctx context.Context, e *entitlement.Entitlement) (*entitlement.Entitlement, error)
	// FindByTransactionID returns every entitlement referencing txnID.
	FindByTransactionID(ctx context.Context, txnID string) ([]*entitlement.Entitlement, error)
	// List returns entitlements matching q.
	List(ctx context.Context, q Query) ([]*entitlement.Entitlement, error)
}

// FraudEventStore is the append-only fraud event log.
type FraudEventStore interface {
	Create(ctx context.Context, ev *entitlement.FraudEvent) error
	FetchSince(ctx context.Context, accountID string, since time.Time) ([]entitlement.FraudEvent, error)
	// FindByTransactionID supports cross-account duplicate detection.
	FindByTransactionID(ctx context.Context, txnID string) ([]*entitlement.Entitlement, error)
}

// AuditLogStore is the append-only validation audit trail.
type AuditLogStore interface {
	Create(ctx context.Context, rec *entitlement.AuditLog) error
	FetchSince(ctx context.Context, accountID string, since time.Time, limit int) ([]entitlement.AuditLog, error)
}

// Query selects entitlements by predicate. Zero fields are ignored.
type Query struct {
	// ActiveOnly restricts to isActive=true.
	ActiveOnly bool
	// InGrace restricts to records with a recorded billing grace period.
	InGrace bool
	// ExpiredBefore restricts to records whose expiration is at or before the time.
	ExpiredBefore *time.Time
	// AutoRenew restricts to auto-renewing records.
	AutoRenew bool
	Limit     int
}
