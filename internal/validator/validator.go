// Package validator answers "does this account hold a valid entitlement right
// now", degrading to the offline cache when the store cannot be reached.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	engerrors "github.com/rcourtman/entitlementd/internal/errors"
	"github.com/rcourtman/entitlementd/internal/fraud"
	"github.com/rcourtman/entitlementd/internal/grace"
	"github.com/rcourtman/entitlementd/internal/metrics"
	"github.com/rcourtman/entitlementd/internal/offline"
	"github.com/rcourtman/entitlementd/internal/store"
)

// Defaults.
const (
	DefaultFreshnessTTL = time.Hour
	DefaultRefreshAfter = 24 * time.Hour
)

// Config tunes validation timing.
type Config struct {
	// FreshnessTTL is how long a cached entry is returned without a round trip.
	FreshnessTTL time.Duration
	// RefreshAfter is the lastValidatedAt age that triggers a store update.
	RefreshAfter time.Duration
}

// Deps are the collaborators a Validator needs. Audit, Grace and Verifier are
// optional.
type Deps struct {
	Entitlements store.EntitlementStore
	Audit        store.AuditLogStore
	Cache        *offline.Cache
	Detector     *fraud.Detector
	Scorer       *fraud.Scorer
	Grace        *grace.Manager
	Verifier     ReceiptVerifier
}

// Validator is the entitlement decision service. It is constructed once at
// startup and shared.
type Validator struct {
	entitlements store.EntitlementStore
	audit        store.AuditLogStore
	cache        *offline.Cache
	detector     *fraud.Detector
	scorer       *fraud.Scorer
	grace        *grace.Manager
	verifier     ReceiptVerifier

	cfg   Config
	group singleflight.Group
	now   func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// WithConfig overrides the timing configuration. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(v *Validator) {
		if cfg.FreshnessTTL > 0 {
			v.cfg.FreshnessTTL = cfg.FreshnessTTL
		}
		if cfg.RefreshAfter > 0 {
			v.cfg.RefreshAfter = cfg.RefreshAfter
		}
	}
}

// New creates a Validator.
func New(deps Deps, opts ...Option) (*Validator, error) {
	if deps.Entitlements == nil {
		return nil, fmt.Errorf("validator: entitlement store is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("validator: offline cache is required")
	}
	if deps.Detector == nil {
		return nil, fmt.Errorf("validator: fraud detector is required")
	}
	if deps.Scorer == nil {
		deps.Scorer = fraud.NewScorer(fraud.DefaultThresholds())
	}
	if deps.Verifier == nil {
		deps.Verifier = TrustingVerifier{}
	}

	v := &Validator{
		entitlements: deps.Entitlements,
		audit:        deps.Audit,
		cache:        deps.Cache,
		detector:     deps.Detector,
		scorer:       deps.Scorer,
		grace:        deps.Grace,
		verifier:     deps.Verifier,
		cfg: Config{
			FreshnessTTL: DefaultFreshnessTTL,
			RefreshAfter: DefaultRefreshAfter,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate returns the account's current entitlement. The returned
// entitlement may be expired; use HasActiveAccess or CheckAccess for a
// decision. Errors match ErrNoValidEntitlement, ErrFraudBlocked or
// ErrOfflineGracePeriodExpired for the terminal outcomes.
func (v *Validator) Validate(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", engerrors.ErrInvalidInput)
	}
	start := v.now()

	if entry, ok := v.cache.Get(accountID); ok && entry.Age(start) < v.cfg.FreshnessTTL {
		metrics.GetEngineMetrics().RecordValidation(metrics.OutcomeFreshCache, v.now().Sub(start))
		return entry.Entitlement, nil
	}

	return v.roundTrip(ctx, accountID)
}

// Revalidate forces a round trip, bypassing the freshness TTL.
func (v *Validator) Revalidate(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	return v.roundTrip(ctx, accountID)
}

// HasActiveAccess reports whether the account's entitlement is active and
// either unexpired or inside a billing grace period.
func (v *Validator) HasActiveAccess(ctx context.Context, accountID string) (bool, error) {
	ent, err := v.Validate(ctx, accountID)
	if err != nil {
		return false, err
	}
	return ent.HasActiveAccess(v.now()), nil
}

// RevalidateAll forces a round trip for every cached account. It returns the
// number revalidated without error; failures are logged.
func (v *Validator) RevalidateAll(ctx context.Context) (int, error) {
	entries := v.cache.Entries()
	ok := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		accountID := e.Entitlement.AccountID
		if _, err := v.roundTrip(ctx, accountID); err != nil {
			log.Debug().Err(err).Str("account", accountID).Msg("Revalidation did not succeed")
			continue
		}
		ok++
	}
	log.Info().Int("accounts", len(entries)).Int("revalidated", ok).Msg("Revalidation sweep completed")
	return ok, nil
}

// roundTrip runs at most one remote validation per account at a time;
// concurrent callers share its result.
func (v *Validator) roundTrip(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	res, err, shared := v.group.Do(accountID, func() (interface{}, error) {
		return v.validateRemote(ctx, accountID)
	})
	if shared {
		log.Debug().Str("account", accountID).Msg("Joined in-flight validation")
	}
	if err != nil {
		return nil, err
	}
	return res.(*entitlement.Entitlement).Clone(), nil
}

func (v *Validator) validateRemote(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	start := v.now()
	m := metrics.GetEngineMetrics()

	ent, err := v.entitlements.Fetch(ctx, accountID)
	if err != nil {
		if engerrors.IsNotFound(err) {
			if derr := v.cache.Delete(ctx, accountID); derr != nil {
				log.Warn().Err(derr).Str("account", accountID).Msg("Failed to drop cached entitlement")
			}
			v.recordAudit(ctx, accountID, nil, entitlement.AuditValidationFailed, string(ReasonNoEntitlement), nil)
			m.RecordValidation(metrics.OutcomeNotFound, v.now().Sub(start))
			return nil, engerrors.WrapTerminal("validate", accountID, engerrors.ErrNoValidEntitlement)
		}
		return v.fallback(ctx, accountID, start, err)
	}

	screening, err := v.detector.Screen(ctx, ent)
	if err != nil {
		return v.fallback(ctx, accountID, start, err)
	}
	score, rec := v.scorer.Score(screening.Events)
	m.ObserveFraudScore(score)

	switch rec {
	case fraud.Block:
		v.recordAudit(ctx, accountID, ent, entitlement.AuditFraudDetected, string(fraud.Block), scoreDetails(score, screening))
		log.Warn().Str("account", accountID).Float64("score", score).Msg("Entitlement blocked by fraud screening")
		m.RecordValidation(metrics.OutcomeFraudBlocked, v.now().Sub(start))
		return nil, engerrors.WrapTerminal("validate", accountID, engerrors.ErrFraudBlocked)
	case fraud.Alert:
		v.recordAudit(ctx, accountID, ent, entitlement.AuditFraudDetected, string(fraud.Alert), scoreDetails(score, screening))
		log.Info().Str("account", accountID).Float64("score", score).Msg("Fraud alert raised, access allowed")
	}

	if v.grace != nil {
		reconciled, err := v.grace.Reconcile(ctx, ent)
		if err != nil {
			return v.fallback(ctx, accountID, start, err)
		}
		ent = reconciled
	}

	now := v.now()
	if now.Sub(ent.LastValidatedAt) > v.cfg.RefreshAfter {
		refreshed := ent.Clone()
		refreshed.LastValidatedAt = now
		updated, err := v.entitlements.Update(ctx, refreshed)
		if err != nil {
			log.Warn().Err(err).Str("account", accountID).Msg("Failed to refresh lastValidatedAt")
		} else {
			ent = updated
		}
	}

	if err := v.cache.Put(ctx, ent, now); err != nil {
		log.Warn().Err(err).Str("account", accountID).Msg("Failed to cache validated entitlement")
	}
	v.recordAudit(ctx, accountID, ent, entitlement.AuditValidated, "", nil)
	m.RecordValidation(metrics.OutcomeRemote, v.now().Sub(start))
	return ent, nil
}

// fallback serves the cached entitlement after a failed round trip, bounded
// by the offline-trust window. The window is anchored at the entry's last
// verified contact.
func (v *Validator) fallback(ctx context.Context, accountID string, start time.Time, cause error) (*entitlement.Entitlement, error) {
	m := metrics.GetEngineMetrics()
	log.Warn().Err(cause).Str("account", accountID).Msg("Entitlement store unavailable, falling back to offline cache")

	entry, ok := v.cache.Get(accountID)
	if !ok {
		m.RecordValidation(metrics.OutcomeError, v.now().Sub(start))
		return nil, engerrors.WrapTerminal("validate", accountID,
			fmt.Errorf("%w: store unavailable and nothing cached: %v", engerrors.ErrNoValidEntitlement, cause))
	}
	m.RecordOfflineFallback()

	if entry.OfflineGracePeriodStart == nil {
		started, err := v.cache.StartOfflineWindow(ctx, accountID, entry.CachedAt)
		if err != nil {
			log.Warn().Err(err).Str("account", accountID).Msg("Failed to persist offline window start")
			anchor := entry.CachedAt
			entry.OfflineGracePeriodStart = &anchor
		} else {
			entry = started
		}
	}

	now := v.now()
	if offline.DaysRemaining(entry, now, v.cache.Window()) == 0 {
		v.recordAudit(ctx, accountID, entry.Entitlement, entitlement.AuditValidationFailed, string(ReasonOfflineExpired), nil)
		m.RecordValidation(metrics.OutcomeOfflineExpired, now.Sub(start))
		return nil, engerrors.WrapTerminal("validate", accountID, engerrors.ErrOfflineGracePeriodExpired)
	}

	m.RecordValidation(metrics.OutcomeOfflineCache, now.Sub(start))
	return entry.Entitlement, nil
}

// recordAudit appends an audit record. Audit failures never change a decision.
func (v *Validator) recordAudit(ctx context.Context, accountID string, ent *entitlement.Entitlement, typ entitlement.AuditEventType, reason string, details map[string]string) {
	if v.audit == nil {
		return
	}
	rec := &entitlement.AuditLog{
		AccountID: accountID,
		EventType: typ,
		Reason:    reason,
		Details:   details,
		Timestamp: v.now(),
	}
	if ent != nil {
		rec.EntitlementID = ent.ID
	}
	if err := v.audit.Create(ctx, rec); err != nil {
		log.Debug().Err(err).Str("account", accountID).Str("event", string(typ)).Msg("Audit write failed")
	}
}

func scoreDetails(score float64, s fraud.Screening) map[string]string {
	details := map[string]string{
		"score":  fmt.Sprintf("%.2f", score),
		"events": fmt.Sprintf("%d", len(s.Events)),
	}
	for _, ev := range s.Recorded {
		details["recorded_"+string(ev.Type)] = string(ev.Severity)
	}
	return details
}

// reasonFor maps a Validate error to a denial reason.
func reasonFor(err error) DenialReason {
	switch {
	case errors.Is(err, engerrors.ErrNoValidEntitlement):
		return ReasonNoEntitlement
	case errors.Is(err, engerrors.ErrFraudBlocked):
		return ReasonFraudBlocked
	case errors.Is(err, engerrors.ErrOfflineGracePeriodExpired):
		return ReasonOfflineExpired
	default:
		return ReasonValidationError
	}
}
