package validator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	"github.com/rcourtman/entitlementd/internal/grace"
	"github.com/rcourtman/entitlementd/internal/metrics"
)

// DecisionKind is the outcome of an access check.
type DecisionKind string

const (
	DecisionAllowed DecisionKind = "allowed"
	DecisionTrial   DecisionKind = "trial"
	DecisionDenied  DecisionKind = "denied"
)

// DenialReason explains a denied decision.
type DenialReason string

const (
	ReasonNoEntitlement     DenialReason = "no_entitlement"
	ReasonExpired           DenialReason = "expired"
	ReasonTierLimitExceeded DenialReason = "tier_limit_exceeded"
	ReasonFraudBlocked      DenialReason = "fraud_blocked"
	ReasonValidationError   DenialReason = "validation_error"
	// ReasonOfflineExpired asks the user to reconnect.
	ReasonOfflineExpired DenialReason = "offline_expired"
)

// Decision is the answer to "may this account use this feature".
type Decision struct {
	Kind    DecisionKind     `json:"decision"`
	Reason  DenialReason     `json:"reason,omitempty"`
	Feature string           `json:"feature"`
	Tier    entitlement.Tier `json:"tier,omitempty"`
	// ExpiresAt is the paid-period end of the entitlement consulted, if any.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// Grace is set once the entitlement has entered a billing grace period.
	Grace *grace.Status `json:"grace,omitempty"`
	// DeviceLimit is the managed device count the tier allows. It is set on
	// granted decisions; clients enforce it when registering devices.
	DeviceLimit int `json:"device_limit,omitempty"`
}

// Granted reports whether the decision allows use of the feature.
func (d Decision) Granted() bool {
	return d.Kind == DecisionAllowed || d.Kind == DecisionTrial
}

// CheckAccess decides whether accountID may use feature. Trials skip tier
// limits. It never returns an error; failures surface as denial reasons.
func (v *Validator) CheckAccess(ctx context.Context, feature, accountID string) Decision {
	d := v.checkAccess(ctx, feature, accountID)
	metrics.GetEngineMetrics().RecordAccessDecision(string(d.Kind), string(d.Reason))
	log.Debug().
		Str("account", accountID).
		Str("feature", feature).
		Str("decision", string(d.Kind)).
		Str("reason", string(d.Reason)).
		Msg("Access decision")
	return d
}

func (v *Validator) checkAccess(ctx context.Context, feature, accountID string) Decision {
	d := Decision{Feature: feature}

	ent, err := v.Validate(ctx, accountID)
	if err != nil {
		d.Kind = DecisionDenied
		d.Reason = reasonFor(err)
		return d
	}

	now := v.now()
	d.Tier = ent.Tier
	expires := ent.ExpiresAt
	d.ExpiresAt = &expires
	if st := grace.StateOf(ent, now); st.State != grace.StateNotInGrace {
		d.Grace = &st
	}

	if !ent.HasActiveAccess(now) {
		d.Kind = DecisionDenied
		d.Reason = ReasonExpired
		return d
	}
	if ent.IsInTrial {
		d.Kind = DecisionTrial
		d.DeviceLimit = entitlement.TierDeviceLimit(entitlement.TierFamily)
		return d
	}
	if !entitlement.TierHasFeature(ent.Tier, feature) {
		d.Kind = DecisionDenied
		d.Reason = ReasonTierLimitExceeded
		return d
	}
	d.Kind = DecisionAllowed
	d.DeviceLimit = entitlement.TierDeviceLimit(ent.Tier)
	return d
}
