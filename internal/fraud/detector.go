package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	"github.com/rcourtman/entitlementd/internal/store"
)

// DefaultLookback is how far back events count towards a score.
const DefaultLookback = 30 * 24 * time.Hour

// IntegrityReport is the platform-neutral result of a device integrity probe.
type IntegrityReport struct {
	Jailbroken      bool
	TamperedReceipt bool
	// Severity applies to any positive finding. Empty means high.
	Severity   entitlement.Severity
	DeviceInfo map[string]string
}

// DeviceIntegritySignal reports device integrity for an account. Platform
// specific probing lives behind this interface so the scorer only ever sees
// booleans and severities.
type DeviceIntegritySignal interface {
	Check(ctx context.Context, accountID string) (IntegrityReport, error)
}

// Screening is the outcome of Detector.Screen.
type Screening struct {
	// Events are all events for the account inside the lookback window,
	// including newly recorded ones.
	Events []entitlement.FraudEvent
	// Recorded are the events appended during this screening.
	Recorded []entitlement.FraudEvent
}

// Detector turns integrity reports, duplicate transactions and anomalous
// validation rates into fraud events and appends them to the event store.
type Detector struct {
	events    store.FraudEventStore
	integrity DeviceIntegritySignal
	usage     *UsageCounter
	lookback  time.Duration
	now       func() time.Time
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithIntegritySignal sets the device integrity probe.
func WithIntegritySignal(sig DeviceIntegritySignal) DetectorOption {
	return func(d *Detector) {
		d.integrity = sig
	}
}

// WithUsageCounter sets the anomalous-usage counter. Pass nil to disable.
func WithUsageCounter(u *UsageCounter) DetectorOption {
	return func(d *Detector) {
		d.usage = u
	}
}

// WithLookback sets the event lookback window.
func WithLookback(lookback time.Duration) DetectorOption {
	return func(d *Detector) {
		if lookback > 0 {
			d.lookback = lookback
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) {
		d.now = now
	}
}

// NewDetector creates a detector writing to events.
func NewDetector(events store.FraudEventStore, opts ...DetectorOption) *Detector {
	d := &Detector{
		events:   events,
		usage:    NewUsageCounter(DefaultUsageLimit, DefaultUsageWindow),
		lookback: DefaultLookback,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.usage != nil {
		d.usage.now = d.now
	}
	return d
}

// Lookback returns the event window used for scoring.
func (d *Detector) Lookback() time.Duration {
	return d.lookback
}

// Screen runs every detector for ent's account and returns the events in the
// lookback window. Store failures are returned; a failing integrity probe is
// logged and skipped.
func (d *Detector) Screen(ctx context.Context, ent *entitlement.Entitlement) (Screening, error) {
	accountID := ent.AccountID
	now := d.now()

	existing, err := d.events.FetchSince(ctx, accountID, now.Add(-d.lookback))
	if err != nil {
		return Screening{}, fmt.Errorf("fetch fraud events: %w", err)
	}

	var candidates []entitlement.FraudEvent

	if d.integrity != nil {
		report, err := d.integrity.Check(ctx, accountID)
		if err != nil {
			log.Warn().Err(err).Str("account", accountID).Msg("Device integrity check failed")
		} else {
			candidates = append(candidates, integrityEvents(accountID, ent.TransactionID, report, now)...)
		}
	}

	dup, err := d.duplicateEvent(ctx, accountID, ent.TransactionID, now)
	if err != nil {
		return Screening{}, err
	}
	if dup != nil {
		candidates = append(candidates, *dup)
	}

	if d.usage.Record(accountID) {
		candidates = append(candidates, entitlement.FraudEvent{
			AccountID: accountID,
			Type:      entitlement.DetectionAnomalousUsage,
			Severity:  entitlement.SeverityMedium,
			Metadata: map[string]string{
				"window": d.usage.window.String(),
				"limit":  fmt.Sprintf("%d", d.usage.limit),
			},
			Timestamp: now,
		})
	}

	result := Screening{Events: existing}
	for _, ev := range candidates {
		if alreadyRecorded(result.Events, ev) {
			continue
		}
		if err := d.events.Create(ctx, &ev); err != nil {
			return Screening{}, fmt.Errorf("record %s event: %w", ev.Type, err)
		}
		log.Warn().
			Str("account", accountID).
			Str("type", string(ev.Type)).
			Str("severity", string(ev.Severity)).
			Msg("Fraud signal recorded")
		result.Events = append(result.Events, ev)
		result.Recorded = append(result.Recorded, ev)
	}
	return result, nil
}

// CheckPurchase screens a new transaction for cross-account reuse. When
// another account already holds txnID a critical duplicate_transaction event
// is recorded and returned.
func (d *Detector) CheckPurchase(ctx context.Context, accountID, txnID string) (*entitlement.FraudEvent, error) {
	now := d.now()
	ev, err := d.duplicateEvent(ctx, accountID, txnID, now)
	if err != nil || ev == nil {
		return nil, err
	}

	existing, err := d.events.FetchSince(ctx, accountID, now.Add(-d.lookback))
	if err != nil {
		return nil, fmt.Errorf("fetch fraud events: %w", err)
	}
	if !alreadyRecorded(existing, *ev) {
		if err := d.events.Create(ctx, ev); err != nil {
			return nil, fmt.Errorf("record %s event: %w", ev.Type, err)
		}
	}
	return ev, nil
}

func (d *Detector) duplicateEvent(ctx context.Context, accountID, txnID string, now time.Time) (*entitlement.FraudEvent, error) {
	if txnID == "" {
		return nil, nil
	}
	holders, err := d.events.FindByTransactionID(ctx, txnID)
	if err != nil {
		return nil, fmt.Errorf("find transaction holders: %w", err)
	}
	for _, h := range holders {
		if h.AccountID == accountID {
			continue
		}
		return &entitlement.FraudEvent{
			AccountID:       accountID,
			Type:            entitlement.DetectionDuplicateTransaction,
			Severity:        entitlement.SeverityCritical,
			TransactionInfo: map[string]string{entitlement.TransactionIDKey: txnID},
			Metadata:        map[string]string{"holder_account": h.AccountID},
			Timestamp:       now,
		}, nil
	}
	return nil, nil
}

func integrityEvents(accountID, txnID string, r IntegrityReport, now time.Time) []entitlement.FraudEvent {
	severity := r.Severity
	if severity == "" {
		severity = entitlement.SeverityHigh
	}

	var out []entitlement.FraudEvent
	if r.Jailbroken {
		out = append(out, entitlement.FraudEvent{
			AccountID:  accountID,
			Type:       entitlement.DetectionJailbrokenDevice,
			Severity:   severity,
			DeviceInfo: r.DeviceInfo,
			Timestamp:  now,
		})
	}
	if r.TamperedReceipt {
		ev := entitlement.FraudEvent{
			AccountID:  accountID,
			Type:       entitlement.DetectionTamperedReceipt,
			Severity:   severity,
			DeviceInfo: r.DeviceInfo,
			Timestamp:  now,
		}
		if txnID != "" {
			ev.TransactionInfo = map[string]string{entitlement.TransactionIDKey: txnID}
		}
		out = append(out, ev)
	}
	return out
}

// alreadyRecorded reports whether events holds one with the same type and
// transaction as ev. Usage events are rate limited by the counter instead.
func alreadyRecorded(events []entitlement.FraudEvent, ev entitlement.FraudEvent) bool {
	if ev.Type == entitlement.DetectionAnomalousUsage {
		return false
	}
	for _, existing := range events {
		if existing.Type == ev.Type && existing.TransactionID() == ev.TransactionID() {
			return true
		}
	}
	return false
}
