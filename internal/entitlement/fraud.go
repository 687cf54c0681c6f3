package entitlement

import (
	"fmt"
	"time"

	engerrors "github.com/rcourtman/entitlementd/internal/errors"
)

// DetectionType identifies the signal behind a fraud event.
type DetectionType string

const (
	DetectionTamperedReceipt      DetectionType = "tampered_receipt"
	DetectionJailbrokenDevice     DetectionType = "jailbroken_device"
	DetectionDuplicateTransaction DetectionType = "duplicate_transaction"
	DetectionAnomalousUsage       DetectionType = "anomalous_usage"
)

// Severity grades a fraud event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TransactionIDKey is the TransactionInfo key carrying the originating transaction.
const TransactionIDKey = "transaction_id"

// FraudEvent is one detected signal. Events are append-only and reference
// entitlements only through AccountID and the transaction id.
type FraudEvent struct {
	ID              string            `json:"id"`
	AccountID       string            `json:"account_id"`
	Type            DetectionType     `json:"type"`
	Severity        Severity          `json:"severity"`
	DeviceInfo      map[string]string `json:"device_info,omitempty"`
	TransactionInfo map[string]string `json:"transaction_info,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// TransactionID returns the referenced transaction, if any.
func (f FraudEvent) TransactionID() string {
	return f.TransactionInfo[TransactionIDKey]
}

// Validate checks required fields.
func (f FraudEvent) Validate() error {
	if f.AccountID == "" {
		return fmt.Errorf("%w: fraud event account id is required", engerrors.ErrInvalidInput)
	}
	switch f.Type {
	case DetectionTamperedReceipt, DetectionJailbrokenDevice, DetectionDuplicateTransaction, DetectionAnomalousUsage:
	default:
		return fmt.Errorf("%w: unknown fraud detection type %q", engerrors.ErrInvalidInput, f.Type)
	}
	switch f.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("%w: unknown fraud severity %q", engerrors.ErrInvalidInput, f.Severity)
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("%w: fraud event timestamp is required", engerrors.ErrInvalidInput)
	}
	return nil
}
