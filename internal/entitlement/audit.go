package entitlement

import "time"

// AuditEventType classifies a validation audit record.
type AuditEventType string

const (
	AuditValidated        AuditEventType = "validated"
	AuditFraudDetected    AuditEventType = "fraud_detected"
	AuditGraceStarted     AuditEventType = "grace_started"
	AuditGraceEnded       AuditEventType = "grace_ended"
	AuditValidationFailed AuditEventType = "validation_failed"
)

// AuditLog is an append-only record of a validation decision.
type AuditLog struct {
	ID            string            `json:"id"`
	AccountID     string            `json:"account_id"`
	EntitlementID string            `json:"entitlement_id,omitempty"`
	EventType     AuditEventType    `json:"event_type"`
	Reason        string            `json:"reason,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
