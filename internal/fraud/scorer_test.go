package fraud

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rcourtman/entitlementd/internal/entitlement"
)

func event(typ entitlement.DetectionType, sev entitlement.Severity) entitlement.FraudEvent {
	return entitlement.FraudEvent{
		AccountID: "acct-1",
		Type:      typ,
		Severity:  sev,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestScore_Empty(t *testing.T) {
	s := NewScorer(DefaultThresholds())

	score, rec := s.Score(nil)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, Allow, rec)

	score, rec = s.Score([]entitlement.FraudEvent{})
	assert.Equal(t, 0.0, score)
	assert.Equal(t, Allow, rec)
}

func TestScore_CriticalTamperBlocks(t *testing.T) {
	s := NewScorer(DefaultThresholds())

	score, rec := s.Score([]entitlement.FraudEvent{
		event(entitlement.DetectionTamperedReceipt, entitlement.SeverityCritical),
	})
	assert.Equal(t, 1.0, score)
	assert.Equal(t, Block, rec)
}

func TestScore_Recommendations(t *testing.T) {
	s := NewScorer(DefaultThresholds())

	tests := []struct {
		name   string
		events []entitlement.FraudEvent
		score  float64
		rec    Recommendation
	}{
		{
			name:   "low jailbreak allows",
			events: []entitlement.FraudEvent{event(entitlement.DetectionJailbrokenDevice, entitlement.SeverityLow)},
			score:  0.2,
			rec:    Allow,
		},
		{
			name:   "high jailbreak alerts",
			events: []entitlement.FraudEvent{event(entitlement.DetectionJailbrokenDevice, entitlement.SeverityHigh)},
			score:  0.6,
			rec:    Alert,
		},
		{
			name:   "medium tamper blocks",
			events: []entitlement.FraudEvent{event(entitlement.DetectionTamperedReceipt, entitlement.SeverityMedium)},
			score:  0.8,
			rec:    Block,
		},
		{
			name: "usage signals accumulate",
			events: []entitlement.FraudEvent{
				event(entitlement.DetectionAnomalousUsage, entitlement.SeverityMedium),
				event(entitlement.DetectionAnomalousUsage, entitlement.SeverityLow),
			},
			score: 0.45,
			rec:   Allow,
		},
		{
			name:   "critical duplicate clamps to one",
			events: []entitlement.FraudEvent{event(entitlement.DetectionDuplicateTransaction, entitlement.SeverityCritical)},
			score:  1.0,
			rec:    Block,
		},
		{
			name:   "unknown type contributes nothing",
			events: []entitlement.FraudEvent{event("bogus", entitlement.SeverityCritical)},
			score:  0,
			rec:    Allow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, rec := s.Score(tt.events)
			assert.InDelta(t, tt.score, score, 1e-9)
			assert.Equal(t, tt.rec, rec)
		})
	}
}

func TestScore_Monotonic(t *testing.T) {
	s := NewScorer(DefaultThresholds())

	types := []entitlement.DetectionType{
		entitlement.DetectionJailbrokenDevice,
		entitlement.DetectionTamperedReceipt,
		entitlement.DetectionDuplicateTransaction,
		entitlement.DetectionAnomalousUsage,
	}
	severities := []entitlement.Severity{
		entitlement.SeverityLow,
		entitlement.SeverityMedium,
		entitlement.SeverityHigh,
		entitlement.SeverityCritical,
	}

	var events []entitlement.FraudEvent
	prev, _ := s.Score(events)
	for i := 0; i < 40; i++ {
		events = append(events, event(types[i%len(types)], severities[(i/len(types))%len(severities)]))
		score, _ := s.Score(events)
		assert.GreaterOrEqual(t, score, prev, "adding event %d lowered the score", i)
		assert.LessOrEqual(t, score, 1.0)
		prev = score
	}
}

func TestNewScorer_CustomThresholds(t *testing.T) {
	s := NewScorer(Thresholds{Alert: 0.1, Block: 0.3})

	_, rec := s.Score([]entitlement.FraudEvent{event(entitlement.DetectionAnomalousUsage, entitlement.SeverityLow)})
	assert.Equal(t, Alert, rec)

	_, rec = s.Score([]entitlement.FraudEvent{event(entitlement.DetectionJailbrokenDevice, entitlement.SeverityMedium)})
	assert.Equal(t, Block, rec)
}

func TestNewScorer_InvalidThresholdsFallBack(t *testing.T) {
	assert.Equal(t, DefaultThresholds(), NewScorer(Thresholds{}).Thresholds())
	assert.Equal(t, DefaultThresholds(), NewScorer(Thresholds{Alert: 0.9, Block: 0.5}).Thresholds())
}
