// Package fraud scores fraud signals and records new ones.
package fraud

import "github.com/rcourtman/entitlementd/internal/entitlement"

// Recommendation is the scorer's verdict.
type Recommendation string

const (
	Allow Recommendation = "allow"
	Alert Recommendation = "alert"
	Block Recommendation = "block"
)

// Default thresholds.
const (
	DefaultAlertThreshold = 0.5
	DefaultBlockThreshold = 0.7
)

var detectionWeights = map[entitlement.DetectionType]float64{
	entitlement.DetectionJailbrokenDevice:     0.4,
	entitlement.DetectionTamperedReceipt:      0.8,
	entitlement.DetectionDuplicateTransaction: 1.0,
	entitlement.DetectionAnomalousUsage:       0.3,
}

var severityMultipliers = map[entitlement.Severity]float64{
	entitlement.SeverityLow:      0.5,
	entitlement.SeverityMedium:   1.0,
	entitlement.SeverityHigh:     1.5,
	entitlement.SeverityCritical: 2.0,
}

// Thresholds are the score cutoffs for alert and block.
type Thresholds struct {
	Alert float64
	Block float64
}

// DefaultThresholds returns the standard cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Alert: DefaultAlertThreshold, Block: DefaultBlockThreshold}
}

// Scorer aggregates fraud events into a bounded risk score. It holds no state
// beyond its thresholds and is safe for concurrent use.
type Scorer struct {
	thresholds Thresholds
}

// NewScorer creates a scorer. Zero or inverted thresholds fall back to the defaults.
func NewScorer(t Thresholds) *Scorer {
	if t.Alert <= 0 || t.Block <= 0 || t.Alert > t.Block {
		t = DefaultThresholds()
	}
	return &Scorer{thresholds: t}
}

// Thresholds returns the cutoffs in use.
func (s *Scorer) Thresholds() Thresholds {
	return s.thresholds
}

// Score sums weight*multiplier over events, clamps to [0,1] and maps the
// result to a recommendation. Events of unknown type contribute nothing.
func (s *Scorer) Score(events []entitlement.FraudEvent) (float64, Recommendation) {
	var total float64
	for _, ev := range events {
		weight, ok := detectionWeights[ev.Type]
		if !ok {
			continue
		}
		mult, ok := severityMultipliers[ev.Severity]
		if !ok {
			mult = 1.0
		}
		total += weight * mult
	}

	score := clamp(total)
	return score, s.recommend(score)
}

func (s *Scorer) recommend(score float64) Recommendation {
	switch {
	case score >= s.thresholds.Block:
		return Block
	case score >= s.thresholds.Alert:
		return Alert
	default:
		return Allow
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
