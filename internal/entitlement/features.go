package entitlement

import "slices"

// Feature constants represent gated capabilities.
const (
	FeatureAppLimits         = "app_limits"         // Per-app daily limits
	FeatureDowntimeSchedules = "downtime_schedules" // Scheduled downtime windows
	FeatureUsageReports      = "usage_reports"      // Detailed weekly usage reports
	FeatureCustomCategories  = "custom_categories"  // User-defined app categories
	FeatureFocusModes        = "focus_modes"        // Focus sessions with allow-lists
	FeatureMultipleDevices   = "multiple_devices"   // More than one managed device
	FeatureFamilySharing     = "family_sharing"     // Shared plan across family members
)

// Tier represents a subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierFamily  Tier = "family"
)

// TierDeviceLimits defines the maximum managed device count per tier.
var TierDeviceLimits = map[Tier]int{
	TierFree:    1,
	TierPremium: 3,
	TierFamily:  10,
}

var freeFeatures = []string{
	FeatureAppLimits,
}

var premiumFeatures = appendFeatures(freeFeatures,
	FeatureDowntimeSchedules,
	FeatureUsageReports,
	FeatureCustomCategories,
	FeatureFocusModes,
	FeatureMultipleDevices,
)

var familyFeatures = appendFeatures(premiumFeatures,
	FeatureFamilySharing,
)

// TierFeatures maps each tier to its included features.
var TierFeatures = map[Tier][]string{
	TierFree:    freeFeatures,
	TierPremium: premiumFeatures,
	TierFamily:  familyFeatures,
}

func appendFeatures(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// TierHasFeature checks if a tier includes a specific feature.
func TierHasFeature(tier Tier, feature string) bool {
	return slices.Contains(TierFeatures[tier], feature)
}

// TierDeviceLimit returns the device limit for tier, or the free limit for unknown tiers.
func TierDeviceLimit(tier Tier) int {
	if limit, ok := TierDeviceLimits[tier]; ok {
		return limit
	}
	return TierDeviceLimits[TierFree]
}

// ValidTier reports whether tier is a known tier.
func ValidTier(tier Tier) bool {
	_, ok := TierFeatures[tier]
	return ok
}
