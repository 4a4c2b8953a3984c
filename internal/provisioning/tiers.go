package provisioning

// TierConfig defines the limits and feature flags for one purchasable tier.
type TierConfig struct {
	Tier         string
	MaxSeats     int // 0 = unlimited
	RateLimitRPM int
	Features     map[string]bool
}

// TierCatalog maps tier names to their configuration. It is an injected
// value, not package state, so deployments can carry their own catalogue
// and tests can build small ones.
type TierCatalog map[string]TierConfig

// DefaultCatalog returns the built-in tier catalogue.
func DefaultCatalog() TierCatalog {
	return TierCatalog{
		"basic": {
			Tier:         "basic",
			MaxSeats:     1,
			RateLimitRPM: 60,
			Features: map[string]bool{
				"content":   true,
				"downloads": false,
				"community": false,
				"api":       false,
			},
		},
		"standard": {
			Tier:         "standard",
			MaxSeats:     5,
			RateLimitRPM: 300,
			Features: map[string]bool{
				"content":   true,
				"downloads": true,
				"community": true,
				"api":       false,
			},
		},
		"premium": {
			Tier:         "premium",
			MaxSeats:     0,
			RateLimitRPM: 1000,
			Features: map[string]bool{
				"content":   true,
				"downloads": true,
				"community": true,
				"api":       true,
			},
		},
	}
}

// Valid reports whether the tier name is present in the catalogue.
func (c TierCatalog) Valid(tier string) bool {
	_, ok := c[tier]
	return ok
}

// FeatureEnabled reports whether the tier exists and carries the feature.
func (c TierCatalog) FeatureEnabled(tier, feature string) bool {
	cfg, ok := c[tier]
	if !ok {
		return false
	}
	return cfg.Features[feature]
}
