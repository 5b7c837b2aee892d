package authz

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// RBACConfig configures the role-based engine.
type RBACConfig struct {
	Enabled            bool `json:"enabled" mapstructure:"enabled"`
	StrictMode         bool `json:"strictMode" mapstructure:"strictMode"`
	InheritanceEnabled bool `json:"inheritanceEnabled" mapstructure:"inheritanceEnabled"`
	DefaultDeny        bool `json:"defaultDeny" mapstructure:"defaultDeny"`
}

// ABACConfig configures the attribute-based engine.
type ABACConfig struct {
	Enabled     bool `json:"enabled" mapstructure:"enabled"`
	StrictMode  bool `json:"strictMode" mapstructure:"strictMode"`
	DefaultDeny bool `json:"defaultDeny" mapstructure:"defaultDeny"`

	// HighSecurityPatterns are regexes over resource strings; matching
	// resources require the user attribute accessLevel=high.
	HighSecurityPatterns []string `json:"highSecurityPatterns" mapstructure:"highSecurityPatterns"`

	// Business hours gate sensitive actions (local hours, [start, end)).
	BusinessHoursStart int `json:"businessHoursStart" mapstructure:"businessHoursStart"`
	BusinessHoursEnd   int `json:"businessHoursEnd" mapstructure:"businessHoursEnd"`

	// SensitiveActions extend the built-in set (delete, admin, config,
	// system, bulk_write, drop_*, manage_*).
	SensitiveActions []string `json:"sensitiveActions" mapstructure:"sensitiveActions"`

	// StaleSessionAfter denies users whose lastActivity attribute is older
	// than this. Zero disables the check.
	StaleSessionAfter time.Duration `json:"staleSessionAfter" mapstructure:"staleSessionAfter"`
}

// RuleEngineConfig configures the dynamic rule engine sandbox.
type RuleEngineConfig struct {
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	DefaultTimeout time.Duration `json:"defaultTimeout" mapstructure:"defaultTimeout"`
	MaxRules       int           `json:"maxRules" mapstructure:"maxRules"`
}

// PolicyConfig configures the combining evaluator and its out-of-band
// policies.
type PolicyConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// DefaultPolicy applies when no engine explicitly allows: "allow" or
	// "deny".
	DefaultPolicy string `json:"defaultPolicy" mapstructure:"defaultPolicy"`

	// EvaluationOrder reorders engine results; unknown engines follow at
	// the end.
	EvaluationOrder []string `json:"evaluationOrder" mapstructure:"evaluationOrder"`

	AdminOverride   bool `json:"adminOverride" mapstructure:"adminOverride"`
	MaintenanceMode bool `json:"maintenanceMode" mapstructure:"maintenanceMode"`

	// Rate limiting per user; zero RPS disables it.
	RateLimitRPS   float64 `json:"rateLimitRps" mapstructure:"rateLimitRps"`
	RateLimitBurst int     `json:"rateLimitBurst" mapstructure:"rateLimitBurst"`
}

// CacheConfig configures the permission cache.
type CacheConfig struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	TTL             time.Duration `json:"ttl" mapstructure:"ttl"`
	MaxSize         int           `json:"maxSize" mapstructure:"maxSize"`
	Strategy        string        `json:"strategy" mapstructure:"strategy"`
	CleanupInterval time.Duration `json:"cleanupInterval" mapstructure:"cleanupInterval"`
}

// Config bundles every engine configuration.
type Config struct {
	RBAC   RBACConfig       `json:"rbac" mapstructure:"rbac"`
	ABAC   ABACConfig       `json:"abac" mapstructure:"abac"`
	Rules  RuleEngineConfig `json:"rules" mapstructure:"rules"`
	Policy PolicyConfig     `json:"policy" mapstructure:"policy"`
	Cache  CacheConfig      `json:"cache" mapstructure:"cache"`
}

// DefaultConfig returns a deny-by-default configuration with every engine
// enabled.
func DefaultConfig() Config {
	return Config{
		RBAC: RBACConfig{
			Enabled:            true,
			InheritanceEnabled: true,
			DefaultDeny:        true,
		},
		ABAC: ABACConfig{
			Enabled:            true,
			DefaultDeny:        true,
			BusinessHoursStart: 8,
			BusinessHoursEnd:   18,
		},
		Rules: RuleEngineConfig{
			Enabled:        true,
			DefaultTimeout: 100 * time.Millisecond,
			MaxRules:       256,
		},
		Policy: PolicyConfig{
			Enabled:       true,
			DefaultPolicy: "deny",
			AdminOverride: true,
		},
		Cache: CacheConfig{
			Enabled:         true,
			TTL:             5 * time.Minute,
			MaxSize:         10000,
			Strategy:        "lru",
			CleanupInterval: time.Minute,
		},
	}
}

// ParseConfig decodes a raw configuration map. In strict mode unknown keys
// are errors; otherwise they are ignored.
func ParseConfig(raw map[string]interface{}, strict bool) (Config, error) {
	cfg := DefaultConfig()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		ErrorUnused:      strict,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Cache.Strategy != "" && cfg.Cache.Strategy != "lru" {
		return cfg, fmt.Errorf("invalid configuration: unknown cache strategy %q", cfg.Cache.Strategy)
	}
	switch cfg.Policy.DefaultPolicy {
	case "", "allow", "deny":
	default:
		return cfg, fmt.Errorf("invalid configuration: defaultPolicy must be allow or deny")
	}
	return cfg, nil
}
