package authz

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// PolicyEvaluator combines per-engine verdicts under deny-by-default and
// applies the out-of-band policies with fixed precedence:
// admin override > emergency access > maintenance mode > rate limit.
type PolicyEvaluator struct {
	cfg PolicyConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPolicyEvaluator creates the combining evaluator.
func NewPolicyEvaluator(cfg PolicyConfig) *PolicyEvaluator {
	return &PolicyEvaluator{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether policy evaluation is on. When disabled, decisions
// allow unconditionally.
func (p *PolicyEvaluator) Enabled() bool { return p.cfg.Enabled }

// SetMaintenanceMode toggles the maintenance-mode policy at runtime.
func (p *PolicyEvaluator) SetMaintenanceMode(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.MaintenanceMode = on
}

// EvaluatePolicies runs the out-of-band policies. The second return is
// false when no policy takes the decision and the engine combination should
// proceed.
func (p *PolicyEvaluator) EvaluatePolicies(user *User, resource Resource, action string, ctx *Context) (Result, bool) {
	// Admin override first.
	if p.cfg.AdminOverride && isAdminUser(user) {
		return allowResult("admin override", "policy:admin_override"), true
	}

	// Emergency access flag.
	if ctx != nil && ctx.EmergencyAccess {
		return allowResult("emergency access granted", "policy:emergency_access"), true
	}

	// Maintenance mode blocks everyone else.
	p.mu.Lock()
	maintenance := p.cfg.MaintenanceMode
	p.mu.Unlock()
	if maintenance {
		return denyResult("system is in maintenance mode", "policy:maintenance_mode"), true
	}

	// Per-user rate limit.
	if p.cfg.RateLimitRPS > 0 && user != nil {
		if !p.limiter(user.ID).Allow() {
			return denyResult("rate limit exceeded", "policy:rate_limit"), true
		}
	}

	return Result{}, false
}

// Combine folds the named engine results into the final decision.
func (p *PolicyEvaluator) Combine(names []string, results map[string]Result) Result {
	ordered := p.orderEngines(names)

	var applied []string
	for _, name := range ordered {
		applied = append(applied, results[name].AppliedRules...)
	}

	// Any deny wins.
	for _, name := range ordered {
		res := results[name]
		if !res.Allowed {
			return Result{
				Allowed:      false,
				Reason:       res.Reason,
				AppliedRules: applied,
				Metadata:     map[string]interface{}{"denyingEngine": name},
			}
		}
	}

	// No explicit allow: the default policy decides.
	explicit := false
	for _, name := range ordered {
		if !results[name].isNeutral() {
			explicit = true
			break
		}
	}
	if !explicit {
		if p.cfg.DefaultPolicy == "allow" {
			return Result{
				Allowed:      true,
				Reason:       "default policy allow",
				AppliedRules: append(applied, "policy:default_allow"),
			}
		}
		return Result{
			Allowed:      false,
			Reason:       "denied by default policy",
			AppliedRules: append(applied, "policy:default_deny"),
		}
	}

	return Result{Allowed: true, Reason: "allowed by policy evaluation", AppliedRules: applied}
}

// orderEngines applies EvaluationOrder; engines it does not mention follow
// in their given order.
func (p *PolicyEvaluator) orderEngines(names []string) []string {
	if len(p.cfg.EvaluationOrder) == 0 {
		return names
	}
	seen := make(map[string]bool)
	var ordered []string
	for _, name := range p.cfg.EvaluationOrder {
		for _, known := range names {
			if known == name && !seen[name] {
				ordered = append(ordered, name)
				seen[name] = true
			}
		}
	}
	for _, name := range names {
		if !seen[name] {
			ordered = append(ordered, name)
		}
	}
	return ordered
}

func (p *PolicyEvaluator) limiter(userID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[userID]
	if !ok {
		burst := p.cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(p.cfg.RateLimitRPS), burst)
		p.limiters[userID] = l
	}
	return l
}

func isAdminUser(user *User) bool {
	if user == nil {
		return false
	}
	for _, role := range user.Roles {
		lower := strings.ToLower(role)
		if strings.Contains(lower, "admin") || strings.Contains(lower, "super") {
			return true
		}
	}
	return false
}
