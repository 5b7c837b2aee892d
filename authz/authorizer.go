package authz

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kartikbazzad/bunstore/audit"
	"github.com/kartikbazzad/bunstore/internal/metrics"
)

// engineNames is the default evaluation order of the decision engines.
var engineNames = []string{"rbac", "abac", "rules"}

// Authorizer is the facade over the decision engines, the policy evaluator,
// and the permission cache.
type Authorizer struct {
	cfg    Config
	roles  *RoleManager
	rbac   *RBACEngine
	abac   *ABACEngine
	rules  *RuleEngine
	policy *PolicyEvaluator
	cache  *PermissionCache

	mu       sync.RWMutex
	auditLog *audit.Logger
	metrics  *metrics.Metrics

	decisions atomic.Uint64
	denials   atomic.Uint64
	totalEval atomic.Int64 // nanoseconds
}

// New builds an authorizer from a configuration.
func New(cfg Config) (*Authorizer, error) {
	roles := NewRoleManager()
	rules, err := NewRuleEngine(cfg.Rules)
	if err != nil {
		return nil, err
	}
	return &Authorizer{
		cfg:    cfg,
		roles:  roles,
		rbac:   NewRBACEngine(cfg.RBAC, roles),
		abac:   NewABACEngine(cfg.ABAC),
		rules:  rules,
		policy: NewPolicyEvaluator(cfg.Policy),
		cache:  NewPermissionCache(cfg.Cache),
	}, nil
}

// Roles exposes the role registry for administration.
func (a *Authorizer) Roles() *RoleManager { return a.roles }

// Policy exposes the policy evaluator for runtime toggles.
func (a *Authorizer) Policy() *PolicyEvaluator { return a.policy }

// SetAuditLogger attaches an audit logger; denials are emitted to it.
func (a *Authorizer) SetAuditLogger(l *audit.Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.auditLog = l
}

// SetMetrics attaches a prometheus instrument set; decision latency and
// cache behavior are recorded on it.
func (a *Authorizer) SetMetrics(m *metrics.Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = m
}

// CheckPermission decides one (user, resource, action) under the configured
// engines and policies.
func (a *Authorizer) CheckPermission(user *User, resource Resource, action string, ctx *Context) Result {
	start := time.Now()
	result := a.decide(user, resource, action, ctx)
	result.EvaluationTime = time.Since(start)

	a.decisions.Add(1)
	a.totalEval.Add(int64(result.EvaluationTime))

	a.mu.RLock()
	m := a.metrics
	a.mu.RUnlock()
	if m != nil {
		m.ObserveAuthz(result.EvaluationTime)
		if result.CacheHit {
			m.CacheHits.Inc()
		} else {
			m.CacheMisses.Inc()
		}
	}

	if !result.Allowed {
		a.denials.Add(1)
		a.emitDenial(user, resource, action, result)
	}
	return result
}

// CheckPermissions runs a batch of checks for one user.
func (a *Authorizer) CheckPermissions(user *User, checks []PermissionCheck) []Result {
	results := make([]Result, len(checks))
	for i, check := range checks {
		results[i] = a.CheckPermission(user, check.Resource, check.Action, check.Context)
	}
	return results
}

func (a *Authorizer) decide(user *User, resource Resource, action string, ctx *Context) Result {
	if !a.policy.Enabled() {
		return allowResult("policy evaluation disabled")
	}

	userID := ""
	if user != nil {
		userID = user.ID
	}
	resourceStr := resource.String()

	if cached, ok := a.cache.Get(userID, resourceStr, action); ok {
		cached.CacheHit = true
		return cached
	}

	// Inactive or locked principals never reach the engines.
	if user != nil && (!user.Active || user.Locked) {
		result := denyResult("user is inactive or locked", "policy:principal_state")
		a.cache.Put(userID, resourceStr, action, result)
		return result
	}

	// Out-of-band policies take precedence over engine combination.
	if result, handled := a.policy.EvaluatePolicies(user, resource, action, ctx); handled {
		a.cache.Put(userID, resourceStr, action, result)
		return result
	}

	results := map[string]Result{
		"rbac":  a.rbac.Decide(user, resource, action),
		"abac":  a.abac.Decide(user, resource, action, ctx),
		"rules": a.rules.Decide(user, resource, action, ctx),
	}
	result := a.policy.Combine(engineNames, results)

	a.cache.Put(userID, resourceStr, action, result)
	return result
}

// AddDynamicRule registers a dynamic rule.
func (a *Authorizer) AddDynamicRule(rule Rule) error {
	return a.rules.AddRule(rule)
}

// RemoveDynamicRule removes a dynamic rule by id.
func (a *Authorizer) RemoveDynamicRule(id string) bool {
	return a.rules.RemoveRule(id)
}

// ClearDynamicRules removes every dynamic rule.
func (a *Authorizer) ClearDynamicRules() {
	a.rules.Clear()
}

// ClearPermissionCache drops every cached decision.
func (a *Authorizer) ClearPermissionCache() {
	a.cache.Clear()
}

// InvalidateCachePattern removes cached decisions whose key matches the
// regex pattern; returns how many were dropped.
func (a *Authorizer) InvalidateCachePattern(pattern string) (int, error) {
	return a.cache.InvalidatePattern(pattern)
}

// GetPermissionCacheStats reports cache statistics.
func (a *Authorizer) GetPermissionCacheStats() CacheStats {
	return a.cache.Stats()
}

// HealthStatus is the authorizer's self-report.
type HealthStatus struct {
	Healthy     bool                   `json:"healthy"`
	Components  map[string]string      `json:"components"`
	Performance map[string]interface{} `json:"performance"`
	LastCheck   time.Time              `json:"lastCheck"`
}

// HealthCheck reports component status and cumulative performance figures.
func (a *Authorizer) HealthCheck() HealthStatus {
	components := map[string]string{
		"rbac":   engineState(a.cfg.RBAC.Enabled),
		"abac":   engineState(a.cfg.ABAC.Enabled),
		"rules":  engineState(a.cfg.Rules.Enabled),
		"policy": engineState(a.cfg.Policy.Enabled),
		"cache":  engineState(a.cfg.Cache.Enabled),
	}

	decisions := a.decisions.Load()
	var avg time.Duration
	if decisions > 0 {
		avg = time.Duration(a.totalEval.Load() / int64(decisions))
	}
	stats := a.cache.Stats()

	return HealthStatus{
		Healthy:    true,
		Components: components,
		Performance: map[string]interface{}{
			"decisions":         decisions,
			"denials":           a.denials.Load(),
			"avgEvaluationTime": avg.String(),
			"cacheHitRate":      stats.HitRate,
			"dynamicRules":      a.rules.Count(),
		},
		LastCheck: time.Now(),
	}
}

func engineState(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func (a *Authorizer) emitDenial(user *User, resource Resource, action string, result Result) {
	a.mu.RLock()
	l := a.auditLog
	a.mu.RUnlock()
	if l == nil {
		return
	}
	userID := ""
	if user != nil {
		userID = user.ID
	}
	_ = l.Log(audit.Event{
		Category: audit.CategoryAuthorization,
		Action:   action,
		Severity: audit.SeverityWarning,
		Outcome:  audit.OutcomeDenied,
		Resource: resource.String(),
		User:     userID,
		Details: map[string]interface{}{
			"reason":       result.Reason,
			"appliedRules": result.AppliedRules,
		},
	})
}
