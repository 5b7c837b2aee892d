package authz

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// RuleType marks a rule as granting or revoking access.
type RuleType string

const (
	RuleAllow RuleType = "allow"
	RuleDeny  RuleType = "deny"
)

// RuleScope limits where a rule applies. Resources are matched against the
// canonical resource string ("*" matches everything, a trailing ":*"
// matches the scope prefix).
type RuleScope struct {
	Resources []string `json:"resources"`
	Actions   []string `json:"actions"`
}

// RuleContext is what an evaluator sees.
type RuleContext struct {
	User     *User
	Resource Resource
	Action   string
	Context  *Context
}

// Evaluator is a user-provided predicate. It runs sandboxed: pure Go
// predicates get a bounded execution window, CEL expressions additionally
// have no I/O by construction.
type Evaluator func(rc RuleContext) (bool, error)

// Rule is a dynamic, priority-ordered predicate rule. Either Evaluate or
// Expression (a CEL program over user/resource/action/context) must be set.
type Rule struct {
	ID         string
	Name       string
	Priority   int
	Type       RuleType
	Scope      RuleScope
	Evaluate   Evaluator
	Expression string
	Active     bool
	CacheTTL   time.Duration
	Timeout    time.Duration
}

// RuleEngine maintains the rule list and evaluates it under the sandbox
// limits of its configuration.
type RuleEngine struct {
	cfg RuleEngineConfig

	mu    sync.RWMutex
	rules []*Rule // sorted by priority, highest first

	env      *cel.Env
	programs sync.Map // expression -> cel.Program

	cache sync.Map // ruleCacheKey -> ruleCacheEntry
}

type ruleCacheKey struct {
	ruleID   string
	user     string
	resource string
	action   string
}

type ruleCacheEntry struct {
	matched bool
	expires time.Time
}

// NewRuleEngine creates the dynamic rule engine. The CEL environment
// declares the four context variables every expression may use.
func NewRuleEngine(cfg RuleEngineConfig) (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("user", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("resource", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("action", decls.String),
			decls.NewVar("context", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule environment: %w", err)
	}
	return &RuleEngine{cfg: cfg, env: env}, nil
}

// AddRule validates and registers a rule. Requirements: id present, valid
// type, non-empty scope, and a callable evaluator or CEL expression.
func (e *RuleEngine) AddRule(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: id is required", util.ErrInvalidRule)
	}
	if rule.Type != RuleAllow && rule.Type != RuleDeny {
		return fmt.Errorf("%w: type must be allow or deny", util.ErrInvalidRule)
	}
	if len(rule.Scope.Resources) == 0 && len(rule.Scope.Actions) == 0 {
		return fmt.Errorf("%w: scope is empty", util.ErrInvalidRule)
	}
	if rule.Evaluate == nil && rule.Expression == "" {
		return fmt.Errorf("%w: evaluator is required", util.ErrInvalidRule)
	}

	if rule.Expression != "" {
		// Compile eagerly so a broken expression fails registration, not
		// evaluation.
		if _, err := e.program(rule.Expression); err != nil {
			return fmt.Errorf("%w: %v", util.ErrInvalidRule, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.MaxRules > 0 && len(e.rules) >= e.cfg.MaxRules {
		return fmt.Errorf("%w: rule limit reached", util.ErrInvalidRule)
	}
	for _, existing := range e.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("%w: duplicate id %s", util.ErrInvalidRule, rule.ID)
		}
	}

	stored := rule
	e.rules = append(e.rules, &stored)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
	return nil
}

// RemoveRule deletes a rule by id.
func (e *RuleEngine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, rule := range e.rules {
		if rule.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every rule.
func (e *RuleEngine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
}

// Count returns the number of registered rules.
func (e *RuleEngine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Decide evaluates the in-scope rules in priority order. A firing deny rule
// denies; otherwise a firing allow rule allows; a rule error is folded into
// the applied list with an :error suffix and evaluation continues.
func (e *RuleEngine) Decide(user *User, resource Resource, action string, ctx *Context) Result {
	if !e.cfg.Enabled {
		return neutralAllow("rules disabled")
	}

	e.mu.RLock()
	rules := make([]*Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	var applied []string
	sawAllow := false
	resourceStr := resource.String()

	for _, rule := range rules {
		if !rule.Active || !rule.Scope.matches(resourceStr, action) {
			continue
		}

		matched, err := e.runRule(rule, RuleContext{User: user, Resource: resource, Action: action, Context: ctx})
		if err != nil {
			applied = append(applied, "rule:"+rule.ID+":error")
			continue
		}
		if !matched {
			continue
		}
		applied = append(applied, "rule:"+rule.ID)

		if rule.Type == RuleDeny {
			return Result{
				Allowed:      false,
				Reason:       fmt.Sprintf("denied by rule %s", rule.ID),
				AppliedRules: applied,
			}
		}
		sawAllow = true
	}

	if sawAllow {
		return Result{Allowed: true, Reason: "allowed by dynamic rule", AppliedRules: applied}
	}
	return neutralAllow("no dynamic rule fired", applied...)
}

// runRule executes one rule under its timeout, consulting the per-rule
// result cache when the rule opts in.
func (e *RuleEngine) runRule(rule *Rule, rc RuleContext) (bool, error) {
	var key ruleCacheKey
	if rule.CacheTTL > 0 {
		userID := ""
		if rc.User != nil {
			userID = rc.User.ID
		}
		key = ruleCacheKey{ruleID: rule.ID, user: userID, resource: rc.Resource.String(), action: rc.Action}
		if raw, ok := e.cache.Load(key); ok {
			entry := raw.(ruleCacheEntry)
			if time.Now().Before(entry.expires) {
				return entry.matched, nil
			}
			e.cache.Delete(key)
		}
	}

	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	type outcome struct {
		matched bool
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("evaluator panicked: %v", r)}
			}
		}()
		matched, err := e.evaluate(rule, rc)
		ch <- outcome{matched: matched, err: err}
	}()

	select {
	case out := <-ch:
		if out.err == nil && rule.CacheTTL > 0 {
			e.cache.Store(key, ruleCacheEntry{matched: out.matched, expires: time.Now().Add(rule.CacheTTL)})
		}
		return out.matched, out.err
	case <-time.After(timeout):
		return false, fmt.Errorf("rule %s timed out after %s", rule.ID, timeout)
	}
}

func (e *RuleEngine) evaluate(rule *Rule, rc RuleContext) (bool, error) {
	if rule.Evaluate != nil {
		return rule.Evaluate(rc)
	}

	prg, err := e.program(rule.Expression)
	if err != nil {
		return false, err
	}

	userMap := map[string]interface{}{}
	if rc.User != nil {
		userMap = map[string]interface{}{
			"id":         rc.User.ID,
			"roles":      rc.User.Roles,
			"attributes": rc.User.Attributes,
			"active":     rc.User.Active,
		}
	}
	ctxMap := map[string]interface{}{}
	if rc.Context != nil {
		ctxMap = map[string]interface{}{
			"region":          rc.Context.Region,
			"sessionId":       rc.Context.SessionID,
			"emergencyAccess": rc.Context.EmergencyAccess,
			"attributes":      rc.Context.Attributes,
		}
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"user":     userMap,
		"resource": map[string]interface{}{"kind": string(rc.Resource.Kind), "id": rc.Resource.String()},
		"action":   rc.Action,
		"context":  ctxMap,
	})
	if err != nil {
		return false, fmt.Errorf("eval error: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule must return boolean")
	}
	return matched, nil
}

// program compiles (and caches) a CEL expression.
func (e *RuleEngine) program(expression string) (cel.Program, error) {
	if raw, ok := e.programs.Load(expression); ok {
		return raw.(cel.Program), nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %v", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program construction error: %v", err)
	}
	e.programs.Store(expression, prg)
	return prg, nil
}

// matches checks a rule scope against a resource string and action.
func (s RuleScope) matches(resourceStr, action string) bool {
	if len(s.Resources) > 0 && !matchAny(s.Resources, resourceStr) {
		return false
	}
	if len(s.Actions) > 0 && !containsOrStar(s.Actions, action) {
		return false
	}
	return true
}

func matchAny(patterns []string, resourceStr string) bool {
	for _, p := range patterns {
		if p == "*" || p == resourceStr {
			return true
		}
		if strings.HasSuffix(p, ":*") && strings.HasPrefix(resourceStr, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func containsOrStar(list []string, v string) bool {
	for _, item := range list {
		if item == "*" || item == v {
			return true
		}
	}
	return false
}
