package authz

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kartikbazzad/bunstore/internal/logger"
)

// builtinSensitiveActions always trip the business-hours gate.
var builtinSensitiveActions = []string{"delete", "admin", "config", "system", "bulk_write"}

// ABACEngine evaluates contextual and attribute predicates: access level
// against high-security resources, business hours for sensitive actions,
// allowed-region intersection, document ownership, and session freshness.
type ABACEngine struct {
	cfg      ABACConfig
	patterns []*regexp.Regexp
}

// NewABACEngine compiles the high-security patterns up front; an invalid
// pattern is logged and skipped rather than silently widening access.
func NewABACEngine(cfg ABACConfig) *ABACEngine {
	e := &ABACEngine{cfg: cfg}
	log := logger.ForComponent("authz")
	for _, raw := range cfg.HighSecurityPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			log.Warn("invalid high-security pattern skipped", "pattern", raw, "error", err)
			continue
		}
		e.patterns = append(e.patterns, re)
	}
	return e
}

type abacVerdict int

const (
	abacNeutral abacVerdict = iota
	abacAllow
	abacDeny
)

// Decide evaluates every attribute check. Any deny wins; explicit allows
// without a deny allow; otherwise the decision defers to defaultDeny. In
// strict mode a missing required attribute denies.
func (e *ABACEngine) Decide(user *User, resource Resource, action string, ctx *Context) Result {
	if !e.cfg.Enabled {
		return neutralAllow("ABAC disabled")
	}

	var applied []string
	sawAllow := false

	record := func(v abacVerdict, rule string) abacVerdict {
		applied = append(applied, rule)
		if v == abacAllow {
			sawAllow = true
		}
		return v
	}

	if v := e.checkAccessLevel(user, resource); v.verdict != abacNeutral {
		if record(v.verdict, v.rule) == abacDeny {
			return denyResult(v.reason, applied...)
		}
	}
	if v := e.checkBusinessHours(action, ctx); v.verdict != abacNeutral {
		if record(v.verdict, v.rule) == abacDeny {
			return denyResult(v.reason, applied...)
		}
	}
	if v := e.checkRegion(user, ctx); v.verdict != abacNeutral {
		if record(v.verdict, v.rule) == abacDeny {
			return denyResult(v.reason, applied...)
		}
	}
	if v := e.checkOwnership(user, resource, ctx); v.verdict != abacNeutral {
		if record(v.verdict, v.rule) == abacDeny {
			return denyResult(v.reason, applied...)
		}
	}
	if v := e.checkFreshness(user, ctx); v.verdict != abacNeutral {
		if record(v.verdict, v.rule) == abacDeny {
			return denyResult(v.reason, applied...)
		}
	}

	if sawAllow {
		return Result{Allowed: true, Reason: "attribute checks passed", AppliedRules: applied}
	}
	if e.cfg.DefaultDeny {
		return Result{Allowed: false, Reason: "no attribute check granted access", AppliedRules: applied}
	}
	return neutralAllow("no attribute check denied access", applied...)
}

type abacCheck struct {
	verdict abacVerdict
	rule    string
	reason  string
}

// checkAccessLevel requires accessLevel=high for resources matching a
// high-security pattern.
func (e *ABACEngine) checkAccessLevel(user *User, resource Resource) abacCheck {
	resourceStr := resource.String()
	matched := false
	for _, re := range e.patterns {
		if re.MatchString(resourceStr) {
			matched = true
			break
		}
	}
	if !matched {
		return abacCheck{}
	}

	level, ok := userAttr(user, "accessLevel")
	if !ok {
		if e.cfg.StrictMode {
			return abacCheck{abacDeny, "abac:access_level",
				fmt.Sprintf("high-security resource %s requires accessLevel attribute", resourceStr)}
		}
		return abacCheck{abacNeutral, "abac:access_level", ""}
	}
	if level == "high" {
		return abacCheck{abacAllow, "abac:access_level", ""}
	}
	return abacCheck{abacDeny, "abac:access_level",
		fmt.Sprintf("high-security resource %s requires accessLevel=high", resourceStr)}
}

// checkBusinessHours gates sensitive actions outside [start, end).
func (e *ABACEngine) checkBusinessHours(action string, ctx *Context) abacCheck {
	if !e.isSensitive(action) {
		return abacCheck{}
	}
	hour := ctx.now().Hour()
	if hour >= e.cfg.BusinessHoursStart && hour < e.cfg.BusinessHoursEnd {
		return abacCheck{abacAllow, "abac:business_hours", ""}
	}
	return abacCheck{abacDeny, "abac:business_hours",
		fmt.Sprintf("sensitive action %q outside business hours", action)}
}

func (e *ABACEngine) isSensitive(action string) bool {
	for _, a := range builtinSensitiveActions {
		if a == action {
			return true
		}
	}
	if strings.HasPrefix(action, "drop_") || strings.HasPrefix(action, "manage_") {
		return true
	}
	for _, a := range e.cfg.SensitiveActions {
		if a == action {
			return true
		}
	}
	return false
}

// checkRegion intersects the user's allowedRegions with the request region.
func (e *ABACEngine) checkRegion(user *User, ctx *Context) abacCheck {
	if ctx == nil || ctx.Region == "" {
		return abacCheck{}
	}
	raw, ok := userAttr(user, "allowedRegions")
	if !ok {
		if e.cfg.StrictMode {
			return abacCheck{abacDeny, "abac:region", "allowedRegions attribute missing"}
		}
		return abacCheck{}
	}
	for _, region := range toStringList(raw) {
		if region == ctx.Region {
			return abacCheck{abacAllow, "abac:region", ""}
		}
	}
	return abacCheck{abacDeny, "abac:region",
		fmt.Sprintf("region %s not in user's allowed regions", ctx.Region)}
}

// checkOwnership compares the document owner (context attribute ownerId)
// with the requesting user.
func (e *ABACEngine) checkOwnership(user *User, resource Resource, ctx *Context) abacCheck {
	if resource.Kind != ResourceDocument {
		return abacCheck{}
	}
	owner, ok := ctx.attr("ownerId")
	if !ok {
		if e.cfg.StrictMode {
			return abacCheck{abacDeny, "abac:ownership", "document owner unknown"}
		}
		return abacCheck{}
	}
	if user != nil && fmt.Sprintf("%v", owner) == user.ID {
		return abacCheck{abacAllow, "abac:ownership", ""}
	}
	return abacCheck{abacDeny, "abac:ownership", "user does not own the document"}
}

// checkFreshness denies stale sessions based on the lastActivity attribute.
func (e *ABACEngine) checkFreshness(user *User, ctx *Context) abacCheck {
	if e.cfg.StaleSessionAfter <= 0 {
		return abacCheck{}
	}
	raw, ok := userAttr(user, "lastActivity")
	if !ok {
		if e.cfg.StrictMode {
			return abacCheck{abacDeny, "abac:stale_session", "lastActivity attribute missing"}
		}
		return abacCheck{}
	}
	last, ok := toTime(raw)
	if !ok {
		return abacCheck{abacDeny, "abac:stale_session", "lastActivity attribute unreadable"}
	}
	if ctx.now().Sub(last) > e.cfg.StaleSessionAfter {
		return abacCheck{abacDeny, "abac:stale_session", "session is stale"}
	}
	return abacCheck{abacAllow, "abac:stale_session", ""}
}

func userAttr(user *User, key string) (interface{}, bool) {
	if user == nil || user.Attributes == nil {
		return nil, false
	}
	v, ok := user.Attributes[key]
	return v, ok
}

func toStringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		return []string{list}
	default:
		return nil
	}
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
