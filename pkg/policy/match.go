package policy

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Roots a condition field may start with.
const (
	rootClaims      = "claims"
	rootResource    = "resource"
	rootEnvironment = "environment"
)

// matchRule reports whether rule grants access to a caller holding roles.
// When it does not, it returns the reasons and remediation the rule
// contributes, falling back to the defaults for the failing check.
func matchRule(rule Rule, roles map[string]struct{}, req AccessRequest) (ok bool, reasons, remediation []string) {
	if rule.AnyRole != nil && !hasAny(roles, rule.AnyRole) {
		return false,
			orDefault(rule.Reasons, ReasonMissingRole+strings.Join(rule.AnyRole, ",")),
			orDefault(rule.Remediation, RemediationElevateRole)
	}
	if len(rule.AllRoles) > 0 && !hasAll(roles, rule.AllRoles) {
		return false,
			orDefault(rule.Reasons, ReasonMissingAllRoles+strings.Join(rule.AllRoles, ",")),
			orDefault(rule.Remediation, RemediationElevateRole)
	}
	for _, c := range rule.Conditions {
		if !evalCondition(c, req) {
			return false,
				orDefault(rule.Reasons, ReasonConditionFailed),
				orDefault(rule.Remediation, RemediationReviewAttrs)
		}
	}
	return true, nil, nil
}

func orDefault(values []string, def string) []string {
	if len(values) > 0 {
		return values
	}
	return []string{def}
}

func hasAny(roles map[string]struct{}, want []string) bool {
	for _, r := range want {
		if _, ok := roles[r]; ok {
			return true
		}
	}
	return false
}

func hasAll(roles map[string]struct{}, want []string) bool {
	for _, r := range want {
		if _, ok := roles[r]; !ok {
			return false
		}
	}
	return true
}

// evalCondition applies c to the attribute it addresses. An attribute that
// cannot be resolved fails every operator, including neq and nin.
func evalCondition(c Condition, req AccessRequest) bool {
	v, found := resolveField(c.Field, req)
	if !found {
		return false
	}
	switch c.Operator {
	case OpEq:
		return scalarEqual(v, c.Value)
	case OpNeq:
		return isScalar(v) && isScalar(c.Value) && !scalarEqual(v, c.Value)
	case OpIn:
		list, ok := c.Value.([]any)
		return ok && contains(list, v)
	case OpNin:
		list, ok := c.Value.([]any)
		return ok && !contains(list, v)
	case OpGte, OpLte:
		a, ok := toFloat(v)
		if !ok {
			return false
		}
		b, ok := toFloat(c.Value)
		if !ok {
			return false
		}
		if c.Operator == OpGte {
			return a >= b
		}
		return a <= b
	default:
		return false
	}
}

// resolveField walks a dotted path from one of the three roots. Map keys
// select object members and decimal segments index arrays.
func resolveField(field string, req AccessRequest) (any, bool) {
	segments := strings.Split(field, ".")
	var current any
	switch segments[0] {
	case rootClaims:
		if req.Claims == nil {
			return nil, false
		}
		current = req.Claims.Attributes()
	case rootResource:
		current = req.Resource
	case rootEnvironment:
		current = req.Environment
	default:
		return nil, false
	}

	for _, seg := range segments[1:] {
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(container any, seg string) (any, bool) {
	switch c := container.(type) {
	case map[string]any:
		v, ok := c[seg]
		return v, ok
	case map[string]string:
		v, ok := c[seg]
		return v, ok
	case []any:
		i, ok := index(seg, len(c))
		if !ok {
			return nil, false
		}
		return c[i], true
	case []string:
		i, ok := index(seg, len(c))
		if !ok {
			return nil, false
		}
		return c[i], true
	}
	return nil, false
}

func index(seg string, n int) (int, bool) {
	if seg == "" || seg[0] == '+' || seg[0] == '-' {
		return 0, false
	}
	i, err := strconv.Atoi(seg)
	if err != nil || i >= n {
		return 0, false
	}
	return i, true
}

func contains(list []any, v any) bool {
	for _, item := range list {
		if scalarEqual(item, v) {
			return true
		}
	}
	return false
}

// scalarEqual compares strings, booleans, numbers (numerically) and null.
// Objects and arrays are never equal to anything.
func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool:
		return true
	}
	_, ok := toFloat(v)
	return ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), !math.IsNaN(float64(n))
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
