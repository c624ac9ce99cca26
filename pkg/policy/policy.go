// Package policy evaluates access requests against a JSON rule bundle.
//
// A bundle maps action names to ordered rules. Evaluation walks the rules
// of the requested action in declaration order and allows on the first
// rule that matches. A rule matches when the caller holds one of its
// anyRole roles, all of its allRoles roles, and every condition holds.
// When nothing matches, the reasons and remediation hints of the failed
// rules are returned in order.
//
// There is no rule language: conditions compare a single attribute,
// addressed by a dotted path under claims, resource or environment, with a
// literal value using one of six operators.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/StricklySoft/plutus-security/pkg/claims"
	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

const tracerName = "github.com/StricklySoft/plutus-security/pkg/policy"

// Operator compares a resolved attribute with a condition value.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpIn  Operator = "in"
	OpNin Operator = "nin"
	OpGte Operator = "gte"
	OpLte Operator = "lte"
)

// Default reasons and remediation used when a failing rule defines none.
const (
	ReasonMissingRole      = "missing_required_role:"
	ReasonMissingAllRoles  = "missing_all_roles:"
	ReasonConditionFailed  = "abac_condition_failed"
	RemediationElevateRole = "request role elevation"
	RemediationReviewAttrs = "review resource attributes"
)

// Bundle is a versioned set of rules keyed by action.
type Bundle struct {
	Version     string            `json:"version" validate:"required"`
	Entrypoints map[string][]Rule `json:"entrypoints" validate:"required,dive,keys,required,endkeys,dive"`
}

// Rule grants access when all of its constraints hold. An absent role list
// imposes no constraint. A present but empty anyRole matches no caller,
// while an empty allRoles is trivially satisfied.
type Rule struct {
	AnyRole     []string    `json:"anyRole,omitempty" validate:"dive,required"`
	AllRoles    []string    `json:"allRoles,omitempty" validate:"dive,required"`
	Conditions  []Condition `json:"conditions,omitempty" validate:"dive"`
	Reasons     []string    `json:"reasons,omitempty"`
	Remediation []string    `json:"remediation,omitempty"`
}

// Condition compares the attribute at Field with Value.
type Condition struct {
	Field    string   `json:"field" validate:"required"`
	Operator Operator `json:"operator" validate:"required,oneof=eq neq in nin gte lte"`
	Value    any      `json:"value"`
}

// AccessRequest is the input to [Engine.Evaluate].
type AccessRequest struct {
	Claims      *claims.AugmentedClaims
	Action      string
	Resource    map[string]any
	Environment map[string]any
}

// AccessDecision is the outcome of an evaluation. Reasons and Remediation
// are nil unless a rule failed and contributed one.
type AccessDecision struct {
	Allow       bool     `json:"allow"`
	Reasons     []string `json:"reasons,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}

var (
	bundleValidatorOnce sync.Once
	bundleValidator     *validator.Validate
)

func structValidator() *validator.Validate {
	bundleValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterStructValidation(validateCondition, Condition{})
		bundleValidator = v
	})
	return bundleValidator
}

// validateCondition rejects in and nin conditions whose value is not a
// list, and ordered comparisons against non-numbers.
func validateCondition(sl validator.StructLevel) {
	c := sl.Current().Interface().(Condition)
	switch c.Operator {
	case OpIn, OpNin:
		if _, ok := c.Value.([]any); !ok {
			sl.ReportError(c.Value, "value", "Value", "list", string(c.Operator))
		}
	case OpGte, OpLte:
		if _, ok := toFloat(c.Value); !ok {
			sl.ReportError(c.Value, "value", "Value", "number", string(c.Operator))
		}
	}
}

// ParseBundle decodes a bundle for evaluation. Only the JSON shape and the
// presence of entrypoints are checked. Conditions that can never hold, such
// as gte against a string, simply fail when evaluated, and unknown keys are
// ignored.
func ParseBundle(data []byte) (*Bundle, error) {
	b, err := decodeBundle(data, false)
	if err != nil {
		return nil, err
	}
	if b.Entrypoints == nil {
		return nil, errors.New("invalid bundle: entrypoints is missing")
	}
	return b, nil
}

// ValidateBundle lints data before it is published, as a
// [sserr.CodePolicyBundleParse] error naming source. It is stricter than
// [ParseBundle]: unknown keys, a missing version, unknown operators and
// condition values that can never match are all rejected.
func ValidateBundle(data []byte, source string) error {
	if err := lintBundle(data); err != nil {
		return sserr.PolicyBundleParse(err, source)
	}
	return nil
}

func lintBundle(data []byte) error {
	b, err := decodeBundle(data, true)
	if err != nil {
		return err
	}
	if err := structValidator().Struct(b); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid bundle: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid bundle: %w", err)
	}
	return nil
}

func decodeBundle(data []byte, strict bool) (*Bundle, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if strict {
		dec.DisallowUnknownFields()
	}
	var b Bundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode bundle: trailing data after bundle")
	}
	return &b, nil
}
