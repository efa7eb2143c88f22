// Package rule parses, validates and evaluates the price conditions that
// resolve markets automatically.
package rule

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/pointsmarket/internal/model"
)

var validOps = map[model.Comparator]bool{
	model.OpGTE: true,
	model.OpGT:  true,
	model.OpLTE: true,
	model.OpLT:  true,
	model.OpEQ:  true,
}

// exprRegex matches: {asset} {op} {target}[ ~{tolerance}]
// Example: bitcoin >= 65000, ethereum == 3000 ~5
var exprRegex = regexp.MustCompile(
	`^\s*([a-z0-9][a-z0-9._-]*)\s*(>=|<=|==|>|<)\s*([0-9]+(?:\.[0-9]+)?)(?:\s*~\s*([0-9]+(?:\.[0-9]+)?))?\s*$`,
)

var (
	ErrInvalidExpression = errors.New("rule: invalid expression")
	ErrInvalidOperator   = errors.New("rule: unsupported comparator")
	ErrInvalidTarget     = errors.New("rule: target price must be positive")
	ErrInvalidAsset      = errors.New("rule: asset id is required")
	ErrInvalidOutcome    = errors.New("rule: outcome mapping must be YES or NO")
)

// Parse builds a rule from a compact expression such as "bitcoin >= 65000".
// The resulting rule maps a true condition to YES and leaves OnFalse unset.
func Parse(expr string) (*model.Rule, error) {
	m := exprRegex.FindStringSubmatch(strings.ToLower(expr))
	if m == nil {
		return nil, fmt.Errorf("%w: %q (expected {asset} {op} {target}[ ~{tolerance}])",
			ErrInvalidExpression, expr)
	}

	target, err := decimal.NewFromString(m[3])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, m[3])
	}

	r := &model.Rule{
		AssetID: m[1],
		Op:      model.Comparator(m[2]),
		Target:  target,
		OnTrue:  model.SideYes,
	}
	if m[4] != "" {
		r.Tolerance, err = decimal.NewFromString(m[4])
		if err != nil {
			return nil, fmt.Errorf("%w: tolerance %s", ErrInvalidExpression, m[4])
		}
	}

	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks a rule built from JSON. An empty OnTrue defaults to YES.
func Validate(r *model.Rule) error {
	if strings.TrimSpace(r.AssetID) == "" {
		return ErrInvalidAsset
	}
	if !validOps[r.Op] {
		return fmt.Errorf("%w: %s", ErrInvalidOperator, r.Op)
	}
	if !r.Target.IsPositive() {
		return ErrInvalidTarget
	}
	if r.Tolerance.IsNegative() {
		return fmt.Errorf("%w: negative tolerance", ErrInvalidExpression)
	}
	if r.OnTrue == "" {
		r.OnTrue = model.SideYes
	}
	if !r.OnTrue.Valid() {
		return ErrInvalidOutcome
	}
	if r.OnFalse != nil && !r.OnFalse.Valid() {
		return ErrInvalidOutcome
	}
	return nil
}

// Holds evaluates the comparator against an oracle price.
func Holds(r model.Rule, price decimal.Decimal) bool {
	switch r.Op {
	case model.OpGTE:
		return price.GreaterThanOrEqual(r.Target)
	case model.OpGT:
		return price.GreaterThan(r.Target)
	case model.OpLTE:
		return price.LessThanOrEqual(r.Target)
	case model.OpLT:
		return price.LessThan(r.Target)
	case model.OpEQ:
		return price.Sub(r.Target).Abs().LessThanOrEqual(r.Tolerance)
	}
	return false
}

// Outcome maps an oracle price to a resolution. ok is false when the
// condition does not hold and the rule has no OnFalse mapping, meaning the
// market should stay open.
func Outcome(r model.Rule, price decimal.Decimal) (side model.Side, ok bool) {
	if Holds(r, price) {
		return r.OnTrue, true
	}
	if r.OnFalse != nil {
		return *r.OnFalse, true
	}
	return "", false
}

// String renders the rule in Parse syntax.
func String(r model.Rule) string {
	s := fmt.Sprintf("%s %s %s", r.AssetID, r.Op, r.Target.String())
	if r.Op == model.OpEQ && r.Tolerance.IsPositive() {
		s += " ~" + r.Tolerance.String()
	}
	return s
}
