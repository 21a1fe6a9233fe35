package search

import (
	"fmt"
	"net"
	"strings"

	"argus/core"
)

// MaxRegexLength bounds user-supplied regex patterns.
// SECURITY: Prevents ReDoS via pathological pattern size.
const MaxRegexLength = 128

// ExprKind discriminates the Expr tagged union. Every switch over ExprKind
// must be exhaustive so a new operator cannot be half-wired.
type ExprKind int

const (
	ExprEq ExprKind = iota
	ExprContains
	ExprContainsAny
	ExprRegex
	ExprBetween
	ExprIPInCIDR
	ExprJSONEq
	ExprAnd
	ExprOr
	ExprNot
)

// String returns the operator name for diagnostics.
func (k ExprKind) String() string {
	switch k {
	case ExprEq:
		return "eq"
	case ExprContains:
		return "contains"
	case ExprContainsAny:
		return "contains_any"
	case ExprRegex:
		return "regex"
	case ExprBetween:
		return "between"
	case ExprIPInCIDR:
		return "ip_in_cidr"
	case ExprJSONEq:
		return "json_eq"
	case ExprAnd:
		return "and"
	case ExprOr:
		return "or"
	case ExprNot:
		return "not"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Expr is the predicate condition tree shared by the search compiler and
// the streaming matcher. Which fields are meaningful depends on Kind.
type Expr struct {
	Kind ExprKind

	// Field is the event field for leaf conditions
	Field string
	// Value holds the comparison value for Eq, Contains, Regex, JSONEq
	Value string
	// Values holds the token list for ContainsAny
	Values []string
	// Lo and Hi hold the inclusive bounds for Between
	Lo, Hi string
	// CIDR holds the network for IPInCIDR
	CIDR string
	// Path holds the dotted JSON path for JSONEq
	Path string

	// Children holds operands for And/Or; exactly one element for Not
	Children []*Expr
}

// Leaf constructors.

func Eq(field, value string) *Expr    { return &Expr{Kind: ExprEq, Field: field, Value: value} }
func Contains(field, v string) *Expr  { return &Expr{Kind: ExprContains, Field: field, Value: v} }
func Regex(field, pattern string) *Expr {
	return &Expr{Kind: ExprRegex, Field: field, Value: pattern}
}
func Between(field, lo, hi string) *Expr {
	return &Expr{Kind: ExprBetween, Field: field, Lo: lo, Hi: hi}
}
func IPInCIDR(field, cidr string) *Expr {
	return &Expr{Kind: ExprIPInCIDR, Field: field, CIDR: cidr}
}
func JSONEq(path, value string) *Expr { return &Expr{Kind: ExprJSONEq, Path: path, Value: value} }

func ContainsAny(field string, tokens []string) *Expr {
	return &Expr{Kind: ExprContainsAny, Field: field, Values: tokens}
}

// Combinators.

func And(children ...*Expr) *Expr { return &Expr{Kind: ExprAnd, Children: children} }
func Or(children ...*Expr) *Expr  { return &Expr{Kind: ExprOr, Children: children} }
func Not(child *Expr) *Expr       { return &Expr{Kind: ExprNot, Children: []*Expr{child}} }

// Validate checks the structural invariants of the condition tree: bounded
// regex length, valid IPv4 CIDR prefix, fields drawn from the allow-list,
// well-formed combinators. Called before any compilation or evaluation.
func (e *Expr) Validate() error {
	if e == nil {
		return nil
	}

	switch e.Kind {
	case ExprEq, ExprContains:
		return validateField(e.Field)

	case ExprContainsAny:
		if len(e.Values) == 0 {
			return core.NewValidationError(e.Field, "contains_any requires at least one token")
		}
		return validateField(e.Field)

	case ExprRegex:
		if len(e.Value) > MaxRegexLength {
			return core.NewValidationError(e.Field,
				fmt.Sprintf("regex pattern exceeds %d characters", MaxRegexLength))
		}
		if e.Value == "" {
			return core.NewValidationError(e.Field, "empty regex pattern")
		}
		return validateField(e.Field)

	case ExprBetween:
		if e.Lo == "" || e.Hi == "" {
			return core.NewValidationError(e.Field, "between requires both bounds")
		}
		return validateField(e.Field)

	case ExprIPInCIDR:
		if err := validateCIDR(e.CIDR); err != nil {
			return err
		}
		return validateField(e.Field)

	case ExprJSONEq:
		return validateJSONPath(e.Path)

	case ExprAnd, ExprOr:
		if len(e.Children) == 0 {
			return core.NewValidationError("", e.Kind.String()+" requires at least one operand")
		}
		for _, c := range e.Children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
		return nil

	case ExprNot:
		if len(e.Children) != 1 {
			return core.NewValidationError("", "not requires exactly one operand")
		}
		return e.Children[0].Validate()

	default:
		return core.NewValidationError("", fmt.Sprintf("unknown expression kind %d", int(e.Kind)))
	}
}

// validateCIDR requires an IPv4 network with a 0-32 prefix. IPv6 is a
// documented gap shared with the streaming matcher.
func validateCIDR(cidr string) error {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return core.NewValidationError("", fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
	}
	if ip.To4() == nil {
		return core.NewValidationError("", fmt.Sprintf("CIDR %q is not IPv4", cidr))
	}
	ones, bits := ipNet.Mask.Size()
	if bits != 32 || ones < 0 || ones > 32 {
		return core.NewValidationError("", fmt.Sprintf("CIDR %q prefix out of range", cidr))
	}
	return nil
}

// IPInCIDRMatch reports whether addr (IPv4 dotted quad) is inside cidr.
// Shared by the streaming matcher so batch and stream paths agree.
func IPInCIDRMatch(addr, cidr string) bool {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil || ip.To4() == nil {
		return false
	}
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}
