package query

import (
	"strings"
)

// Match evaluates e against r.
//
// A nil expression matches every record. Missing fields never match. The
// whole tree is validated before any node is evaluated, so an expression
// that [Validate] would reject yields an error wrapping [ErrMalformedWhere]
// for every record, even when a branch would short-circuit past the bad node.
func Match(e Expr, r Record) (bool, error) {
	if e == nil {
		return true, nil
	}
	if err := Validate(e); err != nil {
		return false, err
	}
	return match(e, r), nil
}

// match evaluates a validated tree.
func match(e Expr, r Record) bool {
	switch n := e.(type) {
	case Predicate:
		return matchPredicate(n, r)
	case And:
		for _, child := range n.Exprs {
			if !match(child, r) {
				return false
			}
		}
		return true
	case Or:
		for _, child := range n.Exprs {
			if match(child, r) {
				return true
			}
		}
		return false
	}
	return false
}

func matchPredicate(p Predicate, r Record) bool {
	value, ok := r.Lookup(p.Field)
	if !ok {
		return false
	}

	switch p.Op {
	case OpContains:
		return containsText(value, p.Value.(string))
	case OpEq:
		return scalarEqual(value, p.Value)
	}
	return false
}

// containsText is a case-sensitive substring test. Arrays match when any
// string element contains the text.
func containsText(value any, text string) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, text)
	case []any:
		for _, elem := range v {
			if s, ok := elem.(string); ok && strings.Contains(s, text) {
				return true
			}
		}
	}
	return false
}

// scalarEqual compares numbers numerically and everything else by kind and value.
func scalarEqual(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}
