package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformedWhere is wrapped by every error describing an unusable filter tree.
var ErrMalformedWhere = errors.New("malformed where")

// Op is a leaf predicate operator.
type Op string

const (
	// OpContains matches string fields containing the operand.
	OpContains Op = "contains"

	// OpEq matches fields equal to a scalar operand.
	OpEq Op = "eq"
)

// Expr is a node of a where tree.
//
// This is a sealed interface: only [Predicate], [And] and [Or] implement it,
// so type switches over Expr are exhaustive.
type Expr interface {
	exprNode()
}

// Predicate is a leaf comparing one record field against an operand.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// And is true when every child expression is true.
type And struct {
	Exprs []Expr
}

// Or is true when at least one child expression is true.
type Or struct {
	Exprs []Expr
}

func (Predicate) exprNode() {}
func (And) exprNode()       {}
func (Or) exprNode()        {}

// Contains builds a contains predicate.
func Contains(field, text string) Predicate {
	return Predicate{Field: field, Op: OpContains, Value: text}
}

// Eq builds an equality predicate.
func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: value}
}

// AllOf builds an [And] node.
func AllOf(exprs ...Expr) And {
	return And{Exprs: exprs}
}

// AnyOf builds an [Or] node.
func AnyOf(exprs ...Expr) Or {
	return Or{Exprs: exprs}
}

// MarshalJSON encodes the predicate as {"field": {"op": value}}.
func (p Predicate) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]map[Op]any{p.Field: {p.Op: p.Value}})
}

// MarshalJSON encodes the node as {"and": [...]}.
func (a And) MarshalJSON() ([]byte, error) {
	return marshalCombinator("and", a.Exprs)
}

// MarshalJSON encodes the node as {"or": [...]}.
func (o Or) MarshalJSON() ([]byte, error) {
	return marshalCombinator("or", o.Exprs)
}

func marshalCombinator(key string, exprs []Expr) ([]byte, error) {
	if exprs == nil {
		exprs = []Expr{}
	}
	return json.Marshal(map[string][]Expr{key: exprs})
}

// MarshalWhere encodes an expression in the canonical unprefixed form.
// A nil expression encodes to nil.
func MarshalWhere(e Expr) (json.RawMessage, error) {
	if e == nil {
		return nil, nil
	}
	if err := Validate(e); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// ParseWhere parses a raw where tree.
//
// Empty input and JSON null mean "no filter" and yield a nil Expr. Any other
// shape that is not a well-formed tree is rejected with an error wrapping
// [ErrMalformedWhere]. Numbers are kept as [json.Number].
func ParseWhere(raw json.RawMessage) (Expr, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWhere, err)
	}
	return parseNode(v, "where")
}

func parseNode(v any, path string) (Expr, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, malformed(path, "expected object, got %s", kindOf(v))
	}
	if len(obj) != 1 {
		return nil, malformed(path, "expected exactly one key, got %d (%s)", len(obj), strings.Join(sortedKeys(obj), ", "))
	}

	for key, val := range obj {
		switch key {
		case "and", "_and":
			children, err := parseChildren(val, path+".and")
			if err != nil {
				return nil, err
			}
			return And{Exprs: children}, nil
		case "or", "_or":
			children, err := parseChildren(val, path+".or")
			if err != nil {
				return nil, err
			}
			return Or{Exprs: children}, nil
		default:
			return parseLeaf(key, val, path+"."+key)
		}
	}
	// unreachable: len(obj) == 1
	return nil, malformed(path, "empty node")
}

func parseChildren(v any, path string) ([]Expr, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, malformed(path, "expected array, got %s", kindOf(v))
	}
	if len(arr) == 0 {
		return nil, malformed(path, "must have at least one operand")
	}

	exprs := make([]Expr, 0, len(arr))
	for i, child := range arr {
		e, err := parseNode(child, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

func parseLeaf(field string, v any, path string) (Expr, error) {
	if field == "" {
		return nil, malformed(path, "field name is empty")
	}

	ops, ok := v.(map[string]any)
	if !ok {
		return nil, malformed(path, "expected operator object, got %s", kindOf(v))
	}
	if len(ops) != 1 {
		return nil, malformed(path, "expected exactly one operator, got %d", len(ops))
	}

	for name, operand := range ops {
		op := Op(strings.TrimPrefix(name, "_"))
		p := Predicate{Field: field, Op: op, Value: operand}
		if err := validatePredicate(p); err != nil {
			return nil, malformed(path, "%v", err)
		}
		return p, nil
	}
	return nil, malformed(path, "empty operator object")
}

// Validate checks an expression built in Go code.
//
// It applies the same rules as [ParseWhere]: combinators need at least one
// non-nil child, predicates need a field, a known operator and an operand
// of the right kind.
func Validate(e Expr) error {
	return validateNode(e, "where")
}

func validateNode(e Expr, path string) error {
	switch n := e.(type) {
	case nil:
		return malformed(path, "nil expression")
	case Predicate:
		if err := validatePredicate(n); err != nil {
			return malformed(path, "%v", err)
		}
		return nil
	case And:
		return validateChildren(n.Exprs, path+".and")
	case Or:
		return validateChildren(n.Exprs, path+".or")
	default:
		return malformed(path, "unsupported node %T", e)
	}
}

func validateChildren(exprs []Expr, path string) error {
	if len(exprs) == 0 {
		return malformed(path, "must have at least one operand")
	}
	for i, child := range exprs {
		if err := validateNode(child, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func validatePredicate(p Predicate) error {
	if p.Field == "" {
		return errors.New("field name is empty")
	}
	switch p.Op {
	case OpContains:
		if _, ok := p.Value.(string); !ok {
			return fmt.Errorf("contains needs a string operand, got %s", kindOf(p.Value))
		}
	case OpEq:
		if !isScalar(p.Value) {
			return fmt.Errorf("eq needs a scalar operand, got %s", kindOf(p.Value))
		}
	default:
		return fmt.Errorf("unknown operator %q", p.Op)
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	_, ok := toFloat(v)
	return ok
}

func malformed(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedWhere, path, fmt.Sprintf(format, args...))
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "bool"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
