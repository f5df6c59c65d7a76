package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Aggregator names the reduction a query's select clause requests.
type Aggregator string

const (
	// AggregatorCount counts matching records.
	AggregatorCount Aggregator = "count"

	// AggregatorMax returns the largest numeric field value among matches.
	AggregatorMax Aggregator = "max"

	// AggregatorMin returns the smallest numeric field value among matches.
	AggregatorMin Aggregator = "min"

	// AggregatorSum adds numeric field values of matches.
	AggregatorSum Aggregator = "sum"

	// AggregatorAvg averages numeric field values of matches.
	AggregatorAvg Aggregator = "avg"
)

// AllFields is the select field meaning "the whole record". Only valid with count.
const AllFields = "*"

// Valid reports whether a is a known aggregator.
func (a Aggregator) Valid() bool {
	switch a {
	case AggregatorCount, AggregatorMax, AggregatorMin, AggregatorSum, AggregatorAvg:
		return true
	}
	return false
}

// String returns the aggregator name.
func (a Aggregator) String() string {
	return string(a)
}

// ErrInvalidSelect is returned by [Select.Validate] for unusable selections.
var ErrInvalidSelect = errors.New("invalid select")

// Select is the single scalar selection of a query.
type Select struct {
	Aggregator Aggregator `json:"aggregator"`
	Field      string     `json:"field"`

	// raw holds a submitted select that could not be decoded, so it is
	// stored and listed back exactly as given.
	raw json.RawMessage
}

// UnmarshalJSON decodes a select clause leniently.
//
// Both "aggregator" and the shorter "agg" key are accepted. A select that is
// not an object, or whose aggregator or field is not a string, never fails
// decoding: it is kept verbatim so that malformed definitions still reach
// the store, and [Select.Validate] reports it later.
func (s *Select) UnmarshalJSON(data []byte) error {
	*s = Select{}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		s.raw = append(json.RawMessage(nil), data...)
		return nil
	}

	agg, ok := stringField(raw, "aggregator")
	if !ok {
		s.raw = append(json.RawMessage(nil), data...)
		return nil
	}
	if agg == "" {
		if agg, ok = stringField(raw, "agg"); !ok {
			s.raw = append(json.RawMessage(nil), data...)
			return nil
		}
	}
	field, ok := stringField(raw, "field")
	if !ok {
		s.raw = append(json.RawMessage(nil), data...)
		return nil
	}

	s.Aggregator = Aggregator(agg)
	s.Field = field
	return nil
}

// stringField reads an optional string member. Absent members read as ""
// and ok is false only for members of another type.
func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	v, present := obj[key]
	if !present {
		return "", true
	}
	var str string
	if err := json.Unmarshal(v, &str); err != nil {
		return "", false
	}
	return str, true
}

// MarshalJSON encodes the select, echoing an undecodable submission as given.
func (s Select) MarshalJSON() ([]byte, error) {
	if s.raw != nil {
		return s.raw, nil
	}
	type plain struct {
		Aggregator Aggregator `json:"aggregator"`
		Field      string     `json:"field"`
	}
	return json.Marshal(plain{Aggregator: s.Aggregator, Field: s.Field})
}

// Validate checks that the aggregator is known and the field usable with it.
func (s Select) Validate() error {
	if s.raw != nil {
		return fmt.Errorf("%w: expected an object with string aggregator and field, got %s", ErrInvalidSelect, s.raw)
	}
	if !s.Aggregator.Valid() {
		return fmt.Errorf("%w: unknown aggregator %q", ErrInvalidSelect, s.Aggregator)
	}
	if s.Field == "" {
		return fmt.Errorf("%w: field is required", ErrInvalidSelect)
	}
	if s.Field == AllFields && s.Aggregator != AggregatorCount {
		return fmt.Errorf("%w: field %q is only valid with %q", ErrInvalidSelect, AllFields, AggregatorCount)
	}
	return nil
}

// Definition is a query as submitted by a client, before an id is assigned.
//
// Where, From and GroupBy are kept verbatim. No validation happens on
// submission; see [Definition.Validate] and [ParseWhere].
type Definition struct {
	// Name is an optional display label.
	Name string `json:"name,omitempty"`

	Select Select `json:"select"`

	// From is a range descriptor. It is carried but ignored.
	From json.RawMessage `json:"from,omitempty"`

	// Where is the raw boolean filter tree.
	Where json.RawMessage `json:"where,omitempty"`

	// GroupBy is reserved.
	GroupBy json.RawMessage `json:"groupBy,omitempty"`
}

// Filter parses the definition's where tree. A missing tree yields a nil Expr.
func (d Definition) Filter() (Expr, error) {
	return ParseWhere(d.Where)
}

// Validate reports whether the definition can be evaluated.
func (d Definition) Validate() error {
	if err := d.Select.Validate(); err != nil {
		return err
	}
	if _, err := d.Filter(); err != nil {
		return err
	}
	return nil
}

// Query is a stored [Definition] with its assigned identifier.
type Query struct {
	ID string `json:"id"`
	Definition
	CreatedAt time.Time `json:"createdAt"`
}

// Result is a computed scalar for a query at a point in time.
//
// Results are append-only. QueryID is a reference that stores do not enforce.
type Result struct {
	ID      string    `json:"id"`
	QueryID string    `json:"queryId"`
	Time    time.Time `json:"time"`
	Values  []float64 `json:"values"`
}

// Reply is the captured output of a remote shell command.
//
// Output holds stdout, or stderr when stdout was empty. ExitCode and Failed
// distinguish a failed command from a successful one with the same text.
type Reply struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Command    string    `json:"command"`
	Output     string    `json:"output"`
	Truncated  bool      `json:"truncated,omitempty"`
	ExitCode   int       `json:"exitCode"`
	Failed     bool      `json:"failed"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
