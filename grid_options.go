package pulsequery

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jpalmerr/pulsequery/query"
)

// gridConfig holds configuration during query grid construction.
type gridConfig struct {
	whereTemplate string
	dimensions    map[string][]string
	sel           query.Select
	from          json.RawMessage
}

// GridOption configures query grid generation.
// GridOption implements the functional options pattern for [NewQueryGrid].
type GridOption func(*gridConfig) error

// WithWhereTemplate sets the where template for query generation.
// The template uses Go's text/template syntax with dimension keys as variables.
//
// Example:
//
//	WithWhereTemplate(`{"text":{"contains":"{{.word}}"}}`)
//
// Returns an error if the template string is empty.
func WithWhereTemplate(tmpl string) GridOption {
	return func(cfg *gridConfig) error {
		if tmpl == "" {
			return errors.New("where template required")
		}
		cfg.whereTemplate = tmpl
		return nil
	}
}

// WithDimensions sets the dimension values for cartesian product expansion.
// Each key in the map becomes a template variable, and the cartesian product
// of all values generates the query combinations.
//
// Returns an error if the map is empty, any dimension has no values,
// or any value is an empty string.
func WithDimensions(dims map[string][]string) GridOption {
	return func(cfg *gridConfig) error {
		if len(dims) == 0 {
			return errors.New("at least one dimension required")
		}
		for k, vals := range dims {
			if len(vals) == 0 {
				return fmt.Errorf("dimension '%s' has no values", k)
			}
			for i, v := range vals {
				if v == "" {
					return fmt.Errorf("dimension '%s' contains empty value at index %d", k, i)
				}
			}
		}
		cfg.dimensions = dims
		return nil
	}
}

// WithSelect sets the select clause shared by every generated query.
//
// Returns an error if the aggregator is unknown or the field is unusable
// with it.
func WithSelect(agg query.Aggregator, field string) GridOption {
	return func(cfg *gridConfig) error {
		sel := query.Select{Aggregator: agg, Field: field}
		if err := sel.Validate(); err != nil {
			return err
		}
		cfg.sel = sel
		return nil
	}
}

// WithFrom sets the range descriptor carried by every generated query.
//
// Returns an error if raw is not valid JSON.
func WithFrom(raw json.RawMessage) GridOption {
	return func(cfg *gridConfig) error {
		if !json.Valid(raw) {
			return errors.New("from must be valid JSON")
		}
		cfg.from = raw
		return nil
	}
}
