package query

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoValues is returned when max, min or avg are asked to reduce nothing.
var ErrNoValues = errors.New("no values to aggregate")

// Aggregate filters records by where and reduces the matches as sel requests.
//
// count with [AllFields] counts matches; count with a field counts matches in
// which the field is present. max, min, sum and avg read numeric field values
// and skip records whose field is missing or not a number.
func Aggregate(sel Select, where Expr, records []Record) (float64, error) {
	if err := sel.Validate(); err != nil {
		return 0, err
	}
	if where != nil {
		if err := Validate(where); err != nil {
			return 0, err
		}
	}

	var (
		count int
		sum   float64
		best  float64
		seen  int
	)

	for _, r := range records {
		if where != nil && !match(where, r) {
			continue
		}

		if sel.Aggregator == AggregatorCount {
			if sel.Field == AllFields {
				count++
			} else if _, present := r.Lookup(sel.Field); present {
				count++
			}
			continue
		}

		raw, present := r.Lookup(sel.Field)
		if !present {
			continue
		}
		v, numeric := toFloat(raw)
		if !numeric || math.IsNaN(v) {
			continue
		}

		switch {
		case seen == 0:
			best = v
		case sel.Aggregator == AggregatorMax && v > best:
			best = v
		case sel.Aggregator == AggregatorMin && v < best:
			best = v
		}
		sum += v
		seen++
	}

	switch sel.Aggregator {
	case AggregatorCount:
		return float64(count), nil
	case AggregatorSum:
		return sum, nil
	}

	if seen == 0 {
		return 0, fmt.Errorf("%s(%s): %w", sel.Aggregator, sel.Field, ErrNoValues)
	}
	if sel.Aggregator == AggregatorAvg {
		return sum / float64(seen), nil
	}
	return best, nil
}
