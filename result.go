package pulsequery

import (
	"time"

	"github.com/jpalmerr/pulsequery/query"
)

// Evaluation holds the outcome of evaluating one query over one records file.
//
// Evaluations are delivered to callbacks registered with
// [WithResultCallback]. A successful evaluation has a nil Err and the stored
// [query.Result] in Result; Value is the single scalar of that result.
type Evaluation struct {
	// QueryID is the id of the evaluated query.
	QueryID string

	// QueryName is the optional display name of the query.
	QueryName string

	// File is the path of the records file.
	File string

	// Records is the number of records decoded from File.
	Records int

	// Value is the computed scalar. Zero when Err is set.
	Value float64

	// Result is the stored result. Zero when Err is set.
	Result query.Result

	// Latency is the time taken to evaluate the query.
	Latency time.Duration

	// Err is set when the query was malformed, produced no value or its
	// result could not be stored.
	Err error
}

// OK reports whether the evaluation stored a result.
func (e Evaluation) OK() bool {
	return e.Err == nil
}
