// Package query defines the data model shared by every pulsequery component.
//
// A [Query] is a stored user request: a single scalar [Select] (an
// [Aggregator] applied to a record field), an optional boolean filter tree in
// Where, and two reserved fields (From and GroupBy) that are carried but never
// interpreted. A [Result] is one computed scalar for a query at a point in
// time. A [Reply] is the captured output of a remote shell command.
//
// # Filter trees
//
// The Where field is kept as raw JSON so that stores accept any definition,
// exactly as submitted. It is parsed on demand by [ParseWhere] into an [Expr],
// a sealed tagged variant with three node types:
//
//   - [Predicate]: a leaf such as {"text": {"contains": "abc"}} or {"lang": {"eq": "en"}}
//   - [And]: {"and": [...]}, true when every child is true
//   - [Or]: {"or": [...]}, true when any child is true
//
// The underscore spellings used by older clients (_contains, _eq, _and, _or)
// are accepted when parsing. Malformed trees are rejected with an error
// wrapping [ErrMalformedWhere] that names the offending path.
//
// [Match] evaluates an expression against a [Record] and [Aggregate] reduces
// a slice of records to the scalar requested by a [Select].
package query
