package query

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Record is one decoded input document, typically a JSON object per line.
type Record map[string]any

// DecodeRecord decodes a JSON object, keeping numbers as [json.Number].
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup walks a record using dot notation.
//
// For example "user.name" navigates to {"user": {"name": "ada"}}. The second
// return value is false when any segment is missing or not an object.
func (r Record) Lookup(path string) (any, bool) {
	var current any = map[string]any(r)

	for _, part := range strings.Split(path, ".") {
		obj, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asObject(v any) (map[string]any, bool) {
	switch o := v.(type) {
	case map[string]any:
		return o, true
	case Record:
		return o, true
	}
	return nil, false
}

// toFloat converts JSON-ish numeric values to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}
