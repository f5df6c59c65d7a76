package pulsequery

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/jpalmerr/pulsequery/query"
)

// NewQueryGrid creates multiple query definitions from a where template and
// dimensions using cartesian product expansion.
//
// The where template uses Go's text/template syntax and must render to a
// JSON filter tree. Dimension values are JSON-string-escaped before
// interpolation, so they belong inside quotes in the template. Missing
// template keys cause an error (fail-fast), as does a rendering that is not
// valid JSON.
//
// Each definition is named "Base Name (val1/val2)" (values from
// alphabetically sorted keys) and shares the grid's select clause.
//
// Example:
//
//	defs, err := NewQueryGrid("Mood",
//	    WithSelect(query.AggregatorCount, query.AllFields),
//	    WithWhereTemplate(`{"_and":[{"text":{"contains":"{{.mood}}"}},{"lang":{"eq":"{{.lang}}"}}]}`),
//	    WithDimensions(map[string][]string{
//	        "mood": {":)", ":("},
//	        "lang": {"en", "fr"},
//	    }),
//	)
//	// Returns 4 definitions, usable with WithQueries(defs...)
func NewQueryGrid(baseName string, opts ...GridOption) ([]query.Definition, error) {
	// validate base name
	if strings.TrimSpace(baseName) == "" {
		return nil, errors.New("base name cannot be empty")
	}

	cfg := &gridConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	// validate required fields
	if cfg.whereTemplate == "" {
		return nil, errors.New("where template required")
	}
	if len(cfg.dimensions) == 0 {
		return nil, errors.New("at least one dimension required")
	}
	if cfg.sel.Aggregator == "" {
		return nil, errors.New("select required")
	}

	// parse template with missingkey=error for fail-fast behaviour
	tmpl, err := template.New("where").Option("missingkey=error").Parse(cfg.whereTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid where template: %w", err)
	}

	combinations := cartesianProduct(cfg.dimensions)
	if len(combinations) == 0 {
		return nil, nil
	}

	defs := make([]query.Definition, 0, len(combinations))
	for _, combo := range combinations {
		name := formatQueryName(baseName, combo)

		where, err := executeTemplate(tmpl, jsonEscapeMap(combo))
		if err != nil {
			return nil, fmt.Errorf("template execution failed: %w", err)
		}
		if !json.Valid([]byte(where)) {
			return nil, fmt.Errorf("where template for '%s' rendered invalid JSON: %s", name, where)
		}

		defs = append(defs, query.Definition{
			Name:   name,
			Select: cfg.sel,
			From:   cfg.from,
			Where:  json.RawMessage(where),
		})
	}

	return defs, nil
}

// cartesianProduct generates all combinations of dimension values.
// Keys are sorted alphabetically for deterministic output.
// Values maintain their original slice order.
//
// Example:
//
//	Input:  {"x": ["a","b"], "y": ["1","2"]}
//	Output: [{"x":"a","y":"1"}, {"x":"a","y":"2"}, {"x":"b","y":"1"}, {"x":"b","y":"2"}]
func cartesianProduct(dims map[string][]string) []map[string]string {
	if len(dims) == 0 {
		return nil
	}

	keys := sortedKeys(dims)

	for _, k := range keys {
		if len(dims[k]) == 0 {
			return nil
		}
	}

	total := 1
	for _, k := range keys {
		total *= len(dims[k])
	}
	result := make([]map[string]string, 0, total)

	// odometer over value indices, rightmost key fastest
	indices := make([]int, len(keys))
	for {
		combo := make(map[string]string, len(keys))
		for i, k := range keys {
			combo[k] = dims[k][indices[i]]
		}
		result = append(result, combo)

		for i := len(keys) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(dims[keys[i]]) {
				break
			}
			indices[i] = 0
			if i == 0 {
				return result
			}
		}
	}
}

// jsonEscapeMap returns a new map with all values escaped for use inside a
// JSON string literal.
func jsonEscapeMap(m map[string]string) map[string]string {
	result := make(map[string]string, len(m))
	for k, v := range m {
		b, _ := json.Marshal(v)
		result[k] = string(b[1 : len(b)-1])
	}
	return result
}

// executeTemplate renders the template with the given data.
func executeTemplate(tmpl *template.Template, data map[string]string) (string, error) {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// formatQueryName creates a name in the format "Base (v1/v2)".
// Values are ordered by sorted keys for consistent naming.
func formatQueryName(baseName string, combo map[string]string) string {
	keys := sortedKeys(combo)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = combo[k]
	}
	return fmt.Sprintf("%s (%s)", baseName, strings.Join(parts, "/"))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
