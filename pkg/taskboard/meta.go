package taskboard

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// ExtractMetaField evaluates a jq query against a task's free-form Meta
// map, returning the first result. Tasks synced from different external
// boards put custom fields (PR links, epic references) under
// inconsistent keys; a jq query lets the reconciler's candidate-extraction
// step (spec §4.4 step 4) stay data-source-agnostic instead of hardcoding
// a field name per board.
func ExtractMetaField(meta map[string]any, query string) (any, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("taskboard: parse meta query %q: %w", query, err)
	}

	iter := q.Run(meta)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("taskboard: evaluate meta query %q: %w", query, err)
	}
	return v, nil
}

// ExtractMetaString is ExtractMetaField, coercing the result to a string
// and returning "" if the query produced nothing or a non-string value.
func ExtractMetaString(meta map[string]any, query string) (string, error) {
	v, err := ExtractMetaField(meta, query)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", nil
	}
	return s, nil
}
