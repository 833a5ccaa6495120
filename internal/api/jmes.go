package api

import (
	"fmt"

	"github.com/jmespath/go-jmespath"
)

// EvalAny returns the value selected by the JMESPath expression from a decoded JSON document
// (map[string]any, []any, ...). A non-matching expression yields nil without an error.
func EvalAny(expression string, doc any) (any, error) {
	v, err := jmespath.Search(expression, doc)
	if err != nil {
		return nil, fmt.Errorf("jmespath: %w", err)
	}
	return v, nil
}
