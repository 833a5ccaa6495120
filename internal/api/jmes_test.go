package api

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalAny(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{
		"result": [
			{"ID": "1", "NAME": "Ann", "PHONE": [{"VALUE": "+100"}]},
			{"ID": "2", "NAME": "Bob"}
		],
		"total": 2,
		"next": null
	}`), &doc))

	cases := []struct {
		expr string
		want any
	}{
		{"total", float64(2)},
		{"result[0].NAME", "Ann"},
		{"result[].ID", []any{"1", "2"}},
		{"result[0].PHONE[0].VALUE", "+100"},
		{"result[?NAME=='Bob'].ID | [0]", "2"},
		{"length(result)", float64(2)},
		{"next", nil},
		{"nonexistent", nil},
		{"contains(result[].NAME, 'Ann')", true},
	}
	for _, tc := range cases {
		v, err := EvalAny(tc.expr, doc)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, v, tc.expr)
	}
}

func TestEvalAnyRejectsBadExpression(t *testing.T) {
	_, err := EvalAny("result[", map[string]any{})
	assert.Error(t, err)
}
