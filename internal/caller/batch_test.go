package caller

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"empty", nil, ""},
		{"flat sorted", map[string]any{"y": 2, "x": "a b"}, "x=a+b&y=2"},
		{"nested", map[string]any{"filter": map[string]any{"ID": 5, ">DATE": "2026-01-01"}}, "filter[%3EDATE]=2026-01-01&filter[ID]=5"},
		{"list", map[string]any{"select": []string{"ID", "NAME"}}, "select[0]=ID&select[1]=NAME"},
		{"bool and nil", map[string]any{"a": true, "b": false, "c": nil}, "a=1&b=0"},
		{"float", map[string]any{"n": 1.5, "m": float64(10)}, "m=10&n=1.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, BuildQuery(tc.params))
		})
	}
}

func TestBatchPayloadMarshal(t *testing.T) {
	b, err := batchPayload{cmds: []string{"a?x=1", "b?y=2"}}.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `{"cmd[0]":"a?x=1","cmd[1]":"b?y=2"}`, string(b))

	b, err = batchPayload{cmds: []string{"user.current?"}, halt: true}.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `{"cmd[0]":"user.current?","halt":1}`, string(b))
}
