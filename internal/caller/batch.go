package caller

import (
	"bytes"
	"context"
	"credproxy/internal/types"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// BatchMethod is the tenant API method that runs several commands in one request.
const BatchMethod = "batch"

// Command is one entry of a batch.
type Command struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type batchOptions struct {
	halt bool
}

type BatchOption func(*batchOptions)

// Halt stops the batch at the first failing command.
func Halt() BatchOption {
	return func(o *batchOptions) { o.halt = true }
}

// Batch runs calls in order as a single batch call. Each command is sent as cmd[i] = "method?query".
func (e *Executor) Batch(ctx context.Context, domain string, calls []Command, opts ...BatchOption) (json.RawMessage, error) {
	if len(calls) == 0 {
		return nil, types.Err(types.ErrInvalidArgument, nil, "calls must be a non-empty list")
	}
	var o batchOptions
	for _, opt := range opts {
		opt(&o)
	}
	payload := batchPayload{cmds: make([]string, len(calls)), halt: o.halt}
	for i, c := range calls {
		if c.Method == "" {
			return nil, types.Err(types.ErrInvalidArgument, nil, "calls[%d]: method is required", i)
		}
		payload.cmds[i] = c.Method + "?" + BuildQuery(c.Params)
	}
	return e.Call(ctx, domain, BatchMethod, payload)
}

// batchPayload marshals its commands as cmd[0], cmd[1], ... in index order.
type batchPayload struct {
	cmds []string
	halt bool
}

func (b batchPayload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range b.cmds {
		if i > 0 {
			buf.WriteByte(',')
		}
		v, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, `"cmd[%d]":`, i)
		buf.Write(v)
	}
	if b.halt {
		buf.WriteString(`,"halt":1`)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// BuildQuery encodes params the way PHP's http_build_query does: nested maps and lists become
// key[sub]=value pairs, map keys are sorted, booleans are 1/0 and nil values are dropped.
func BuildQuery(params map[string]any) string {
	var pairs []string
	for _, e := range sortedEntries(reflect.ValueOf(params)) {
		appendPairs(&pairs, url.QueryEscape(e.key), e.val)
	}
	return strings.Join(pairs, "&")
}

func appendPairs(pairs *[]string, key string, v reflect.Value) {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Map:
		for _, e := range sortedEntries(v) {
			appendPairs(pairs, key+"["+url.QueryEscape(e.key)+"]", e.val)
		}
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			*pairs = append(*pairs, key+"="+url.QueryEscape(string(v.Bytes())))
			return
		}
		for i := 0; i < v.Len(); i++ {
			appendPairs(pairs, key+"["+strconv.Itoa(i)+"]", v.Index(i))
		}
	default:
		*pairs = append(*pairs, key+"="+url.QueryEscape(scalar(v)))
	}
}

func scalar(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return "1"
		}
		return "0"
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.String:
		return v.String()
	default:
		return fmt.Sprint(v.Interface())
	}
}

type mapEntry struct {
	key string
	val reflect.Value
}

func sortedEntries(m reflect.Value) []mapEntry {
	if m.Kind() != reflect.Map || m.Len() == 0 {
		return nil
	}
	entries := make([]mapEntry, 0, m.Len())
	iter := m.MapRange()
	for iter.Next() {
		entries = append(entries, mapEntry{key: fmt.Sprint(iter.Key().Interface()), val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	return entries
}
