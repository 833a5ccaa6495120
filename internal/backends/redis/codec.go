package redis

import (
	"credproxy/internal/types"
	"encoding/base64"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

var enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var dec, _ = zstd.NewReader(nil)

// encodeRecord encodes the record as JSON, compresses and base64-url encodes it.
func encodeRecord(r types.TokenRecord) (string, error) {
	s, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	b := enc.EncodeAll(s, make([]byte, 0, len(s)))
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// decodeRecord reverses encodeRecord.
func decodeRecord(in string) (types.TokenRecord, error) {
	var r types.TokenRecord
	b, err := base64.RawURLEncoding.DecodeString(in)
	if err != nil {
		return r, err
	}
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(out, &r)
	return r, err
}
