package cmds

import (
	"bytes"
	"context"
	"credproxy/internal/ports"
	"credproxy/internal/types"
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
)

// savedAtKey picks up the camel-case key the file backend and JSON exports write for saved_at.
type savedAtKey struct {
	SavedAt int64 `yaml:"savedAt"`
}

// ParseTokenFile reads token records from YAML (or JSON, which is valid YAML). The document is either a
// mapping of domain to record or a list of records carrying their own domain. saved_at may also be spelled
// savedAt.
func ParseTokenFile(data []byte) ([]types.TokenRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var out []types.TokenRecord
	if data[0] == '-' || data[0] == '[' {
		var alt []savedAtKey
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, types.Err(types.ErrInvalidPayload, err, "token file")
		}
		if err := yaml.Unmarshal(data, &alt); err != nil {
			return nil, types.Err(types.ErrInvalidPayload, err, "token file")
		}
		for i := range out {
			if out[i].SavedAtMs == 0 && i < len(alt) {
				out[i].SavedAtMs = alt[i].SavedAt
			}
		}
	} else {
		var byDomain map[string]types.TokenRecord
		var alt map[string]savedAtKey
		if err := yaml.Unmarshal(data, &byDomain); err != nil {
			return nil, types.Err(types.ErrInvalidPayload, err, "token file")
		}
		if err := yaml.Unmarshal(data, &alt); err != nil {
			return nil, types.Err(types.ErrInvalidPayload, err, "token file")
		}
		domains := make([]string, 0, len(byDomain))
		for d := range byDomain {
			domains = append(domains, d)
		}
		sort.Strings(domains)
		for _, d := range domains {
			rec := byDomain[d]
			if rec.Domain == "" {
				rec.Domain = d
			}
			if rec.Domain != d {
				return nil, types.Err(types.ErrInvalidPayload, nil, "record under %q names domain %q", d, rec.Domain)
			}
			if rec.SavedAtMs == 0 {
				rec.SavedAtMs = alt[d].SavedAt
			}
			out = append(out, rec)
		}
	}
	for i, rec := range out {
		if rec.Domain == "" || rec.AccessToken == "" {
			return nil, types.Err(types.ErrInvalidPayload, nil, "record %d: domain and access_token are required", i)
		}
	}
	return out, nil
}

// ImportTokens writes the records in r to tokens as they are, saved_at included. A record without saved_at is
// treated as expired and refreshed on first use. With replace, a store that keeps all records in one document
// has its whole mapping swapped; other stores have their records cleared first.
func ImportTokens(ctx context.Context, tokens ports.TokenStore, r io.Reader, replace bool) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	records, err := ParseTokenFile(data)
	if err != nil {
		return 0, err
	}
	if replace {
		if snap, ok := tokens.(ports.Snapshotter); ok {
			all := make(map[string]types.TokenRecord, len(records))
			for _, rec := range records {
				all[rec.Domain] = rec
			}
			if err := snap.WriteAll(ctx, all); err != nil {
				return 0, types.Err(types.ErrPersistence, err, "replace all records")
			}
			return len(records), nil
		}
		if err := tokens.ClearAll(ctx); err != nil {
			return 0, types.Err(types.ErrPersistence, err, "clear records")
		}
	}
	for i, rec := range records {
		if err := tokens.Put(ctx, rec.Domain, rec); err != nil {
			return i, types.Err(types.ErrPersistence, err, "domain %s", rec.Domain)
		}
		log.WithField("domain", rec.Domain).Debug("token record imported")
	}
	return len(records), nil
}

// ExportTokens writes every stored record to w as a YAML mapping of domain to record.
func ExportTokens(ctx context.Context, tokens ports.TokenStore, w io.Writer) (int, error) {
	var all map[string]types.TokenRecord
	if snap, ok := tokens.(ports.Snapshotter); ok {
		var err error
		if all, err = snap.ReadAll(ctx); err != nil {
			return 0, err
		}
	} else {
		domains, err := tokens.ListDomains(ctx)
		if err != nil {
			return 0, err
		}
		all = make(map[string]types.TokenRecord, len(domains))
		for _, d := range domains {
			rec, err := tokens.Load(ctx, d)
			if err != nil {
				return 0, fmt.Errorf("load %s: %w", d, err)
			}
			if rec != nil {
				all[d] = *rec
			}
		}
	}
	b, err := yaml.Marshal(all)
	if err != nil {
		return 0, err
	}
	_, err = w.Write(b)
	return len(all), err
}
