package memory

import (
	"context"
	"credproxy/internal/types"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// TokenStore keeps records in process memory. Records never expire; the cache is only used as a
// concurrency-safe map. WriteAll swaps in a whole new cache, so mu guards the pointer, not the entries.
type TokenStore struct {
	mu sync.RWMutex
	c  *gocache.Cache
}

func NewTokenStore() *TokenStore {
	return &TokenStore{c: gocache.New(gocache.NoExpiration, 0)}
}

func (s *TokenStore) Load(_ context.Context, domain string) (*types.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.c.Get(domain)
	if !ok {
		return nil, nil
	}
	rec := v.(types.TokenRecord)
	return &rec, nil
}

func (s *TokenStore) Put(_ context.Context, domain string, record types.TokenRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.c.Set(domain, record, gocache.NoExpiration)
	return nil
}

func (s *TokenStore) ListDomains(_ context.Context) ([]string, error) {
	s.mu.RLock()
	items := s.c.Items()
	s.mu.RUnlock()
	domains := make([]string, 0, len(items))
	for k := range items {
		domains = append(domains, k)
	}
	sort.Strings(domains)
	return domains, nil
}

func (s *TokenStore) Delete(_ context.Context, domain string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.c.Delete(domain)
	return nil
}

func (s *TokenStore) ClearAll(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.c.Flush()
	return nil
}

func (s *TokenStore) ReadAll(_ context.Context) (map[string]types.TokenRecord, error) {
	s.mu.RLock()
	items := s.c.Items()
	s.mu.RUnlock()
	out := make(map[string]types.TokenRecord, len(items))
	for k, it := range items {
		out[k] = it.Object.(types.TokenRecord)
	}
	return out, nil
}

// WriteAll replaces every record at once; readers see either the old mapping or the new one.
func (s *TokenStore) WriteAll(_ context.Context, records map[string]types.TokenRecord) error {
	items := make(map[string]gocache.Item, len(records))
	for k, v := range records {
		items[k] = gocache.Item{Object: v}
	}
	next := gocache.NewFrom(gocache.NoExpiration, 0, items)
	s.mu.Lock()
	s.c = next
	s.mu.Unlock()
	return nil
}
