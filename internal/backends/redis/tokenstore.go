package redis

import (
	"context"
	"credproxy/internal/types"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	tokenKeyNameTemplate = "_credproxy_tok_%s"
	leaseKeyNameTemplate = "_credproxy_lease_%s"
)

type TokenStore struct {
	cli *redis.Client
}

func NewTokenStore(cli *redis.Client) *TokenStore {
	return &TokenStore{cli: cli}
}

func (s *TokenStore) Load(ctx context.Context, domain string) (*types.TokenRecord, error) {
	out := s.cli.Get(ctx, getTokenKey(domain))
	if out.Err() != nil {
		if errors.Is(out.Err(), redis.Nil) {
			return nil, nil
		}
		return nil, types.Err(types.ErrDataStoreAccess, out.Err(), "")
	}
	rec, err := decodeRecord(out.Val())
	if err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "decode record of %s", domain)
	}
	return &rec, nil
}

func (s *TokenStore) Put(ctx context.Context, domain string, record types.TokenRecord) error {
	val, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.cli.Set(ctx, getTokenKey(domain), val, 0).Err(); err != nil {
		return types.Err(types.ErrDataStoreAccess, err, "")
	}
	return nil
}

func (s *TokenStore) ListDomains(ctx context.Context) ([]string, error) {
	keys, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	prefix := getTokenKey("")
	domains := make([]string, 0, len(keys))
	for _, k := range keys {
		if d := strings.TrimPrefix(k, prefix); d != "" {
			domains = append(domains, d)
		}
	}
	sort.Strings(domains)
	return domains, nil
}

func (s *TokenStore) Delete(ctx context.Context, domain string) error {
	return s.cli.Del(ctx, getTokenKey(domain)).Err()
}

func (s *TokenStore) ClearAll(ctx context.Context) error {
	keys, err := s.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	outN := s.cli.Del(ctx, keys...)
	if outN.Err() != nil {
		log.Error(outN.Err())
	}
	return outN.Err()
}

func (s *TokenStore) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.cli.Scan(ctx, 0, getTokenKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "")
	}
	return keys, nil
}

func getTokenKey(domain string) string {
	return fmt.Sprintf(tokenKeyNameTemplate, domain)
}

func getLeaseKey(domain string) string {
	return fmt.Sprintf(leaseKeyNameTemplate, domain)
}
