package pg

import (
	"context"
	"credproxy/internal/types"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DefaultTable = "tenant_tokens"

// TokenStore keeps one row per tenant with the whole record as jsonb.
type TokenStore struct {
	pool  *pgxpool.Pool
	table string
}

// Connect opens a pool on dsn and makes sure the token table exists.
func Connect(ctx context.Context, dsn string) (*TokenStore, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, types.Err(types.ErrInvalidConfig, err, "PG_DSN")
	}
	if pcfg.MaxConns == 0 {
		pcfg.MaxConns = 5
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, types.Err(types.ErrDataStoreAccess, err, "ping postgres")
	}
	return NewTokenStore(ctx, pool, DefaultTable)
}

func NewTokenStore(ctx context.Context, pool *pgxpool.Pool, table string) (*TokenStore, error) {
	s := &TokenStore{pool: pool, table: pgx.Identifier{table}.Sanitize()}
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		domain     TEXT PRIMARY KEY,
		record     JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "create table")
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *TokenStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *TokenStore) Load(ctx context.Context, domain string) (*types.TokenRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM `+s.table+` WHERE domain = $1`, domain).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.Err(types.ErrDataStoreAccess, err, "")
	}
	var rec types.TokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "decode record of %s", domain)
	}
	return &rec, nil
}

func (s *TokenStore) Put(ctx context.Context, domain string, record types.TokenRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO `+s.table+` (domain, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (domain) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
		domain, raw)
	if err != nil {
		return types.Err(types.ErrDataStoreAccess, err, "")
	}
	return nil
}

func (s *TokenStore) ListDomains(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT domain FROM `+s.table+` ORDER BY domain`)
	if err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "")
	}
	domains, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "")
	}
	return domains, nil
}

func (s *TokenStore) Delete(ctx context.Context, domain string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE domain = $1`, domain)
	return err
}

func (s *TokenStore) ClearAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE `+s.table)
	return err
}
