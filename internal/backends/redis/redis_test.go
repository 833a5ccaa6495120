package redis

import (
	"credproxy/internal/backends/storetest"
	"credproxy/internal/ports"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// These suites need a Redis server; point TEST_REDIS_ADDR at it (e.g. localhost:46379).
func redisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: 0})
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestTokenStore(t *testing.T) {
	cli := redisClient(t)
	suite.Run(t, &storetest.TokenStoreSuite{NewStore: func() ports.TokenStore { return NewTokenStore(cli) }})
}

func TestLease(t *testing.T) {
	cli := redisClient(t)
	suite.Run(t, &storetest.LeaseSuite{NewLease: func() ports.RefreshLease { return NewLease(cli) }})
}

func TestCodecRoundTrip(t *testing.T) {
	rec := storetest.Record("acme.bitrix24.com")
	s, err := encodeRecord(rec)
	require.NoError(t, err)
	require.NotContains(t, s, rec.AccessToken)

	got, err := decodeRecord(s)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestCodecRejectsGarbage(t *testing.T) {
	_, err := decodeRecord("!!not-base64!!")
	require.Error(t, err)
}
