package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppConfigDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "APP_ENV", "NODE_ENV", "LOG_LEVEL", "OAUTH_TOKEN_URL", "CALL_TIMEOUT",
		"MAX_RATE_LIMIT_RETRIES", "MAX_RETRY_AFTER", "CREDENTIAL_CACHE_TTL", "LEASE_TTL"} {
		t.Setenv(k, "")
	}
	t.Setenv("BITRIX_CLIENT_ID", "legacy-id")
	t.Setenv("OAUTH_CLIENT_ID", "")

	c, err := AppConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, c.Port)
	assert.Equal(t, DefaultTokenURL, c.TokenURL)
	assert.Equal(t, DefaultCallTimeout, c.CallTimeout)
	assert.Equal(t, DefaultMaxRateLimitRetries, c.MaxRateLimitRetries)
	assert.Equal(t, DefaultMaxRetryAfter, c.MaxRetryAfter)
	assert.Equal(t, time.Duration(0), c.CacheTTL)
	assert.Equal(t, DefaultLeaseTTL, c.LeaseTTL)
	assert.Equal(t, "legacy-id", c.ClientID)
	assert.False(t, c.Production())
}

func TestAppConfigOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("APP_ENV", "production")
	t.Setenv("MAX_RATE_LIMIT_RETRIES", "-1")
	t.Setenv("CREDENTIAL_CACHE_TTL", "30s")
	t.Setenv("CALL_TIMEOUT", "0s")

	c, err := AppConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, -1, c.MaxRateLimitRetries)
	assert.Equal(t, 30*time.Second, c.CacheTTL)
	assert.Equal(t, time.Duration(0), c.CallTimeout)
	assert.True(t, c.Production())
}

func TestAppConfigRejects(t *testing.T) {
	cases := map[string][2]string{
		"port not a number":   {"PORT", "abc"},
		"port out of range":   {"PORT", "70000"},
		"bad duration":        {"CALL_TIMEOUT", "soon"},
		"zero retry-after":    {"MAX_RETRY_AFTER", "0s"},
		"negative cache":      {"CREDENTIAL_CACHE_TTL", "-1s"},
		"retries not integer": {"MAX_RATE_LIMIT_RETRIES", "many"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := AppConfigFromEnv()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}
