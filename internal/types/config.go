package types

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort                = 3000
	DefaultTokenURL            = "https://oauth.bitrix.info/oauth/token/"
	DefaultCallTimeout         = 30 * time.Second
	DefaultMaxRateLimitRetries = 20
	DefaultMaxRetryAfter       = 60 * time.Second
	DefaultLeaseTTL            = 15 * time.Second

	EnvProduction = "production"
)

// AppConfig is the process configuration, read from the environment (optionally seeded from a .env file).
// ClientID/ClientSecret are the marketplace application credentials used against TokenURL.
// MaxRateLimitRetries bounds consecutive 429 retries of one call; a negative value removes the bound.
// MaxRetryAfter caps a single Retry-After wait.
// CacheTTL enables an in-process read cache of token records when positive.
// LeaseTTL is how long a cross-process refresh lease is held at most.
// EventsTopicArn, when set, receives credential lifecycle events.
type AppConfig struct {
	Port     int
	Env      string
	LogLevel string

	ClientID     string
	ClientSecret string
	TokenURL     string
	RedirectURL  string

	CallTimeout         time.Duration
	MaxRateLimitRetries int
	MaxRetryAfter       time.Duration
	CacheTTL            time.Duration
	LeaseTTL            time.Duration

	EventsTopicArn string
}

// AppConfigFromEnv reads AppConfig from environment variables, applying defaults for anything unset.
func AppConfigFromEnv() (AppConfig, error) {
	var err error
	c := AppConfig{
		Env:            getenv("APP_ENV", getenv("NODE_ENV", "development")),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		ClientID:       getenv("OAUTH_CLIENT_ID", os.Getenv("BITRIX_CLIENT_ID")),
		ClientSecret:   getenv("OAUTH_CLIENT_SECRET", os.Getenv("BITRIX_CLIENT_SECRET")),
		TokenURL:       getenv("OAUTH_TOKEN_URL", DefaultTokenURL),
		RedirectURL:    os.Getenv("OAUTH_REDIRECT_URL"),
		EventsTopicArn: os.Getenv("EVENTS_TOPIC_ARN"),
	}
	if c.Port, err = strconv.Atoi(getenv("PORT", strconv.Itoa(DefaultPort))); err != nil {
		return c, Err(ErrInvalidConfig, err, "PORT")
	}
	if c.MaxRateLimitRetries, err = strconv.Atoi(getenv("MAX_RATE_LIMIT_RETRIES", strconv.Itoa(DefaultMaxRateLimitRetries))); err != nil {
		return c, Err(ErrInvalidConfig, err, "MAX_RATE_LIMIT_RETRIES")
	}
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"CALL_TIMEOUT", DefaultCallTimeout, &c.CallTimeout},
		{"MAX_RETRY_AFTER", DefaultMaxRetryAfter, &c.MaxRetryAfter},
		{"CREDENTIAL_CACHE_TTL", 0, &c.CacheTTL},
		{"LEASE_TTL", DefaultLeaseTTL, &c.LeaseTTL},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getenv(d.key, d.def.String())); err != nil {
			return c, Err(ErrInvalidConfig, err, "%s", d.key)
		}
	}
	return c, c.Validate()
}

func (c AppConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be within 1-65535", ErrInvalidConfig)
	}
	if c.TokenURL == "" {
		return fmt.Errorf("%w: token url is required", ErrInvalidConfig)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: call timeout must be non-negative. 0 for no timeout", ErrInvalidConfig)
	}
	if c.MaxRetryAfter <= 0 {
		return fmt.Errorf("%w: max retry-after must be positive", ErrInvalidConfig)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("%w: credential cache ttl must be non-negative. 0 to disable", ErrInvalidConfig)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("%w: lease ttl must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c AppConfig) Production() bool {
	return strings.EqualFold(c.Env, EnvProduction) || strings.EqualFold(c.Env, "prod")
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
