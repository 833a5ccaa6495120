package cmds

import (
	"context"
	"credproxy/internal/backends"
	"credproxy/internal/credentials"
	"credproxy/internal/oauth"
	"credproxy/internal/ports"
	"credproxy/internal/pub"
	"credproxy/internal/types"
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "credproxy",
	Short: "OAuth2 credential manager and authenticated proxy for Bitrix24 tenants",
	Long: `credproxy keeps one OAuth2 token record per tenant domain, refreshes it before it
expires and forwards REST calls to the tenant with the current access token.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loadEnv()
		cfg, err := types.AppConfigFromEnv()
		if err != nil {
			return err
		}
		configureLogging(cfg)
		appConfig = cfg
		return nil
	},
}

// appConfig is populated before any subcommand runs.
var appConfig types.AppConfig

func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTokenCmd())
}

// loadEnv seeds the environment from ENV_FILE (default .env) when the file exists.
func loadEnv() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Debug("The .env file not found.")
	}
}

func configureLogging(cfg types.AppConfig) {
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, keeping info")
	}
	if cfg.Production() {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

// storeDeps is everything a credentials.Store is built from, kept so commands can reach the raw backend.
type storeDeps struct {
	tokens ports.TokenStore
	store  *credentials.Store
}

// newStore wires the configured backends, the oauth client and, when EVENTS_TOPIC_ARN is set, the SNS
// publisher into a credentials.Store.
func newStore(ctx context.Context, cfg types.AppConfig) (*storeDeps, error) {
	tokens, err := backends.TokenBackendFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("token backend: %w", err)
	}
	lease, err := backends.LeaseBackendFromEnv()
	if err != nil {
		return nil, fmt.Errorf("lease backend: %w", err)
	}
	opts := []credentials.Option{credentials.WithCache(cfg.CacheTTL)}
	if lease != nil {
		opts = append(opts, credentials.WithLease(lease, cfg.LeaseTTL))
	}
	if cfg.EventsTopicArn != "" {
		publisher, err := pub.NewSNSFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("sns publisher: %w", err)
		}
		opts = append(opts, credentials.WithPublisher(publisher, cfg.EventsTopicArn))
	}
	exchanger := oauth.NewClient(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, cfg.RedirectURL,
		oauth.WithHTTPClient(&http.Client{Timeout: cfg.CallTimeout}))
	return &storeDeps{
		tokens: tokens,
		store:  credentials.NewStore(tokens, exchanger, opts...),
	}, nil
}
