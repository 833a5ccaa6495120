package cmds

import (
	"credproxy/internal/api"
	"credproxy/internal/caller"
	"credproxy/internal/metrics"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port int
	var noAutoRefresh bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := appConfig
			if port > 0 {
				cfg.Port = port
			}
			if cfg.ClientID == "" || cfg.ClientSecret == "" {
				log.Warn("OAUTH_CLIENT_ID/OAUTH_CLIENT_SECRET not set, token refresh will be rejected")
			}
			deps, err := newStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := metrics.Register(nil); err != nil {
				return err
			}
			exec := caller.New(deps.store,
				caller.WithHTTPClient(&http.Client{Timeout: cfg.CallTimeout}),
				caller.WithMaxRateLimitRetries(cfg.MaxRateLimitRetries),
				caller.WithMaxRetryAfter(cfg.MaxRetryAfter),
			)
			h := api.NewHandler(deps.store, exec,
				api.WithProduction(cfg.Production()),
				api.WithAutoRefresh(!noAutoRefresh),
			)
			return api.RunServer(cfg.Port, h)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides PORT)")
	cmd.Flags().BoolVar(&noAutoRefresh, "no-auto-refresh", false, "answer TOKEN_EXPIRED instead of refreshing in the /api middleware")
	return cmd
}
