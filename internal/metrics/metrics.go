// Package metrics holds the Prometheus collectors shared by the credential store and the call executor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultOK           = "ok"
	ResultError        = "error"
	ReasonProactive    = "proactive"
	ReasonUnauthorized = "unauthorized"
	ReasonManual       = "manual"
)

var (
	Calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credproxy_calls_total",
		Help: "Outbound tenant API calls by final result code",
	}, []string{"result"})

	CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "credproxy_call_duration_seconds",
		Help:    "Wall time of an outbound call including refreshes and retries",
		Buckets: prometheus.DefBuckets,
	})

	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credproxy_token_refreshes_total",
		Help: "Refresh-token exchanges by trigger and result",
	}, []string{"reason", "result"})

	RateLimitWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credproxy_rate_limit_waits_total",
		Help: "Back-offs taken after a 429 response",
	})
)

// Register registers the collectors on the given registry (or default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{Calls, CallDuration, TokenRefreshes, RateLimitWaits} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
