package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the authentication subsystem counters
type Metrics struct {
	Logins            *prometheus.CounterVec
	BootstrapAttempts *prometheus.CounterVec
	SSOCallbacks      *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers the auth metrics on a fresh registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by method and outcome",
		}, []string{"method", "status"}),
		BootstrapAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_bootstrap_attempts_total",
			Help: "First-run bootstrap attempts by outcome",
		}, []string{"status"}),
		SSOCallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sso_callbacks_total",
			Help: "SSO callback processing by protocol and outcome",
		}, []string{"protocol", "status"}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_token_refreshes_total",
			Help: "Refresh token exchanges by outcome",
		}, []string{"status"}),
		registry: registry,
	}
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
