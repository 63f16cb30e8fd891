package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Metrics groups the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	CodesIssuedTotal      prometheus.Counter
	TokenExchangesTotal   *prometheus.CounterVec
	CodesSweptTotal       prometheus.Counter
	LoginsTotal           *prometheus.CounterVec
	UsersRegisteredTotal  prometheus.Counter
	UserInfoRequestsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Registration
// failures are logged and do not stop the server.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CodesIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nucleus_authorization_codes_issued_total",
			Help: "Total number of authorization codes issued.",
		}),
		TokenExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nucleus_token_exchanges_total",
			Help: "Token endpoint requests by outcome.",
		}, []string{"outcome"}),
		CodesSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nucleus_authorization_codes_swept_total",
			Help: "Expired authorization codes removed by cleanup.",
		}),
		LoginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nucleus_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		UsersRegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nucleus_users_registered_total",
			Help: "Total number of users registered.",
		}),
		UserInfoRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nucleus_userinfo_requests_total",
			Help: "UserInfo requests by outcome.",
		}, []string{"outcome"}),
	}

	if reg == nil {
		log.Warn().Msg("Prometheus registry is nil, metrics are not exported")
		return m
	}

	for name, c := range map[string]prometheus.Collector{
		"codes_issued":      m.CodesIssuedTotal,
		"token_exchanges":   m.TokenExchangesTotal,
		"codes_swept":       m.CodesSweptTotal,
		"logins":            m.LoginsTotal,
		"users_registered":  m.UsersRegisteredTotal,
		"userinfo_requests": m.UserInfoRequestsTotal,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}

	return m
}

func (m *Metrics) CodeIssued() {
	if m == nil {
		return
	}
	m.CodesIssuedTotal.Inc()
}

// TokenExchange records a token endpoint outcome: "success" or an error code.
func (m *Metrics) TokenExchange(outcome string) {
	if m == nil {
		return
	}
	m.TokenExchangesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CodesSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.CodesSweptTotal.Add(float64(n))
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UserRegistered() {
	if m == nil {
		return
	}
	m.UsersRegisteredTotal.Inc()
}

func (m *Metrics) UserInfo(outcome string) {
	if m == nil {
		return
	}
	m.UserInfoRequestsTotal.WithLabelValues(outcome).Inc()
}
