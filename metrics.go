package idpauth

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the authorizer's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Verifications *prometheus.CounterVec
	JWKSRefreshes *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpauth_verifications_total",
				Help: "Token verifications by domain and result",
			},
			[]string{"domain", "result"},
		),
		JWKSRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpauth_jwks_refreshes_total",
				Help: "Forced JWKS refreshes by domain and outcome",
			},
			[]string{"domain", "outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Verifications, m.JWKSRefreshes)
	}
	return m
}

func (m *Metrics) observeVerification(domain string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(CodeOf(err))
		if result == "" {
			result = string(ErrCodeInternal)
		}
	}
	m.Verifications.WithLabelValues(domain, result).Inc()
}

func (m *Metrics) observeRefresh(domain, outcome string) {
	if m == nil {
		return
	}
	m.JWKSRefreshes.WithLabelValues(domain, outcome).Inc()
}
