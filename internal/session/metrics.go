package session

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracking per-verb command counts and reply codes, exposed via
// github.com/prometheus/client_golang for scraping.
var (
	commandCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtpd_command_total",
		Help: "count of SMTP commands received, by verb",
	}, []string{"verb"})

	responseCodeCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtpd_response_code_total",
		Help: "count of SMTP reply codes sent, by code",
	}, []string{"code"})

	sizeExceededCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smtpd_data_size_exceeded_total",
		Help: "count of DATA payloads that exceeded the configured size limit",
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "smtpd_active_sessions",
		Help: "count of SMTP sessions currently being served",
	})
)

func init() {
	prometheus.MustRegister(commandCount, responseCodeCount, sizeExceededCount, activeSessions)
}

func observeReply(verb string, code int) {
	commandCount.WithLabelValues(verb).Inc()
	responseCodeCount.WithLabelValues(strconv.Itoa(code)).Inc()
}
