package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

// LTI counts logins, launches and platform service calls. It implements lti.Observer.
type LTI struct {
	reg      *prometheus.Registry
	logins   *prometheus.CounterVec
	launches *prometheus.CounterVec
	service  *prometheus.HistogramVec
}

func New() *LTI {
	m := &LTI{
		reg: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_logins_total",
			Help: "OIDC login initiations by result.",
		}, []string{"result"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_launches_total",
			Help: "Launch validations by message type and result.",
		}, []string{"message_type", "result"}),
		service: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lti_service_request_seconds",
			Help:    "Latency of calls to platform services.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "result"}),
	}
	m.reg.MustRegister(m.logins, m.launches, m.service,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return m
}

func (m *LTI) Login(result string) {
	m.logins.WithLabelValues(result).Inc()
}

// Launch clamps message_type to the known LTI types; it comes from an untrusted token.
func (m *LTI) Launch(messageType, result string) {
	m.launches.WithLabelValues(clampMessageType(messageType), result).Inc()
}

func (m *LTI) ServiceCall(op string, d time.Duration, err error) {
	res := "ok"
	if err != nil {
		res = lti.KindOf(err).String()
	}
	m.service.WithLabelValues(op, res).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *LTI) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and for registering extra collectors.
func (m *LTI) Registry() *prometheus.Registry { return m.reg }

func clampMessageType(mt string) string {
	switch mt {
	case lti.MessageResourceLink, lti.MessageDeepLinking, lti.MessageDataPrivacy, lti.MessageSubmissionReview:
		return mt
	case "":
		return "none"
	default:
		return "other"
	}
}
