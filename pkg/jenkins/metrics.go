package jenkins

import "github.com/prometheus/client_golang/prometheus"

// ClientMetrics is a set of metrics gathered by the Jenkins client.
type ClientMetrics struct {
	Requests       *prometheus.CounterVec
	RequestRetries prometheus.Counter
	RequestLatency *prometheus.HistogramVec
}

// NewMetrics creates the client metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jenkins_requests",
			Help: "Number of Jenkins requests made by the node registrar.",
		}, []string{
			// http verb of the request
			"verb",
			// path of the request
			"handler",
			// http status code of the request
			"code",
		}),
		RequestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jenkins_request_retries",
			Help: "Number of Jenkins operations retried after a transient failure.",
		}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jenkins_request_latency",
			Help:    "Time for a request to roundtrip between the registrar and Jenkins.",
			Buckets: prometheus.DefBuckets,
		}, []string{
			"verb",
			"handler",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.RequestRetries, m.RequestLatency)
	}
	return m
}
