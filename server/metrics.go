package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of the prediction API.
type Metrics struct {
	predictions *prometheus.CounterVec
	requests    *prometheus.CounterVec
	duration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agipredict",
			Name:      "predictions_total",
			Help:      "Number of predicted records.",
		}, []string{"model"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agipredict",
			Name:      "predict_requests_total",
			Help:      "Prediction requests by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agipredict",
			Name:      "prediction_duration_seconds",
			Help:      "Latency of successful prediction requests.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.predictions, m.requests, m.duration)
	return m
}
