package storefront

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the purchase workflow collectors.
type Metrics struct {
	PurchasesTotal   *prometheus.CounterVec
	PurchaseFailures *prometheus.CounterVec
	PurchaseDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PurchasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "purchases_total",
			Help:      "Completed purchases by workflow.",
		}, []string{"workflow"}),
		PurchaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "purchase_failures_total",
			Help:      "Failed purchases by workflow and stage.",
		}, []string{"workflow", "stage"}),
		PurchaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storefront",
			Name:      "purchase_duration_seconds",
			Help:      "End-to-end purchase duration including confirmation wait.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"workflow"}),
	}
	if reg != nil {
		reg.MustRegister(m.PurchasesTotal, m.PurchaseFailures, m.PurchaseDuration)
	}
	return m
}
