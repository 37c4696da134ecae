// Package streammetrics exports a connection's congestion, retry, and
// exchange-rate behavior as Prometheus metrics (ambient observability the
// teacher's go.mod already declared via prometheus/client_golang but never
// wired into anything).
package streammetrics

import "github.com/prometheus/client_golang/prometheus"

// Collector is the set of Prometheus instruments one streamserver.Pool or
// streamclient connection reports through. It satisfies
// connection.MetricsSink.
type Collector struct {
	congestionWindow prometheus.Gauge
	inFlight         prometheus.Gauge
	exchangeRate     prometheus.Gauge
	retries          prometheus.Counter
	fulfills         prometheus.Counter
	rejects          *prometheus.CounterVec
}

// NewCollector builds a Collector with instruments labeled by name (e.g. a
// pool's server address, or a client connection's destination), so multiple
// Collectors can share one Registry without metric-name collisions.
func NewCollector(namespace, name string) *Collector {
	constLabels := prometheus.Labels{"connection": name}
	return &Collector{
		congestionWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "congestion_window",
			Help:        "Current outbound Prepare source-amount ceiling.",
			ConstLabels: constLabels,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "in_flight",
			Help:        "1 while a Prepare is outstanding, 0 otherwise.",
			ConstLabels: constLabels,
		}),
		exchangeRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "exchange_rate",
			Help:        "Current observed delivered/sent exchange rate.",
			ConstLabels: constLabels,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "retries_total",
			Help:        "Total retried Prepares.",
			ConstLabels: constLabels,
		}),
		fulfills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "fulfills_total",
			Help:        "Total Prepares fulfilled.",
			ConstLabels: constLabels,
		}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rejects_total",
			Help:        "Total Prepares rejected, by ILP reject code.",
			ConstLabels: constLabels,
		}, []string{"code"}),
	}
}

// Register adds every instrument to reg so it is scraped alongside the
// process's other metrics.
func (c *Collector) Register(reg *prometheus.Registry) error {
	for _, collector := range []prometheus.Collector{
		c.congestionWindow, c.inFlight, c.exchangeRate, c.retries, c.fulfills, c.rejects,
	} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// CongestionWindow records the connection's current congestion ceiling.
func (c *Collector) CongestionWindow(amount uint64) { c.congestionWindow.Set(float64(amount)) }

// InFlight records whether a Prepare is currently outstanding.
func (c *Collector) InFlight(active bool) {
	if active {
		c.inFlight.Set(1)
		return
	}
	c.inFlight.Set(0)
}

// ExchangeRate records the connection's current rate estimate.
func (c *Collector) ExchangeRate(rate float64) { c.exchangeRate.Set(rate) }

// Retry counts one retried Prepare.
func (c *Collector) Retry() { c.retries.Inc() }

// Fulfill counts one successfully fulfilled Prepare.
func (c *Collector) Fulfill() { c.fulfills.Inc() }

// Reject counts one rejected Prepare by its ILP reject code.
func (c *Collector) Reject(code string) { c.rejects.WithLabelValues(code).Inc() }
