// Package metrics holds the Prometheus collectors shared by the KDF engine,
// the identity manager and the protocol session. A nil *Collectors is valid
// and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sqrl"

type Collectors struct {
	kdfDuration      *prometheus.HistogramVec
	kdfIterations    *prometheus.CounterVec
	unlocks          *prometheus.CounterVec
	exchanges        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
}

// New builds the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		kdfDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "kdf",
				Name:      "duration_seconds",
				Help:      "Wall time spent in EnScrypt derivations.",
				Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		kdfIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kdf",
				Name:      "iterations_total",
				Help:      "scrypt iterations executed by EnScrypt.",
			},
			[]string{"mode"},
		),
		unlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "unlocks_total",
				Help:      "Identity unlock attempts by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "exchanges_total",
				Help:      "Protocol exchanges by command and outcome.",
			},
			[]string{"command", "outcome"},
		),
		exchangeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "exchange_duration_seconds",
				Help:      "Protocol exchange round trip in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
	}
	if reg != nil {
		for _, col := range c.all() {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Collectors) all() []prometheus.Collector {
	return []prometheus.Collector{c.kdfDuration, c.kdfIterations, c.unlocks, c.exchanges, c.exchangeDuration}
}

func (c *Collectors) ObserveKDF(mode string, iterations uint32, duration time.Duration) {
	if c == nil {
		return
	}
	c.kdfDuration.WithLabelValues(mode).Observe(duration.Seconds())
	c.kdfIterations.WithLabelValues(mode).Add(float64(iterations))
}

func (c *Collectors) RecordUnlock(method, outcome string) {
	if c == nil {
		return
	}
	c.unlocks.WithLabelValues(method, outcome).Inc()
}

func (c *Collectors) RecordExchange(command, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.exchanges.WithLabelValues(command, outcome).Inc()
	c.exchangeDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// Unlocks exposes the unlock counter for assertions and exporters.
func (c *Collectors) Unlocks() *prometheus.CounterVec { return c.unlocks }

// Exchanges exposes the exchange counter for assertions and exporters.
func (c *Collectors) Exchanges() *prometheus.CounterVec { return c.exchanges }

// KDFIterations exposes the iteration counter for assertions and exporters.
func (c *Collectors) KDFIterations() *prometheus.CounterVec { return c.kdfIterations }
