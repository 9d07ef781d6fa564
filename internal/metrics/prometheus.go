package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aki"

// Prometheus exposes the counters on a private registry.
type Prometheus struct {
	registry *prometheus.Registry
	counters map[Counter]prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	started := time.Now()

	p := &Prometheus{
		registry: registry,
		counters: make(map[Counter]prometheus.Counter),
	}

	for _, c := range Counters() {
		p.counters[c] = factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      string(c) + "_total",
			Help:      c.Help(),
		})
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Sürecin çalışma süresi",
	}, func() float64 {
		return time.Since(started).Seconds()
	})

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

func (p *Prometheus) Inc(c Counter) {
	if counter, ok := p.counters[c]; ok {
		counter.Inc()
	}
}

// Registry returns the private registry backing p.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
