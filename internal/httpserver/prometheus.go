package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/procview/internal/poller"
)

const metricsNamespace = "procview"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Total API requests rejected by the per-address rate limiter.",
		}, func() float64 {
			return float64(s.rateLimited.Load())
		}),
	}

	if s.limiter != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "rate_limit_buckets",
			Help:      "Number of remote addresses currently tracked by the rate limiter.",
		}, func() float64 {
			return float64(s.limiter.size())
		}))
	}

	if clientCollector := newClientMetricsCollector(s.poller); clientCollector != nil {
		collectors = append(collectors, clientCollector)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// clientMetricsCollector exports per-client poll state at scrape time.
type clientMetricsCollector struct {
	poller  Poller
	metrics []clientMetric
}

type clientMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(snapshot poller.Snapshot, stats poller.FetchStats) (float64, bool)
}

func newClientMetricsCollector(p Poller) prometheus.Collector {
	if p == nil {
		return nil
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "client", name),
			help,
			[]string{"client_id"},
			nil,
		)
	}

	return &clientMetricsCollector{
		poller: p,
		metrics: []clientMetric{
			{
				desc:      desc("records", "Number of process/user records in the latest data."),
				valueType: prometheus.GaugeValue,
				extract: func(snapshot poller.Snapshot, _ poller.FetchStats) (float64, bool) {
					var total int
					for _, proc := range snapshot.Data.Processes {
						total += len(proc.Users)
					}
					return float64(total), true
				},
			},
			{
				desc:      desc("loading", "Whether a processes request is in flight."),
				valueType: prometheus.GaugeValue,
				extract: func(snapshot poller.Snapshot, _ poller.FetchStats) (float64, bool) {
					if snapshot.Loading {
						return 1, true
					}
					return 0, true
				},
			},
			{
				desc:      desc("errors", "Number of API errors attached to the latest processes request."),
				valueType: prometheus.GaugeValue,
				extract: func(snapshot poller.Snapshot, _ poller.FetchStats) (float64, bool) {
					return float64(len(snapshot.Errors)), true
				},
			},
			{
				desc:      desc("last_updated_timestamp_seconds", "Unix time of the last successful processes fetch."),
				valueType: prometheus.GaugeValue,
				extract: func(snapshot poller.Snapshot, _ poller.FetchStats) (float64, bool) {
					if snapshot.LastUpdated == 0 {
						return 0, false
					}
					return float64(snapshot.LastUpdated) / 1000, true
				},
			},
			{
				desc:      desc("data_age_seconds", "Seconds elapsed since the last successful processes fetch."),
				valueType: prometheus.GaugeValue,
				extract: func(snapshot poller.Snapshot, _ poller.FetchStats) (float64, bool) {
					if snapshot.LastUpdated == 0 {
						return 0, false
					}
					age := time.Since(time.UnixMilli(snapshot.LastUpdated)).Seconds()
					if age < 0 {
						age = 0
					}
					return age, true
				},
			},
			{
				desc:      desc("polls_total", "Total last-updated checks issued."),
				valueType: prometheus.CounterValue,
				extract: func(_ poller.Snapshot, stats poller.FetchStats) (float64, bool) {
					return float64(stats.Polls), true
				},
			},
			{
				desc:      desc("poll_errors_total", "Total failed last-updated checks."),
				valueType: prometheus.CounterValue,
				extract: func(_ poller.Snapshot, stats poller.FetchStats) (float64, bool) {
					return float64(stats.PollErrors), true
				},
			},
			{
				desc:      desc("fetches_total", "Total processes requests issued."),
				valueType: prometheus.CounterValue,
				extract: func(_ poller.Snapshot, stats poller.FetchStats) (float64, bool) {
					return float64(stats.Fetches), true
				},
			},
			{
				desc:      desc("fetch_errors_total", "Total failed processes requests."),
				valueType: prometheus.CounterValue,
				extract: func(_ poller.Snapshot, stats poller.FetchStats) (float64, bool) {
					return float64(stats.FetchErrors), true
				},
			},
		},
	}
}

func (c *clientMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *clientMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range c.poller.Clients() {
		snapshot, ok := c.poller.Latest(info.ID)
		if !ok {
			continue
		}
		stats := c.poller.Stats(info.ID)
		for _, metric := range c.metrics {
			value, ok := metric.extract(snapshot, stats)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, info.ID)
		}
	}
}
