package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes Prometheus metrics for the sync client: outbound API
// traffic, token refresh outcomes, and event channel activity.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	refreshTotal    *prometheus.CounterVec
	channelState    prometheus.Gauge
	eventsTotal     *prometheus.CounterVec
	pollsTotal      prometheus.Counter
}

// New constructs a collector with its own registry.
func New() (*Collector, error) {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "adsync",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for outbound API requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Total number of outbound API requests.",
	}, []string{"method", "path", "status"})

	refreshTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "rpc",
		Name:      "token_refreshes_total",
		Help:      "Token refresh attempts by outcome.",
	}, []string{"outcome"})

	channelState := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "adsync",
		Subsystem: "events",
		Name:      "channel_state",
		Help:      "Event channel state (0 disconnected, 1 connecting, 2 connected, 3 retrying).",
	})

	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "events",
		Name:      "applied_total",
		Help:      "Stream events applied to the store, by type.",
	}, []string{"type"})

	pollsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "adsync",
		Subsystem: "events",
		Name:      "fallback_polls_total",
		Help:      "Coarse cache invalidations performed while the stream is down.",
	})

	for _, c := range []prometheus.Collector{requestDuration, requestTotal, refreshTotal, channelState, eventsTotal, pollsTotal} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &Collector{
		registry:        registry,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		refreshTotal:    refreshTotal,
		channelState:    channelState,
		eventsTotal:     eventsTotal,
		pollsTotal:      pollsTotal,
	}, nil
}

// Handler returns an HTTP handler for exposing the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one outbound API round-trip. A nil collector is a
// no-op so callers can leave metrics unconfigured.
func (c *Collector) ObserveRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	s := strconv.Itoa(status)
	c.requestTotal.WithLabelValues(method, path, s).Inc()
	c.requestDuration.WithLabelValues(method, path, s).Observe(duration.Seconds())
}

func (c *Collector) ObserveRefresh(outcome string) {
	if c == nil {
		return
	}
	c.refreshTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetChannelState(state int) {
	if c == nil {
		return
	}
	c.channelState.Set(float64(state))
}

func (c *Collector) ObserveEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(eventType).Inc()
}

func (c *Collector) ObservePoll() {
	if c == nil {
		return
	}
	c.pollsTotal.Inc()
}
