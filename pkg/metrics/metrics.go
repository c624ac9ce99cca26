// Package metrics exports the authentication pipeline's counters to
// Prometheus.
//
// A single [Metrics] value implements the cache observer, the fetch
// observer and the middleware recorder, so one registration covers every
// component:
//
//	m, err := metrics.New(reg)
//	f := fetch.New(fetch.WithObserver(m))
//	resolver, err := oidc.NewResolver(f, oidc.WithCacheObserver(m))
//
// All methods are safe on a nil *Metrics and then do nothing.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

const namespace = "plutus"

// Metrics holds the registered collectors.
type Metrics struct {
	cacheEvents   *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	authDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Registering the
// same collectors twice on one registry fails.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "metrics: registerer is required")
	}
	m := &Metrics{
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Cache lookups and evictions by cache and event.",
		}, []string{"cache", "event"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Outbound metadata requests by host and outcome.",
		}, []string{"host", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of outbound metadata requests.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"host"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy decisions by action and result.",
		}, []string{"action", "allowed"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejections_total",
			Help:      "Requests rejected by the authentication middleware, by transport and reason.",
		}, []string{"transport", "reason"}),
		authDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_duration_seconds",
			Help:      "Time spent in the authentication pipeline per request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"}),
	}

	collectors := []prometheus.Collector{
		m.cacheEvents, m.fetches, m.fetchDuration, m.decisions, m.rejections, m.authDuration,
	}
	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "metrics: failed to register collectors")
	}
	return m, nil
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// CacheHit implements cache.Observer.
func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(cache, "hit").Inc()
}

// CacheMiss implements cache.Observer.
func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(cache, "miss").Inc()
}

// CacheEvict implements cache.Observer.
func (m *Metrics) CacheEvict(cache string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(cache, "evict").Inc()
}

// ObserveFetch implements fetch.Observer.
func (m *Metrics) ObserveFetch(host, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(host, outcome).Inc()
	m.fetchDuration.WithLabelValues(host).Observe(elapsed.Seconds())
}

// ObserveDecision counts a policy decision.
func (m *Metrics) ObserveDecision(action string, allowed bool) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, strconv.FormatBool(allowed)).Inc()
}

// ObserveRejection counts a rejected request. reason is the error code of
// the rejection body, such as "access_denied".
func (m *Metrics) ObserveRejection(transport, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(transport, reason).Inc()
}

// ObserveAuthDuration records the time one request spent in the pipeline.
func (m *Metrics) ObserveAuthDuration(transport string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.authDuration.WithLabelValues(transport).Observe(elapsed.Seconds())
}
