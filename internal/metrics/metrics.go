// Package metrics exports the exporter's run counters to Prometheus. The
// collector is nil-safe so call sites never guard on whether metrics are
// enabled.
package metrics

import (
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// Observer records queue and worker events.
type Observer struct {
	registry *promclient.Registry

	itemsQueued      *promclient.CounterVec
	itemsProcessed   promclient.Counter
	itemsFailed      *promclient.CounterVec
	itemsRetried     promclient.Counter
	queueDepth       promclient.Gauge
	fetchDuration    *promclient.HistogramVec
	snapshotDuration promclient.Histogram
	snapshotErrors   promclient.Counter
	rateLimitWaits   promclient.Counter
	bytesExported    promclient.Counter
}

// NewObserver registers all exporter metrics against reg. A nil reg gets a
// private registry, which keeps parallel runs in tests from colliding.
func NewObserver(reg *promclient.Registry) (*Observer, error) {
	if reg == nil {
		reg = promclient.NewRegistry()
	}
	o := &Observer{
		registry: reg,
		itemsQueued: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: "confex",
			Name:      "items_queued_total",
			Help:      "Items added to the download queue, by discovery source.",
		}, []string{"source"}),
		itemsProcessed: promclient.NewCounter(promclient.CounterOpts{
			Namespace: "confex",
			Name:      "items_processed_total",
			Help:      "Items completed successfully.",
		}),
		itemsFailed: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: "confex",
			Name:      "items_failed_total",
			Help:      "Items that reached terminal failure, by error category.",
		}, []string{"category"}),
		itemsRetried: promclient.NewCounter(promclient.CounterOpts{
			Namespace: "confex",
			Name:      "items_retried_total",
			Help:      "Retry attempts scheduled.",
		}),
		queueDepth: promclient.NewGauge(promclient.GaugeOpts{
			Namespace: "confex",
			Name:      "queue_depth",
			Help:      "Pending items in the queue.",
		}),
		fetchDuration: promclient.NewHistogramVec(promclient.HistogramOpts{
			Namespace: "confex",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of wiki API fetches.",
			Buckets:   promclient.DefBuckets,
		}, []string{"kind"}),
		snapshotDuration: promclient.NewHistogram(promclient.HistogramOpts{
			Namespace: "confex",
			Name:      "snapshot_duration_seconds",
			Help:      "Latency of queue snapshot writes.",
			Buckets:   promclient.DefBuckets,
		}),
		snapshotErrors: promclient.NewCounter(promclient.CounterOpts{
			Namespace: "confex",
			Name:      "snapshot_errors_total",
			Help:      "Failed queue snapshot writes.",
		}),
		rateLimitWaits: promclient.NewCounter(promclient.CounterOpts{
			Namespace: "confex",
			Name:      "rate_limit_waits_total",
			Help:      "Times the scheduler paused for a Retry-After window.",
		}),
		bytesExported: promclient.NewCounter(promclient.CounterOpts{
			Namespace: "confex",
			Name:      "bytes_exported_total",
			Help:      "Cumulative size of exported pages and attachments.",
		}),
	}

	collectors := []promclient.Collector{
		o.itemsQueued, o.itemsProcessed, o.itemsFailed, o.itemsRetried,
		o.queueDepth, o.fetchDuration, o.snapshotDuration, o.snapshotErrors,
		o.rateLimitWaits, o.bytesExported,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register exporter metrics: %w", err)
		}
	}
	return o, nil
}

// Registry returns the backing registry, for tests and scrape handlers.
func (o *Observer) Registry() *promclient.Registry {
	if o == nil {
		return nil
	}
	return o.registry
}

func (o *Observer) ItemQueued(source string) {
	if o == nil {
		return
	}
	o.itemsQueued.WithLabelValues(source).Inc()
}

func (o *Observer) ItemProcessed() {
	if o == nil {
		return
	}
	o.itemsProcessed.Inc()
}

func (o *Observer) ItemFailed(category string) {
	if o == nil {
		return
	}
	o.itemsFailed.WithLabelValues(category).Inc()
}

func (o *Observer) ItemRetried() {
	if o == nil {
		return
	}
	o.itemsRetried.Inc()
}

func (o *Observer) SetQueueDepth(n int) {
	if o == nil {
		return
	}
	o.queueDepth.Set(float64(n))
}

func (o *Observer) FetchObserved(kind string, d time.Duration) {
	if o == nil {
		return
	}
	o.fetchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (o *Observer) SnapshotObserved(d time.Duration, err error) {
	if o == nil {
		return
	}
	o.snapshotDuration.Observe(d.Seconds())
	if err != nil {
		o.snapshotErrors.Inc()
	}
}

func (o *Observer) RateLimitWait() {
	if o == nil {
		return
	}
	o.rateLimitWaits.Inc()
}

func (o *Observer) BytesExported(n int) {
	if o == nil {
		return
	}
	o.bytesExported.Add(float64(n))
}
