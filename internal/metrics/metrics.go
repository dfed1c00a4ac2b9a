// Package metrics exports Prometheus collectors for notifyhub. Counters are
// fed from the event bus so producers never depend on this package.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifyhub/internal/delivery"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/eventbus"
	"notifyhub/internal/notification"
	"notifyhub/internal/presence"
)

const namespace = "notifyhub"

// PresenceSource reports current session counts.
type PresenceSource interface {
	Stats() presence.Stats
}

// CountSource reports stored records per status.
type CountSource interface {
	Counts(ctx context.Context) (map[notification.Status]int, error)
}

type Metrics struct {
	reg *prometheus.Registry

	enqueued      *prometheus.CounterVec
	completed     *prometheus.CounterVec
	channel       *prometheus.CounterVec
	pruned        prometheus.Counter
	sweeps        *prometheus.CounterVec
	sweepRecords  *prometheus.CounterVec
	deliveryTime  prometheus.Histogram
	sessionEvents *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	configReloads prometheus.Counter
}

// New registers every collector on a private registry, including Go and
// process collectors.
func New(ps PresenceSource, counts CountSource) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_enqueued_total",
			Help: "Notification records created, by kind.",
		}, []string{"kind"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_completed_total",
			Help: "Notification records that reached a terminal status.",
		}, []string{"kind", "status"}),
		channel: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_deliveries_total",
			Help: "Per-target delivery attempts, by channel and result.",
		}, []string{"channel", "result"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "webpush_subscriptions_pruned_total",
			Help: "Web push subscriptions deactivated after the push service reported them gone.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweeps_total",
			Help: "Completed sweeps, by whether the sweep lock was held elsewhere.",
		}, []string{"locked"}),
		sweepRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_records_total",
			Help: "Records seen by sweeps, by outcome.",
		}, []string{"outcome"}),
		deliveryTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "notification_delivery_seconds",
			Help:    "Time to deliver one record to all of its recipients.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_events_total",
			Help: "Live session registrations and removals.",
		}, []string{"event"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests, by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency. Streaming routes are excluded.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		configReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "config_reloads_total",
			Help: "Applied configuration reloads.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.enqueued, m.completed, m.channel, m.pruned, m.sweeps, m.sweepRecords,
		m.deliveryTime, m.sessionEvents, m.httpRequests, m.httpDuration, m.configReloads,
	)
	if ps != nil {
		m.registerPresence(ps)
	}
	if counts != nil {
		m.reg.MustRegister(&statusCollector{src: counts, desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "notifications"),
			"Stored notification records, by status.",
			[]string{"status"}, nil,
		)})
	}
	return m
}

func (m *Metrics) registerPresence(ps PresenceSource) {
	gauge := func(name, help string, pick func(presence.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "presence", Name: name, Help: help,
		}, func() float64 { return float64(pick(ps.Stats())) })
	}
	m.reg.MustRegister(
		gauge("sessions", "Registered live sessions.", func(s presence.Stats) int { return s.TotalClients }),
		gauge("pwa_sessions", "Registered sessions from installed PWAs.", func(s presence.Stats) int { return s.PWAClients }),
		gauge("active_sessions", "Sessions with a heartbeat inside the active window.", func(s presence.Stats) int { return s.ActiveClients }),
	)
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveHTTP(method, route string, code int, took time.Duration, streaming bool) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	if !streaming {
		m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Observe updates counters for one event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.NotificationEnqueued:
		if rec, ok := e.Data.(*notification.Record); ok {
			m.enqueued.WithLabelValues(string(rec.Kind)).Inc()
		}
	case eventbus.NotificationSent, eventbus.NotificationFailed:
		if o, ok := e.Data.(delivery.Outcome); ok {
			m.completed.WithLabelValues(string(o.Kind), string(o.Status)).Inc()
			m.deliveryTime.Observe(o.Took.Seconds())
		}
	case eventbus.ChannelDelivered:
		if ce, ok := e.Data.(dispatch.ChannelEvent); ok {
			result := "ok"
			if !ce.OK {
				result = "error"
			}
			m.channel.WithLabelValues(string(ce.Channel), result).Inc()
		}
	case eventbus.SubscriptionPruned:
		m.pruned.Inc()
	case eventbus.SweepCompleted:
		if r, ok := e.Data.(delivery.SweepResult); ok {
			m.sweeps.WithLabelValues(strconv.FormatBool(r.Locked)).Inc()
			m.sweepRecords.WithLabelValues("sent").Add(float64(r.Sent))
			m.sweepRecords.WithLabelValues("failed").Add(float64(r.Failed))
			m.sweepRecords.WithLabelValues("skipped").Add(float64(r.Skipped))
			m.sweepRecords.WithLabelValues("error").Add(float64(r.Errors))
		}
	case eventbus.PresenceRegistered:
		m.sessionEvents.WithLabelValues("registered").Inc()
	case eventbus.PresenceUnregistered:
		m.sessionEvents.WithLabelValues("unregistered").Inc()
	case eventbus.ConfigReloaded:
		m.configReloads.Inc()
	}
}

// statusCollector queries the store on scrape.
type statusCollector struct {
	src  CountSource
	desc *prometheus.Desc
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	counts, err := c.src.Counts(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for _, st := range []notification.Status{notification.StatusPending, notification.StatusProcessing, notification.StatusSent, notification.StatusFailed} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
