// Package metrics exposes devfleet's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collectors struct {
	registry *prometheus.Registry

	ItemsCompleted   *prometheus.CounterVec
	ItemsRequeued    *prometheus.CounterVec
	ItemsSkipped     prometheus.Counter
	Restarts         *prometheus.CounterVec
	GlobalRecoveries prometheus.Counter
	ChannelFailures  *prometheus.CounterVec
	ChannelResets    *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	InFlight         prometheus.Gauge
	ItemDuration     *prometheus.HistogramVec
}

func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		ItemsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "devfleet_items_completed_total", Help: "Items completed, by device and success"},
			[]string{"device", "success"},
		),
		ItemsRequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "devfleet_items_requeued_total", Help: "Items requeued, by reason"},
			[]string{"reason"},
		),
		ItemsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "devfleet_items_skipped_total", Help: "Items that exhausted their retries or failed fatally"},
		),
		Restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "devfleet_device_restarts_total", Help: "Device restarts, by device and result"},
			[]string{"device", "ok"},
		),
		GlobalRecoveries: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "devfleet_global_recoveries_total", Help: "Fleet-wide recoveries after every worker stalled"},
		),
		ChannelFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "devfleet_channel_failures_total", Help: "Failed adb command attempts, by class"},
			[]string{"class"},
		),
		ChannelResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "devfleet_channel_resets_total", Help: "adb server resets, by result"},
			[]string{"ok"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "devfleet_queue_depth", Help: "Items waiting in the backlog"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "devfleet_items_in_flight", Help: "Items currently reserved by a worker"},
		),
		ItemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devfleet_item_duration_seconds",
				Help:    "Time from reservation to completion",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
			},
			[]string{"device"},
		),
	}
	c.registry.MustRegister(
		c.ItemsCompleted, c.ItemsRequeued, c.ItemsSkipped, c.Restarts, c.GlobalRecoveries,
		c.ChannelFailures, c.ChannelResets, c.QueueDepth, c.InFlight, c.ItemDuration,
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) ChannelFailure(class string) { c.ChannelFailures.WithLabelValues(class).Inc() }
func (c *Collectors) ChannelReset(ok bool) {
	c.ChannelResets.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func (c *Collectors) ItemCompleted(device string, success bool, took time.Duration) {
	c.ItemsCompleted.WithLabelValues(device, strconv.FormatBool(success)).Inc()
	c.ItemDuration.WithLabelValues(device).Observe(took.Seconds())
}

func (c *Collectors) ItemRequeued(reason string) { c.ItemsRequeued.WithLabelValues(reason).Inc() }
func (c *Collectors) ItemSkipped()               { c.ItemsSkipped.Inc() }
func (c *Collectors) GlobalRecovery()            { c.GlobalRecoveries.Inc() }

func (c *Collectors) DeviceRestarted(device string, ok bool) {
	c.Restarts.WithLabelValues(device, strconv.FormatBool(ok)).Inc()
}

func (c *Collectors) Backlog(queued, inFlight int) {
	c.QueueDepth.Set(float64(queued))
	c.InFlight.Set(float64(inFlight))
}
