// Package metrics exposes Prometheus metrics for the orchestration core.
// Outcome counters are fed from task-settled bus events; queue and pool
// gauges are read from the engine snapshot at scrape time.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"serialarr/internal/engine"
	"serialarr/internal/eventbus"
)

// Collector registers and feeds the serialarr metric families.
type Collector struct {
	tasksTotal     *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	chaptersTotal  prometheus.Counter
	newChapters    prometheus.Counter
	eng            *engine.Engine
	queueDepthDesc *prometheus.Desc
	inFlightDesc   *prometheus.Desc
	providerDesc   *prometheus.Desc
}

func NewCollector(reg prometheus.Registerer, eng *engine.Engine) *Collector {
	c := &Collector{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialarr_tasks_total",
			Help: "Settled task outcomes by kind and outcome.",
		}, []string{"kind", "outcome"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialarr_task_failures_total",
			Help: "Task failures by error kind.",
		}, []string{"error_kind"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "serialarr_task_duration_seconds",
			Help:    "Task execution duration by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		chaptersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialarr_chapters_downloaded_total",
			Help: "Chapters written to the library.",
		}),
		newChapters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialarr_new_chapters_found_total",
			Help: "New chapters discovered by update checks.",
		}),
		eng: eng,
		queueDepthDesc: prometheus.NewDesc("serialarr_queue_depth",
			"Open tasks by state.", []string{"state"}, nil),
		inFlightDesc: prometheus.NewDesc("serialarr_workers_in_flight",
			"Tasks currently executing.", nil, nil),
		providerDesc: prometheus.NewDesc("serialarr_provider_in_flight",
			"Requests currently inside a provider's politeness gate.", []string{"provider"}, nil),
	}

	reg.MustRegister(
		c.tasksTotal,
		c.failuresTotal,
		c.taskDuration,
		c.chaptersTotal,
		c.newChapters,
		c, // gauge families below
	)
	return c
}

// Describe implements prometheus.Collector for the snapshot gauges.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
	ch <- c.inFlightDesc
	ch <- c.providerDesc
}

// Collect reads the engine snapshot at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.eng.Snapshot()
	for state, n := range snap.Depths {
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(n), state)
	}
	ch <- prometheus.MustNewConstMetric(c.inFlightDesc, prometheus.GaugeValue, float64(snap.InFlight))
	for prov, n := range snap.Providers {
		ch <- prometheus.MustNewConstMetric(c.providerDesc, prometheus.GaugeValue, float64(n), prov)
	}
}

// Watch consumes engine bus events until ctx is done. Run it under the
// application supervisor.
func (c *Collector) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.observe(e)
		}
	}
}

func (c *Collector) observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.EventTaskSettled:
		out, ok := e.Data.(engine.TaskOutcome)
		if !ok {
			return
		}
		c.tasksTotal.WithLabelValues(string(out.Kind), string(out.Outcome)).Inc()
		c.taskDuration.WithLabelValues(string(out.Kind)).Observe(out.Duration.Seconds())
		if out.ErrorKind != "" {
			c.failuresTotal.WithLabelValues(string(out.ErrorKind)).Inc()
		}
	case eventbus.EventDownloadFinished:
		c.chaptersTotal.Inc()
	case eventbus.EventNewChaptersFound:
		if ev, ok := e.Data.(engine.StoryEvent); ok {
			c.newChapters.Add(float64(ev.NewChapters))
		}
	}
}

// Handler returns the scrape endpoint for the given gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
