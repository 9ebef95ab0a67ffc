// Package metrics exports bookbot activity as Prometheus metrics. Values are
// derived from event bus traffic, so no component depends on this package.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bookbot/internal/eventbus"
	"bookbot/internal/listing"
	"bookbot/internal/notifier"
	"bookbot/internal/pipeline"
	"bookbot/internal/scheduler"
)

const namespace = "bookbot"

type Metrics struct {
	reg *prometheus.Registry

	state         *prometheus.GaugeVec
	cycles        prometheus.Counter
	cycleErrors   prometheus.Counter
	cycleDur      prometheus.Summary
	fetched       prometheus.Counter
	rejected      *prometheus.CounterVec
	admitted      prometheus.Counter
	claims        *prometheus.CounterVec
	claimDur      prometheus.Summary
	notifications *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	lastClaim     prometheus.Gauge
}

// New builds a private registry with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_state",
		Help:      "1 for the current scheduler state, 0 otherwise",
	}, []string{"state"})
	m.cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Poll cycles run",
	})
	m.cycleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycle_errors_total",
		Help:      "Poll cycles aborted by a fatal error",
	})
	m.cycleDur = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  namespace,
		Name:       "cycle_duration_seconds",
		Help:       "Time spent in one poll cycle",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	m.fetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_fetched_total",
		Help:      "Listing entries fetched",
	})
	m.rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_rejected_total",
		Help:      "Listing entries rejected by reason",
	}, []string{"reason"})
	m.admitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_admitted_total",
		Help:      "Entries admitted to the dedup store",
	})
	m.claims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_total",
		Help:      "Claims by outcome",
	}, []string{"outcome"})
	m.claimDur = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: namespace,
		Name:      "claim_duration_seconds",
		Help:      "Claim request latency",
	})
	m.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification deliveries by channel and result",
	}, []string{"channel", "result"})
	m.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "goroutine_restarts_total",
		Help:      "Supervised goroutine restarts",
	}, []string{"name"})
	m.lastClaim = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_claim_success_timestamp_seconds",
		Help:      "Unix time of the last successful claim",
	})

	m.reg.MustRegister(
		m.state, m.cycles, m.cycleErrors, m.cycleDur, m.fetched, m.rejected,
		m.admitted, m.claims, m.claimDur, m.notifications, m.restarts, m.lastClaim,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.setState(scheduler.StateIdle)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Restarted counts a supervised restart. It matches supervisor.WithRestartHook.
func (m *Metrics) Restarted(name string, _ error) {
	m.restarts.WithLabelValues(name).Inc()
}

// Consume subscribes to bus and returns the loop that applies its events
// until ctx ends. Subscribing up front means nothing published after Consume
// returns is missed.
func (m *Metrics) Consume(bus eventbus.Bus) func(ctx context.Context) {
	ch, unsub := bus.Subscribe(256)
	return func(ctx context.Context) {
		defer unsub()
		m.drain(ctx, ch)
	}
}

func (m *Metrics) drain(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe applies one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case scheduler.StateEvent:
		m.setState(d.To)
	case pipeline.CycleEvent:
		m.cycles.Inc()
		m.cycleDur.Observe(d.Took.Seconds())
		if d.Error != "" {
			m.cycleErrors.Inc()
		}
		m.fetched.Add(float64(d.Stats.Fetched))
		for reason, n := range d.Stats.Rejected {
			m.rejected.WithLabelValues(reason).Add(float64(n))
		}
	case pipeline.ClaimEvent:
		m.claims.WithLabelValues(d.Outcome).Inc()
		m.claimDur.Observe(d.Took.Seconds())
		if d.Outcome == listing.Succeeded.String() {
			m.lastClaim.Set(float64(ev.Time.Unix()))
		}
	case notifier.NotificationEvent:
		switch ev.Type {
		case notifier.EventSent:
			m.notifications.WithLabelValues(d.Channel, "sent").Inc()
		case notifier.EventFailed:
			m.notifications.WithLabelValues(d.Channel, "failed").Inc()
		case notifier.EventDropped:
			m.notifications.WithLabelValues(d.Channel, "dropped").Inc()
		}
	case listing.Summary:
		if ev.Type == pipeline.EventAdmitted {
			m.admitted.Inc()
		}
	}
}

func (m *Metrics) setState(cur scheduler.State) {
	for _, s := range []scheduler.State{scheduler.StateIdle, scheduler.StateActive, scheduler.StateQuiescent} {
		v := 0.0
		if s == cur {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}
