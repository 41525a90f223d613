// Package metrics exports call coordination counters in the Prometheus text
// format.
package metrics

import (
	"net/http"
	"sync"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/events"
	"concierge-intercom/internal/push"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "intercom"

// Collector turns coordinator events and push results into metrics. It owns
// its registry so several collectors can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	sessions    *prometheus.CounterVec
	ended       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	errors      prometheus.Counter
	pushes      *prometheus.CounterVec
	active      prometheus.Gauge

	mu    sync.Mutex
	unsub func()
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Call sessions created, by direction and source.",
		}, []string{"direction", "source"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Call sessions ended, by terminal state and reason.",
		}, []string{"state", "reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions, by target state.",
		}, []string{"to"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_errors_total",
			Help:      "Errors reported on the event stream.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_payloads_total",
			Help:      "Push payloads ingested, by outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "1 while a call session is live.",
		}),
	}
	c.registry.MustRegister(c.sessions, c.ended, c.transitions, c.errors, c.pushes, c.active)
	return c
}

func (c *Collector) Attach(stream events.Observable) {
	unsub := stream.Subscribe(events.KindAll, c.observe)
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()
}

func (c *Collector) Detach() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ObservePush counts one push result. It matches push.Ingestor.OnResult.
func (c *Collector) ObservePush(res push.Result) {
	c.pushes.WithLabelValues(string(res.Outcome)).Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) observe(ev events.Event) {
	switch ev.Kind {
	case events.KindSessionCreated:
		if ev.Session == nil {
			return
		}
		c.sessions.WithLabelValues(direction(*ev.Session), string(ev.Session.Source)).Inc()
		c.active.Set(1)
	case events.KindStateChanged:
		if ev.Change != nil {
			c.transitions.WithLabelValues(string(ev.Change.NewState)).Inc()
		}
	case events.KindSessionEnded:
		c.active.Set(0)
		if ev.Session != nil {
			c.ended.WithLabelValues(string(ev.Session.State), string(ev.Session.EndReason)).Inc()
		}
	case events.KindError:
		c.errors.Inc()
	}
}

func direction(s call.Snapshot) string {
	if s.IsOutgoing {
		return "outgoing"
	}
	return "incoming"
}
