// Package metrics holds the prometheus collectors for the chat client and the
// development backend. A nil *Client or *Server is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jashn"

// Client counts push-channel and message-log activity of one process.
type Client struct {
	Reconnects        prometheus.Counter
	LiveMessages      prometheus.Counter
	DuplicateMessages prometheus.Counter
	PageLoads         *prometheus.CounterVec
	StalePages        prometheus.Counter
}

func NewClient(reg prometheus.Registerer) *Client {
	m := &Client{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "reconnects_total",
			Help: "Push channel reconnect attempts after a dropped connection.",
		}),
		LiveMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "live_messages_total",
			Help: "Messages received through the push channel.",
		}),
		DuplicateMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "duplicate_messages_total",
			Help: "Messages merged into an existing entry with the same id.",
		}),
		PageLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "page_loads_total",
			Help: "History and search page loads by outcome.",
		}, []string{"view", "outcome"}),
		StalePages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "stale_pages_total",
			Help: "Page responses dropped because the view changed while in flight.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Reconnects, m.LiveMessages, m.DuplicateMessages, m.PageLoads, m.StalePages)
	}
	return m
}

func (m *Client) Reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Client) Live() {
	if m != nil {
		m.LiveMessages.Inc()
	}
}

func (m *Client) Duplicate() {
	if m != nil {
		m.DuplicateMessages.Inc()
	}
}

func (m *Client) PageLoad(view, outcome string) {
	if m != nil {
		m.PageLoads.WithLabelValues(view, outcome).Inc()
	}
}

func (m *Client) Stale() {
	if m != nil {
		m.StalePages.Inc()
	}
}

// Server tracks the in-repo broker.
type Server struct {
	Connections   prometheus.Gauge
	Subscriptions prometheus.Gauge
	Broadcasts    *prometheus.CounterVec
	Dropped       prometheus.Counter
}

func NewServer(reg prometheus.Registerer) *Server {
	m := &Server{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "connections",
			Help: "Open websocket connections.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "subscriptions",
			Help: "Active topic subscriptions.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "broadcasts_total",
			Help: "Frames fanned out, by envelope type.",
		}, []string{"type"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "dropped_frames_total",
			Help: "Frames dropped because a client send buffer was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Subscriptions, m.Broadcasts, m.Dropped)
	}
	return m
}

func (m *Server) Connected(delta float64) {
	if m != nil {
		m.Connections.Add(delta)
	}
}

func (m *Server) Subscribed(delta float64) {
	if m != nil {
		m.Subscriptions.Add(delta)
	}
}

func (m *Server) Broadcast(kind string) {
	if m != nil {
		m.Broadcasts.WithLabelValues(kind).Inc()
	}
}

func (m *Server) Drop() {
	if m != nil {
		m.Dropped.Inc()
	}
}
