package app

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus instruments. A nil *Metrics or an
// unregistered one is a no-op, so tests can pass nil.
type Metrics struct {
	participants  prometheus.Gauge
	waiting       prometheus.Gauge
	rooms         prometheus.Gauge
	joinsRejected *prometheus.CounterVec
	framesSent    prometheus.Counter
	framesDropped prometheus.Counter
	kicked        prometheus.Counter
	relaysActive  prometheus.Gauge

	registerOnce sync.Once
}

// Register registers the instruments with registry. Idempotent.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}
	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.participants = factory.NewGauge(prometheus.GaugeOpts{
			Name: "livestage_connected_participants",
			Help: "Number of participants currently joined to a room",
		})
		m.waiting = factory.NewGauge(prometheus.GaugeOpts{
			Name: "livestage_waiting_participants",
			Help: "Number of participants waiting to be admitted",
		})
		m.rooms = factory.NewGauge(prometheus.GaugeOpts{
			Name: "livestage_active_rooms",
			Help: "Number of rooms held in memory",
		})
		m.joinsRejected = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livestage_joins_rejected_total",
			Help: "Total number of rejected joins by reason",
		}, []string{"reason"})
		m.framesSent = factory.NewCounter(prometheus.CounterOpts{
			Name: "livestage_broadcast_frames_sent_total",
			Help: "Total number of broadcast frames delivered to participants",
		})
		m.framesDropped = factory.NewCounter(prometheus.CounterOpts{
			Name: "livestage_broadcast_frames_dropped_total",
			Help: "Total number of broadcast frames dropped by backpressure",
		})
		m.kicked = factory.NewCounter(prometheus.CounterOpts{
			Name: "livestage_backpressure_kicks_total",
			Help: "Total number of participants kicked as slow consumers",
		})
		m.relaysActive = factory.NewGauge(prometheus.GaugeOpts{
			Name: "livestage_active_relays",
			Help: "Number of published media tracks being relayed",
		})
	})
}

func (m *Metrics) SetOccupancy(o Occupancy) {
	if m == nil || m.participants == nil {
		return
	}
	m.participants.Set(float64(o.Joined))
	m.waiting.Set(float64(o.Waiting))
}

func (m *Metrics) SetRooms(n int) {
	if m != nil && m.rooms != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) JoinRejected(reason string) {
	if m != nil && m.joinsRejected != nil {
		m.joinsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Published(sent, dropped int) {
	if m == nil || m.framesSent == nil {
		return
	}
	m.framesSent.Add(float64(sent))
	m.framesDropped.Add(float64(dropped))
}

func (m *Metrics) Kicked() {
	if m != nil && m.kicked != nil {
		m.kicked.Inc()
	}
}

func (m *Metrics) RelayStarted() {
	if m != nil && m.relaysActive != nil {
		m.relaysActive.Inc()
	}
}

func (m *Metrics) RelayStopped() {
	if m != nil && m.relaysActive != nil {
		m.relaysActive.Dec()
	}
}
