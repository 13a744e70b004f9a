package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pump termination reasons
const (
	ReasonEOF         = "eof"
	ReasonStopped     = "stopped"
	ReasonIOError     = "io_error"
	ReasonMalformed   = "malformed"
	ReasonSourceError = "source_error"
)

// Metrics holds the Prometheus collectors shared by every fork channel.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CommandsWritten  *prometheus.CounterVec
	EventsRead       *prometheus.CounterVec
	FrameErrors      *prometheus.CounterVec
	HandlerErrors    prometheus.Counter
	ActiveChannels   prometheus.Gauge
	PumpTerminations *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommandsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forknode_commands_written_total",
				Help: "Commands written to workers",
			},
			[]string{"kind"},
		),
		EventsRead: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forknode_events_read_total",
				Help: "Events read from workers, by topic",
			},
			[]string{"topic"},
		),
		FrameErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forknode_frame_errors_total",
				Help: "Malformed frames received, by codec",
			},
			[]string{"codec"},
		),
		HandlerErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "forknode_event_handler_errors_total",
				Help: "Event handler failures and panics",
			},
		),
		ActiveChannels: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "forknode_active_channels",
				Help: "Fork channels with running pumps",
			},
		),
		PumpTerminations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forknode_pump_terminations_total",
				Help: "Pump exits, by pump and reason",
			},
			[]string{"pump", "reason"},
		),
	}
}

func (m *Metrics) commandWritten(kind string) {
	if m != nil {
		m.CommandsWritten.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) eventRead(topic string) {
	if m != nil {
		m.EventsRead.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) frameError(codec string) {
	if m != nil {
		m.FrameErrors.WithLabelValues(codec).Inc()
	}
}

func (m *Metrics) handlerError() {
	if m != nil {
		m.HandlerErrors.Inc()
	}
}

func (m *Metrics) channelStarted() {
	if m != nil {
		m.ActiveChannels.Inc()
	}
}

func (m *Metrics) channelStopped() {
	if m != nil {
		m.ActiveChannels.Dec()
	}
}

func (m *Metrics) pumpTerminated(pump, reason string) {
	if m != nil {
		m.PumpTerminations.WithLabelValues(pump, reason).Inc()
	}
}
