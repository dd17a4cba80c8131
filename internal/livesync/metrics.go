package livesync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sync layer's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	connectionUp   prometheus.Gauge
	lifecycle      *prometheus.CounterVec
	eventsApplied  *prometheus.CounterVec
	polls          *prometheus.CounterVec
	commands       *prometheus.CounterVec
	activeWatchers prometheus.Gauge
}

// NewMetrics creates the collectors and registers them when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adsync_push_channel_connected",
			Help: "1 while the push channel is connected.",
		}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsync_push_channel_lifecycle_total",
			Help: "Push channel lifecycle signals by kind.",
		}, []string{"kind"}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsync_events_total",
			Help: "Push events handled by the reconciler, by event and result.",
		}, []string{"event", "result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsync_fallback_polls_total",
			Help: "Fallback poll requests by result.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsync_commands_total",
			Help: "Dashboard commands by command and result.",
		}, []string{"command", "result"}),
		activeWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adsync_poll_watchers_armed",
			Help: "Poll watchers currently armed or polling.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connectionUp, m.lifecycle, m.eventsApplied, m.polls, m.commands, m.activeWatchers)
	}
	return m
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connectionUp.Set(1)
		return
	}
	m.connectionUp.Set(0)
}

func (m *Metrics) observeLifecycle(kind LifecycleKind) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeEvent(event, result string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(event, result).Inc()
}

func (m *Metrics) observePoll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) observeCommand(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) addWatchers(delta float64) {
	if m == nil {
		return
	}
	m.activeWatchers.Add(delta)
}
