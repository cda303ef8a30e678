package htclow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors the manager updates as channels
// open/close and packets flow.
type Metrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	ChecksumErrors  prometheus.Counter
	ChannelsOpen    prometheus.Gauge
	TasksInFlight   prometheus.Gauge
	SendPoolWaits   prometheus.Counter
	RecvPoolWaits   prometheus.Counter
}

// NewMetrics registers the htclow collectors against reg. Passing a fresh
// prometheus.NewRegistry() per manager instance keeps tests hermetic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htcbridge",
			Subsystem: "htclow",
			Name:      "packets_sent_total",
			Help:      "Packets written to the carrier.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htcbridge",
			Subsystem: "htclow",
			Name:      "packets_received_total",
			Help:      "Packets decoded from the carrier.",
		}),
		ChecksumErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htcbridge",
			Subsystem: "htclow",
			Name:      "checksum_errors_total",
			Help:      "Packets discarded for a header or body checksum mismatch.",
		}),
		ChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htcbridge",
			Subsystem: "htclow",
			Name:      "channels_open",
			Help:      "Channels opened through OpenChannel and not yet closed through CloseChannel.",
		}),
		TasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htcbridge",
			Subsystem: "htclow",
			Name:      "tasks_in_flight",
			Help:      "Tasks begun through BeginTask and not yet released through EndTask.",
		}),
		SendPoolWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htcbridge",
			Subsystem: "htclow",
			Name:      "send_pool_waits_total",
			Help:      "Times a sender blocked waiting for a free send-pool buffer.",
		}),
		RecvPoolWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htcbridge",
			Subsystem: "htclow",
			Name:      "recv_pool_waits_total",
			Help:      "Times the worker blocked waiting for a free receive-pool buffer.",
		}),
	}

	reg.MustRegister(
		m.PacketsSent,
		m.PacketsReceived,
		m.ChecksumErrors,
		m.ChannelsOpen,
		m.TasksInFlight,
		m.SendPoolWaits,
		m.RecvPoolWaits,
	)
	return m
}
