package cheat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors the manager updates as it
// attaches, ticks the VM, and replays frozen addresses.
type Metrics struct {
	Attached          prometheus.Gauge
	TicksRun          prometheus.Counter
	TickErrors        prometheus.Counter
	TickDuration      prometheus.Histogram
	ActiveCheats      prometheus.Gauge
	FrozenAddresses   prometheus.Gauge
	ParseErrors       prometheus.Counter
	FrozenOverwritten prometheus.Counter
	HostCPUPercent    prometheus.Gauge
	HostMemoryPercent prometheus.Gauge
	HostLoadAverage   prometheus.Gauge
}

// observeHostStats copies a freshly collected HostStats snapshot onto the
// corresponding gauges.
func (m *Metrics) observeHostStats(s HostStats) {
	m.HostCPUPercent.Set(s.CPUPercent)
	m.HostMemoryPercent.Set(s.MemoryPercent)
	m.HostLoadAverage.Set(s.LoadAverage)
}

// NewMetrics registers the cheat collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "attached",
			Help:      "1 when the manager is attached to a target process, 0 otherwise.",
		}),
		TicksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "ticks_total",
			Help:      "VM ticks run.",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "tick_errors_total",
			Help:      "Ticks that aborted on a program rebuild, memory access or frozen replay error.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent running one VM tick, including frozen-address replay.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		ActiveCheats: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "active_cheats",
			Help:      "Cheats currently enabled for the attached title.",
		}),
		FrozenAddresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "frozen_addresses",
			Help:      "Entries currently held in the frozen address table.",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "parse_errors_total",
			Help:      "Cheat text or toggles files that failed to parse.",
		}),
		FrozenOverwritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "frozen_overwritten_total",
			Help:      "Writes a tick's VM program made that overlapped a frozen address.",
		}),
		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "host_cpu_percent",
			Help:      "Host CPU utilization observed alongside attachment state.",
		}),
		HostMemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "host_memory_percent",
			Help:      "Host memory utilization observed alongside attachment state.",
		}),
		HostLoadAverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htcbridge",
			Subsystem: "cheat",
			Name:      "host_load_average",
			Help:      "Host 1-minute load average observed alongside attachment state.",
		}),
	}

	reg.MustRegister(
		m.Attached,
		m.TicksRun,
		m.TickErrors,
		m.TickDuration,
		m.ActiveCheats,
		m.FrozenAddresses,
		m.ParseErrors,
		m.FrozenOverwritten,
		m.HostCPUPercent,
		m.HostMemoryPercent,
		m.HostLoadAverage,
	)
	return m
}
