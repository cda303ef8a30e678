package dashboard

import "time"

// EventEntry is one operational event: a carrier reconnect, a parse
// failure, a frozen-address overwrite, anything worth a human glancing at
// without digging through logs.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // carrier_reconnect | parse_error | frozen_overwritten | ...
	Message   string `json:"message"`
}

func (e *EventEntry) stampIfZero(t time.Time) {
	if e.Timestamp == "" {
		e.Timestamp = t.Format(time.RFC3339)
	}
}

// AttachmentSnapshotEntry is a periodic snapshot of the cheat manager's
// state while attached to a target process, recorded alongside host stats
// so a slow tick loop can be told apart from a starved host.
type AttachmentSnapshotEntry struct {
	Timestamp     string  `json:"timestamp"`
	SessionID     string  `json:"session_id"`
	ProcessID     uint64  `json:"process_id"`
	TitleID       uint64  `json:"title_id"`
	ActiveCheats  int     `json:"active_cheats"`
	TotalCheats   int     `json:"total_cheats"`
	FrozenEntries int     `json:"frozen_entries"`
	HostCPU       float64 `json:"host_cpu_percent"`
	HostMemory    float64 `json:"host_memory_percent"`
}

func (e *AttachmentSnapshotEntry) stampIfZero(t time.Time) {
	if e.Timestamp == "" {
		e.Timestamp = t.Format(time.RFC3339)
	}
}

// AttachmentHistoryEntry records one completed attachment session, pushed
// once the target process detaches.
type AttachmentHistoryEntry struct {
	Timestamp  string `json:"timestamp"`
	SessionID  string `json:"session_id"`
	ProcessID  uint64 `json:"process_id"`
	TitleID    uint64 `json:"title_id"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason"` // why the session ended
}

func (e *AttachmentHistoryEntry) stampIfZero(t time.Time) {
	if e.Timestamp == "" {
		e.Timestamp = t.Format(time.RFC3339)
	}
}

// ChannelDTO is one row of the channel table snapshot.
type ChannelDTO struct {
	ModuleID  uint16 `json:"module_id"`
	ChannelID uint16 `json:"channel_id"`
	State     string `json:"state"`
}

// TaskDTO is one row of the task table snapshot.
type TaskDTO struct {
	ID       string `json:"id"`
	Priority uint8  `json:"priority"`
	State    string `json:"state"`
}

// FrozenAddressDTO is one row of the frozen-address table.
type FrozenAddressDTO struct {
	Addr  uint64 `json:"addr"`
	Width int    `json:"width"`
	Value uint64 `json:"value"`
}

// CheatDTO reports the cheat manager's current attachment state.
type CheatDTO struct {
	Attached      bool    `json:"attached"`
	SessionID     string  `json:"session_id,omitempty"`
	ProcessID     uint64  `json:"process_id,omitempty"`
	TitleID       uint64  `json:"title_id,omitempty"`
	ActiveCheats  int     `json:"active_cheats"`
	TotalCheats   int     `json:"total_cheats"`
	FrozenEntries int     `json:"frozen_entries"`
	HostCPU       float64 `json:"host_cpu_percent"`
	HostMemory    float64 `json:"host_memory_percent"`
	HostLoad      float64 `json:"host_load_average"`
}

// HealthDTO is returned by GET /api/v1/health.
type HealthDTO struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	Version    string `json:"version"`
	Go         string `json:"go"`
	GoRoutines int    `json:"goroutines"`
}
