package dashboard

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nishisan-dev/htcbridge/internal/cheat"
	"github.com/nishisan-dev/htcbridge/internal/htclow"
)

var startTime = time.Now()

// Version is set via ldflags at build time (-X ...Version=x.y.z).
var Version = "dev"

// Router wires the dashboard's read-only HTTP API: channel and task
// snapshots straight from the HTCLOW manager, cheat attachment and frozen-
// address state from the cheat manager, and the event/attachment history
// stores. Every route is read-only; there is no endpoint here that mutates
// anything a debug session depends on.
type Router struct {
	htclow      *htclow.Manager
	cheats      *cheat.Manager
	events      *EventStore
	attachments *AttachmentHistoryStore
	acl         *ACL
}

// NewRouter builds the dashboard's http.Handler, ACL-gated. gatherer, when
// non-nil, is mounted at /metrics in Prometheus text format — this is the
// one HTTP surface the bridge exposes, so its own counters and histograms
// ride on it rather than a second listener.
func NewRouter(hm *htclow.Manager, cm *cheat.Manager, events *EventStore, attachments *AttachmentHistoryStore, acl *ACL, gatherer prometheus.Gatherer) http.Handler {
	rt := &Router{htclow: hm, cheats: cm, events: events, attachments: attachments, acl: acl}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", rt.handleHealth)
	mux.HandleFunc("GET /api/v1/channels", rt.handleChannels)
	mux.HandleFunc("GET /api/v1/tasks", rt.handleTasks)
	mux.HandleFunc("GET /api/v1/cheat", rt.handleCheat)
	mux.HandleFunc("GET /api/v1/cheat/frozen", rt.handleFrozen)
	if events != nil {
		mux.HandleFunc("GET /api/v1/events", rt.handleEvents)
	}
	if attachments != nil {
		mux.HandleFunc("GET /api/v1/attachments/history", rt.handleAttachmentHistory)
	}
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return acl.Middleware(mux)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthDTO{
		Status:     "ok",
		Uptime:     time.Since(startTime).String(),
		Version:    Version,
		Go:         runtime.Version(),
		GoRoutines: runtime.NumGoroutine(),
	})
}

func (rt *Router) handleChannels(w http.ResponseWriter, r *http.Request) {
	snaps := rt.htclow.Channels()
	out := make([]ChannelDTO, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, ChannelDTO{ModuleID: s.ModuleID, ChannelID: s.ChannelID, State: s.State.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *Router) handleTasks(w http.ResponseWriter, r *http.Request) {
	snaps := rt.htclow.Tasks()
	out := make([]TaskDTO, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, TaskDTO{ID: s.ID, Priority: s.Priority, State: s.State.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *Router) handleCheat(w http.ResponseWriter, r *http.Request) {
	snap := rt.cheats.Snapshot()
	writeJSON(w, http.StatusOK, CheatDTO{
		Attached:      snap.Attached,
		SessionID:     snap.SessionID,
		ProcessID:     snap.ProcessID,
		TitleID:       snap.TitleID,
		ActiveCheats:  snap.ActiveCheats,
		TotalCheats:   snap.TotalCheats,
		FrozenEntries: snap.FrozenEntries,
		HostCPU:       snap.HostStats.CPUPercent,
		HostMemory:    snap.HostStats.MemoryPercent,
		HostLoad:      snap.HostStats.LoadAverage,
	})
}

func (rt *Router) handleFrozen(w http.ResponseWriter, r *http.Request) {
	entries := rt.cheats.FrozenAddresses()
	out := make([]FrozenAddressDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, FrozenAddressDTO{Addr: e.Addr, Width: e.Width, Value: e.Value})
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *Router) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	writeJSON(w, http.StatusOK, rt.events.Recent(limit))
}

func (rt *Router) handleAttachmentHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	writeJSON(w, http.StatusOK, rt.attachments.Recent(limit))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return defaultVal
	}
	return v
}
