package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/mcpcalc/internal/dispatch"
	"github.com/gaspardpetit/mcpcalc/internal/serverstate"
	"github.com/gaspardpetit/mcpcalc/internal/session"
	"github.com/gaspardpetit/mcpcalc/internal/tools"
)

// ProcessStats describes the serving process.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

// Health is the body of /healthz.
type Health struct {
	Status   string        `json:"status"`
	Server   string        `json:"server"`
	Version  string        `json:"version"`
	Mode     session.Mode  `json:"mode"`
	Uptime   string        `json:"uptime"`
	Tools    []string      `json:"tools"`
	Sessions int           `json:"sessions"`
	InFlight int64         `json:"in_flight"`
	Process  *ProcessStats `json:"process,omitempty"`
}

var started = time.Now()

func processStats() *ProcessStats {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	st := &ProcessStats{Goroutines: runtime.NumGoroutine()}
	if mem, err := p.MemoryInfo(); err == nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		st.Threads = n
	}
	return st
}

func healthHandler(t *Streamable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := t.disp.Info()
		h := Health{
			Status:   serverstate.GetState(),
			Server:   info.Name,
			Version:  info.Version,
			Mode:     t.mgr.Mode(),
			Uptime:   time.Since(started).Round(time.Second).String(),
			Tools:    t.disp.Tools().Names(),
			Sessions: t.mgr.Count(),
			InFlight: t.opts.Calls.Load(),
			Process:  processStats(),
		}
		status := http.StatusOK
		if serverstate.IsDraining() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

func toolsHandler(reg *tools.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tools": reg.List()})
	}
}

func sessionsHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": mgr.Sessions()})
	}
}

func versionHandler(info dispatch.ServerInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":              info.Name,
			"version":           info.Version,
			"protocol_versions": dispatch.SupportedProtocolVersions,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
