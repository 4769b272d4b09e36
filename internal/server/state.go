package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/wsbridge/internal/serverstate"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// ProcessInfo carries resource usage of the bridge process. Fields the
// platform cannot report are left at zero.
type ProcessInfo struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	OpenFDs    int32   `json:"open_fds"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
	CPUPercent float64 `json:"cpu_percent"`
}

// StateResponse is the body served by /api/state.
type StateResponse struct {
	serverstate.State
	Listen        string      `json:"listen"`
	Backend       string      `json:"backend"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Build         VersionInfo `json:"build"`
	Process       ProcessInfo `json:"process"`
}

// StateHandler serves the current bridge state as JSON.
func StateHandler(opts Options) http.HandlerFunc {
	build := VersionInfo{Version: opts.Version, BuildSHA: opts.BuildSHA, BuildDate: opts.BuildDate}
	return func(w http.ResponseWriter, r *http.Request) {
		st := serverstate.Snapshot()
		resp := StateResponse{
			State:   st,
			Listen:  opts.Listen,
			Backend: opts.Backend,
			Build:   build,
			Process: processInfo(),
		}
		if !st.StartedAt.IsZero() {
			resp.UptimeSeconds = time.Since(st.StartedAt).Seconds()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func processInfo() ProcessInfo {
	pid := os.Getpid()
	info := ProcessInfo{PID: pid, Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return info
	}
	if m, err := p.MemoryInfo(); err == nil && m != nil {
		info.RSSBytes = m.RSS
	}
	if n, err := p.NumFDs(); err == nil {
		info.OpenFDs = n
	}
	if n, err := p.NumThreads(); err == nil {
		info.Threads = n
	}
	if c, err := p.CPUPercent(); err == nil {
		info.CPUPercent = c
	}
	return info
}
