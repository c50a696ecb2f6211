package backend

import (
	"os"
	"runtime"
	"strings"
	"time"

	"judgeflow/internal/judge/model"
)

// machineID prefers the systemd machine id and falls back to the hostname.
func machineID() string {
	if raw, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	host, _ := os.Hostname()
	return host
}

func collectStatus(mid string, concurrency, running, languages int) model.WorkerStatus {
	host, _ := os.Hostname()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return model.WorkerStatus{
		Mid:         mid,
		Hostname:    host,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GoVersion:   runtime.Version(),
		CPUs:        runtime.NumCPU(),
		Goroutines:  runtime.NumGoroutine(),
		MemoryBytes: mem.Sys,
		Concurrency: concurrency,
		Running:     running,
		Languages:   languages,
		UpdatedAt:   time.Now(),
	}
}
