package diagnostics

import (
	"os"
	"runtime"
	"time"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
}

// MemoryStats is a subset of runtime.MemStats, in bytes.
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	HeapInuse  uint64 `json:"heap_inuse"`
	NumGC      uint32 `json:"num_gc"`
}

// ProcessStats is the constant-shape process report served by the static
// endpoints and embedded in the diagnostic views.
type ProcessStats struct {
	PID           int         `json:"pid"`
	Version       string      `json:"version"`
	GoVersion     string      `json:"go_version"`
	StartedAt     time.Time   `json:"started_at"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Goroutines    int         `json:"goroutines"`
	Memory        MemoryStats `json:"memory"`
}

func processStats(started time.Time, version string) ProcessStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ProcessStats{
		PID:           os.Getpid(),
		Version:       version,
		GoVersion:     runtime.Version(),
		StartedAt:     started,
		UptimeSeconds: time.Since(started).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      ms.Alloc,
			TotalAlloc: ms.TotalAlloc,
			Sys:        ms.Sys,
			HeapInuse:  ms.HeapInuse,
			NumGC:      ms.NumGC,
		},
	}
}
