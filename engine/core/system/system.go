// Package system samples host resource usage for the observability API,
// using gopsutil so the same code works across the platforms this proxy
// targets instead of hand-parsing /proc.
package system

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time resource usage reading.
type Snapshot struct {
	Timestamp   time.Time `json:"ts"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemUsedPct  float64   `json:"mem_used_percent"`
	MemTotal    uint64    `json:"mem_total"`
	MemUsed     uint64    `json:"mem_used"`
	SelfRSS     uint64    `json:"self_rss"`
	NetRxBytes  uint64    `json:"net_rx_bytes"`
	NetTxBytes  uint64    `json:"net_tx_bytes"`
}

// Sampler holds the process id used for RSS reporting. Sample reports the
// net-device counters as cumulative totals, not rates; the lastRx, lastTx
// and lastSeen fields are not used by Sample.
type Sampler struct {
	mu       sync.Mutex
	lastRx   uint64
	lastTx   uint64
	lastSeen time.Time
	pid      int32
}

// New returns a sampler bound to the current process for RSS reporting.
func New(pid int) *Sampler {
	return &Sampler{pid: int32(pid)}
}

// Sample takes a fresh reading. CPUPercent is measured over a short
// blocking interval; call this from a background loop, not per-request.
func (s *Sampler) Sample(interval time.Duration) (Snapshot, error) {
	var snap Snapshot
	snap.Timestamp = time.Now()

	pcts, err := cpu.Percent(interval, false)
	if err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedPct = vm.UsedPercent
		snap.MemTotal = vm.Total
		snap.MemUsed = vm.Used
	}

	if p, err := process.NewProcess(s.pid); err == nil {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			snap.SelfRSS = mi.RSS
		}
	}

	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		snap.NetRxBytes = counters[0].BytesRecv
		snap.NetTxBytes = counters[0].BytesSent
	}

	return snap, nil
}
