// Package report renders completed performance runs as markdown and JSON
// documents and archives them to object storage.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/testpilot-io/testpilot/pkg/sink"
	"github.com/testpilot-io/testpilot/pkg/threshold"
)

// Finding is one categorized analysis item.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

// Document is everything known about a finished run.
type Document struct {
	RunID     string                   `json:"run_id"`
	TestName  string                   `json:"test_name"`
	TestType  string                   `json:"test_type"`
	URL       string                   `json:"url"`
	Users     int                      `json:"concurrent_users"`
	DurationS int                      `json:"duration"`
	RampUpS   int                      `json:"ramp_up_time"`
	State     string                   `json:"state,omitempty"`
	Cancelled bool                     `json:"cancelled"`
	CreatedAt time.Time                `json:"created_at"`
	Summary   sink.SummaryMetrics      `json:"summary_metrics"`
	Verdict   threshold.Verdict        `json:"verdict"`
	Details   []sink.IntervalAggregate `json:"run_details,omitempty"`
	Narrative string                   `json:"narrative"`
	Findings  []Finding                `json:"recommendations"`
	Provider  string                   `json:"ai_provider,omitempty"`
	Degraded  bool                     `json:"ai_degraded"`
	Host      *HostInfo                `json:"host,omitempty"`
}

// RenderJSON encodes the document with indentation.
func RenderJSON(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling report: %w", err)
	}

	return data, nil
}

// HostInfo describes the machine that generated the load.
type HostInfo struct {
	Hostname        string  `json:"hostname"`
	OS              string  `json:"os"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelVersion   string  `json:"kernel_version"`
	Arch            string  `json:"arch"`
	CPUModel        string  `json:"cpu_model"`
	CPUCores        int     `json:"cpu_cores"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryTotal     uint64  `json:"memory_total_bytes"`
	MemoryUsed      uint64  `json:"memory_used_bytes"`
	MemoryPercent   float64 `json:"memory_used_percent"`
	Goroutines      int     `json:"goroutines"`
}

// CollectHostInfo gathers a host snapshot. Fields that cannot be read are
// left empty; only a total failure returns an error.
func CollectHostInfo(ctx context.Context) (*HostInfo, error) {
	info := &HostInfo{
		Arch:       runtime.GOARCH,
		Goroutines: runtime.NumGoroutine(),
	}

	var collected int

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.OS = h.OS
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion

		if h.KernelArch != "" {
			info.Arch = h.KernelArch
		}

		collected++
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
		collected++
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCores = cores
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsed = vm.Used
		info.MemoryPercent = vm.UsedPercent
		collected++
	}

	if collected == 0 {
		return nil, fmt.Errorf("collecting host info: no source available")
	}

	return info, nil
}
