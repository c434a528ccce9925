// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package diagnostics captures a one-shot host resource snapshot, attached
// to the supervisor's log line when a reconnect attempt is abandoned, to
// help a postmortem distinguish "the client gave up" from "the host was
// out of resources when it gave up."
package diagnostics

import (
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot holds a single point-in-time read of host resource usage.
type Snapshot struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage1     float64
}

// Capture collects a Snapshot, logging (at debug level) any individual
// metric it fails to read rather than failing the whole capture — a
// fatal-disconnect log line is more useful with partial diagnostics than
// with none.
func Capture(logger *slog.Logger) Snapshot {
	var snap Snapshot

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		snap.CPUPercent = percentages[0]
	} else if logger != nil {
		logger.Debug("failed to collect cpu diagnostics", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = v.UsedPercent
	} else if logger != nil {
		logger.Debug("failed to collect memory diagnostics", "error", err)
	}

	if d, err := disk.Usage("/"); err == nil {
		snap.DiskUsagePercent = d.UsedPercent
	} else if logger != nil {
		logger.Debug("failed to collect disk diagnostics", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		snap.LoadAverage1 = l.Load1
	} else if logger != nil {
		logger.Debug("failed to collect load diagnostics", "error", err)
	}

	return snap
}

// LogAttrs returns the snapshot as slog key/value pairs, ready to splice
// into a logger.Error/Warn call alongside the thumbstone error.
func (s Snapshot) LogAttrs() []any {
	return []any{
		"diag_cpu_percent", s.CPUPercent,
		"diag_mem_percent", s.MemoryPercent,
		"diag_disk_percent", s.DiskUsagePercent,
		"diag_load1", s.LoadAverage1,
	}
}
