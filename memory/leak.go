package memory

import (
	"runtime"
	"sort"
	"strings"
	"time"
)

// LeakReport lists blocks that stayed live longer than a threshold
type LeakReport struct {
	Context    string
	Timestamp  time.Time
	Leaks      []LeakInfo
	LiveByKind map[Kind]int
	TotalLeaks int
}

// LeakInfo describes one suspected leak
type LeakInfo struct {
	BlockID        uint64
	Kind           Kind
	Size           int64
	AllocationTime time.Time
	LeakDuration   time.Duration
	StackTrace     string
}

// CheckForLeaks reports every live block older than threshold. A zero
// threshold reports every live block.
func (mc *MemoryContext) CheckForLeaks(threshold time.Duration) *LeakReport {
	now := time.Now()
	report := &LeakReport{
		Context:    mc.name,
		Timestamp:  now,
		Leaks:      make([]LeakInfo, 0),
		LiveByKind: make(map[Kind]int),
	}

	mc.live.Range(func(_, value any) bool {
		b := value.(*Block)
		report.LiveByKind[b.kind]++

		age := now.Sub(b.allocatedAt)
		if age >= threshold {
			report.Leaks = append(report.Leaks, LeakInfo{
				BlockID:        b.id,
				Kind:           b.kind,
				Size:           b.size,
				AllocationTime: b.allocatedAt,
				LeakDuration:   age,
				StackTrace:     b.stackTrace,
			})
		}
		return true
	})

	sort.Slice(report.Leaks, func(i, j int) bool {
		return report.Leaks[i].BlockID < report.Leaks[j].BlockID
	})
	report.TotalLeaks = len(report.Leaks)
	return report
}

// stackTrace captures the allocating stack without the memory package frames
func stackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	lines := strings.Split(string(buf[:n]), "\n")

	filtered := make([]string, 0, len(lines))
	skipNext := false
	for _, line := range lines {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.Contains(line, "pgnd/memory.") {
			// the following line is the file:line of the skipped frame
			skipNext = true
			continue
		}
		filtered = append(filtered, line)
	}
	return strings.Join(filtered, "\n")
}
