package analyzer

import (
	"fmt"
	"math"
	"sort"

	"anr-mcp/internal/tracefile"
)

// TraceStatistics contains summary statistics about a thread dump
type TraceStatistics struct {
	TotalProcesses    int
	TotalThreads      int
	BlockedThreads    int
	BinderCallThreads int
	AverageStackDepth float64
	MaxStackDepth     int
	MinStackDepth     int
	UniqueFrames      int
}

// ComputeStatistics calculates statistics for the dump
func ComputeStatistics(data *tracefile.TraceData) TraceStatistics {
	stats := TraceStatistics{TotalProcesses: len(data.Processes)}

	totalDepth := 0
	stats.MinStackDepth = math.MaxInt32
	frameSet := make(map[string]bool)

	for _, proc := range data.Processes {
		for i := range proc.Threads {
			th := &proc.Threads[i]
			stats.TotalThreads++
			if th.IsBlocked() {
				stats.BlockedThreads++
			}
			if th.InBinderCall() {
				stats.BinderCallThreads++
			}

			depth := len(th.Frames)
			totalDepth += depth
			if depth > stats.MaxStackDepth {
				stats.MaxStackDepth = depth
			}
			if depth < stats.MinStackDepth {
				stats.MinStackDepth = depth
			}
			for _, f := range th.Frames {
				frameSet[f] = true
			}
		}
	}

	if stats.TotalThreads == 0 {
		stats.MinStackDepth = 0
		return stats
	}
	stats.AverageStackDepth = float64(totalDepth) / float64(stats.TotalThreads)
	stats.UniqueFrames = len(frameSet)
	return stats
}

// FrameFrequency represents how many threads have a frame on their stack
type FrameFrequency struct {
	Frame      string
	Count      int
	Percentage float64
}

// GetFrameFrequencies returns frames sorted by how many threads contain them
func GetFrameFrequencies(data *tracefile.TraceData) []FrameFrequency {
	counts := make(map[string]int)
	totalThreads := 0

	for _, proc := range data.Processes {
		for _, th := range proc.Threads {
			totalThreads++
			seen := make(map[string]bool)
			for _, f := range th.Frames {
				if seen[f] {
					continue
				}
				seen[f] = true
				counts[f]++
			}
		}
	}

	frequencies := make([]FrameFrequency, 0, len(counts))
	for f, n := range counts {
		freq := FrameFrequency{Frame: f, Count: n}
		if totalThreads > 0 {
			freq.Percentage = (float64(n) / float64(totalThreads)) * 100.0
		}
		frequencies = append(frequencies, freq)
	}

	// Sort by count (descending)
	sort.Slice(frequencies, func(i, j int) bool {
		if frequencies[i].Count != frequencies[j].Count {
			return frequencies[i].Count > frequencies[j].Count
		}
		return frequencies[i].Frame < frequencies[j].Frame
	})

	return frequencies
}

// BlockingIssue is a heuristic finding about a dump
type BlockingIssue struct {
	Severity    string // "Critical", "High", "Medium", "Low"
	Category    string // e.g. "Main Thread Blocked", "Lock Contention"
	Description string
	Process     string
	Thread      string
	Impact      float64 // % of the process's threads involved
}

var severityRank = map[string]int{"Critical": 0, "High": 1, "Medium": 2, "Low": 3}

// DetectBlockingIssues identifies threads and monitors likely behind an ANR
func DetectBlockingIssues(data *tracefile.TraceData) []BlockingIssue {
	issues := []BlockingIssue{}

	for _, proc := range data.Processes {
		for i := range proc.Threads {
			th := &proc.Threads[i]
			if th.Name != tracefile.MainThreadName {
				continue
			}
			switch {
			case th.IsBlocked():
				rec := tracefile.BuildLockRecord(th.Lines)
				issues = append(issues, BlockingIssue{
					Severity:    "Critical",
					Category:    "Main Thread Blocked",
					Description: fmt.Sprintf("Main thread is waiting to lock %v", rec.WaitingObjects),
					Process:     proc.Cmd,
					Thread:      th.Name,
					Impact:      100,
				})
			case th.InBinderCall():
				issues = append(issues, BlockingIssue{
					Severity:    "High",
					Category:    "Main Thread In Binder Call",
					Description: "Main thread is waiting on a synchronous binder transaction",
					Process:     proc.Cmd,
					Thread:      th.Name,
					Impact:      100,
				})
			}
		}

		// Processes where most threads are stuck on monitors
		blocked := 0
		for i := range proc.Threads {
			if proc.Threads[i].IsBlocked() {
				blocked++
			}
		}
		if n := len(proc.Threads); n > 0 && blocked > 0 && float64(blocked)/float64(n) > 0.5 {
			issues = append(issues, BlockingIssue{
				Severity:    "High",
				Category:    "Blocked Majority",
				Description: fmt.Sprintf("%d of %d threads are blocked on monitors", blocked, n),
				Process:     proc.Cmd,
				Impact:      (float64(blocked) / float64(n)) * 100.0,
			})
		}
	}

	// Monitors with several waiters
	for _, cl := range FindContendedLocks(data, 0) {
		severity := ""
		switch {
		case cl.WaiterCount >= 5:
			severity = "High"
		case cl.WaiterCount >= 2:
			severity = "Medium"
		default:
			continue
		}
		holder := cl.HolderName
		if holder == "" {
			holder = "a thread not in the dump"
		}
		issues = append(issues, BlockingIssue{
			Severity:    severity,
			Category:    "Lock Contention",
			Description: fmt.Sprintf("%d threads wait for <%s> held by %s", cl.WaiterCount, cl.Object, holder),
			Process:     cl.Process,
			Thread:      holder,
			Impact:      cl.Percentage,
		})
	}

	// Sort by severity, then impact (descending)
	sort.SliceStable(issues, func(i, j int) bool {
		if severityRank[issues[i].Severity] != severityRank[issues[j].Severity] {
			return severityRank[issues[i].Severity] < severityRank[issues[j].Severity]
		}
		return issues[i].Impact > issues[j].Impact
	})

	return issues
}
