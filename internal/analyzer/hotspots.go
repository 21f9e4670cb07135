package analyzer

import (
	"fmt"
	"sort"
	"strings"

	"anr-mcp/internal/tracefile"
)

// ContendedLock is a monitor that one or more threads are waiting to lock
type ContendedLock struct {
	Object      string
	Process     string
	Pid         string
	HolderName  string // empty when no thread in the dump holds it
	HolderTid   string
	Waiters     []string // names of waiting threads
	WaiterCount int
	Percentage  float64 // Percentage of the process's threads waiting on it
}

// BlockedFrame is the top frame of blocked threads, counted across the dump
type BlockedFrame struct {
	Frame       string
	Process     string
	ThreadCount int
	Percentage  float64 // Percentage of all blocked threads
}

// FindContendedLocks identifies the most contended monitors in the dump
// Returns locks sorted by number of waiters (descending)
func FindContendedLocks(data *tracefile.TraceData, topN int) []ContendedLock {
	var locks []ContendedLock

	for _, proc := range data.Processes {
		// Map: object -> contention data, per process since addresses are per process
		lockMap := make(map[string]*ContendedLock)
		get := func(obj string) *ContendedLock {
			if _, exists := lockMap[obj]; !exists {
				lockMap[obj] = &ContendedLock{Object: obj, Process: proc.Cmd, Pid: proc.Pid}
			}
			return lockMap[obj]
		}

		for _, th := range proc.Threads {
			rec := tracefile.BuildLockRecord(th.Lines)
			for _, obj := range rec.LockedObjects {
				cl := get(obj)
				if cl.HolderTid == "" {
					cl.HolderName = th.Name
					cl.HolderTid = th.Tid
				}
			}
			for _, obj := range rec.WaitingObjects {
				cl := get(obj)
				cl.Waiters = append(cl.Waiters, th.Name)
				cl.WaiterCount++
			}
		}

		for _, cl := range lockMap {
			if cl.WaiterCount == 0 {
				continue
			}
			if n := len(proc.Threads); n > 0 {
				cl.Percentage = (float64(cl.WaiterCount) / float64(n)) * 100.0
			}
			locks = append(locks, *cl)
		}
	}

	// Sort by waiter count (descending), then by object for stable output
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].WaiterCount != locks[j].WaiterCount {
			return locks[i].WaiterCount > locks[j].WaiterCount
		}
		if locks[i].Pid != locks[j].Pid {
			return locks[i].Pid < locks[j].Pid
		}
		return locks[i].Object < locks[j].Object
	})

	// Return top N
	if topN > 0 && topN < len(locks) {
		return locks[:topN]
	}
	return locks
}

// FindBlockedFrames counts the top frame of every blocked thread
// These are usually the synchronized methods everyone is queueing on
func FindBlockedFrames(data *tracefile.TraceData, topN int) []BlockedFrame {
	frameMap := make(map[string]*BlockedFrame)
	totalBlocked := 0

	for _, proc := range data.Processes {
		for i := range proc.Threads {
			th := &proc.Threads[i]
			if !th.IsBlocked() || len(th.Frames) == 0 {
				continue
			}
			totalBlocked++

			key := proc.Cmd + "|" + th.Frames[0]
			if _, exists := frameMap[key]; !exists {
				frameMap[key] = &BlockedFrame{Frame: th.Frames[0], Process: proc.Cmd}
			}
			frameMap[key].ThreadCount++
		}
	}

	frames := make([]BlockedFrame, 0, len(frameMap))
	for _, bf := range frameMap {
		if totalBlocked > 0 {
			bf.Percentage = (float64(bf.ThreadCount) / float64(totalBlocked)) * 100.0
		}
		frames = append(frames, *bf)
	}

	sort.Slice(frames, func(i, j int) bool {
		if frames[i].ThreadCount != frames[j].ThreadCount {
			return frames[i].ThreadCount > frames[j].ThreadCount
		}
		return frames[i].Frame < frames[j].Frame
	})

	if topN > 0 && topN < len(frames) {
		return frames[:topN]
	}
	return frames
}

// ThreadStates counts threads by their header state, e.g. Blocked, Native
func ThreadStates(data *tracefile.TraceData) map[string]int {
	states := make(map[string]int)
	for _, proc := range data.Processes {
		for _, th := range proc.Threads {
			state := th.State
			if state == "" {
				state = "[unknown]"
			}
			states[state]++
		}
	}
	return states
}

// FormatContendedLock returns a human-readable string representation of a contended lock
func FormatContendedLock(cl ContendedLock, rank int) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("#%d: <%s> in %s (pid %s)\n", rank, cl.Object, cl.Process, cl.Pid))
	sb.WriteString(fmt.Sprintf("    Waiters: %d (%.2f%% of threads)\n", cl.WaiterCount, cl.Percentage))
	if cl.HolderTid != "" {
		sb.WriteString(fmt.Sprintf("    Held by: %s (%s)\n", cl.HolderName, cl.HolderTid))
	} else {
		sb.WriteString("    Held by: [not in dump]\n")
	}
	sb.WriteString(fmt.Sprintf("    Waiting: %s\n", strings.Join(cl.Waiters, ", ")))

	return sb.String()
}
