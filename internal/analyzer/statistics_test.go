package analyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anr-mcp/internal/tracefile"
)

const convoyTrace = `----- pid 7 at 2024-08-16 10:02:11 -----
Cmd line: com.busy

"main" prio=5 tid=1 Blocked
  at com.busy.Cache.get(Cache.java:20)
  - waiting to lock <0xaa> (a com.busy.Cache) held by thread 4

"pool-1" prio=5 tid=2 Blocked
  at com.busy.Cache.get(Cache.java:20)
  - waiting to lock <0xaa> (a com.busy.Cache) held by thread 4

"pool-2" prio=5 tid=3 Blocked
  at com.busy.Cache.put(Cache.java:31)
  - waiting to lock <0xaa> (a com.busy.Cache) held by thread 4

"loader" prio=5 tid=4 Runnable
  at com.busy.Cache.load(Cache.java:50)
  - locked <0xaa> (a com.busy.Cache)

----- end 7 -----
`

func parseTrace(t *testing.T, s string) *tracefile.TraceData {
	t.Helper()
	data, err := tracefile.ParseTrace(strings.NewReader(s))
	require.NoError(t, err)
	return data
}

func TestComputeStatistics(t *testing.T) {
	stats := ComputeStatistics(parseTrace(t, binderTrace))
	assert.Equal(t, 2, stats.TotalProcesses)
	assert.Equal(t, 4, stats.TotalThreads)
	assert.Equal(t, 1, stats.BlockedThreads)
	assert.Equal(t, 1, stats.BinderCallThreads)
	assert.Equal(t, 4, stats.MaxStackDepth)
	assert.Equal(t, 1, stats.MinStackDepth)

	empty := ComputeStatistics(&tracefile.TraceData{})
	assert.Zero(t, empty.MinStackDepth)
	assert.Zero(t, empty.AverageStackDepth)
}

func TestFindContendedLocks(t *testing.T) {
	locks := FindContendedLocks(parseTrace(t, convoyTrace), 10)
	require.Len(t, locks, 1)
	cl := locks[0]
	assert.Equal(t, "0xaa", cl.Object)
	assert.Equal(t, "com.busy", cl.Process)
	assert.Equal(t, 3, cl.WaiterCount)
	assert.Equal(t, []string{"main", "pool-1", "pool-2"}, cl.Waiters)
	assert.Equal(t, "loader", cl.HolderName)
	assert.Equal(t, "tid=4", cl.HolderTid)
	assert.InDelta(t, 75.0, cl.Percentage, 0.001)

	text := FormatContendedLock(cl, 1)
	assert.Contains(t, text, "#1: <0xaa> in com.busy (pid 7)")
	assert.Contains(t, text, "Held by: loader (tid=4)")
}

func TestFindBlockedFrames(t *testing.T) {
	frames := FindBlockedFrames(parseTrace(t, convoyTrace), 1)
	require.Len(t, frames, 1)
	assert.Equal(t, "at com.busy.Cache.get(Cache.java:20)", frames[0].Frame)
	assert.Equal(t, 2, frames[0].ThreadCount)
}

func TestThreadStates(t *testing.T) {
	states := ThreadStates(parseTrace(t, convoyTrace))
	assert.Equal(t, map[string]int{"Blocked": 3, "Runnable": 1}, states)
}

func TestGetFrameFrequencies(t *testing.T) {
	freqs := GetFrameFrequencies(parseTrace(t, convoyTrace))
	require.NotEmpty(t, freqs)
	assert.Equal(t, "at com.busy.Cache.get(Cache.java:20)", freqs[0].Frame)
	assert.InDelta(t, 50.0, freqs[0].Percentage, 0.001)
}

func TestDetectBlockingIssues(t *testing.T) {
	issues := DetectBlockingIssues(parseTrace(t, convoyTrace))
	require.NotEmpty(t, issues)
	assert.Equal(t, "Critical", issues[0].Severity)
	assert.Equal(t, "Main Thread Blocked", issues[0].Category)

	categories := make([]string, 0, len(issues))
	for _, is := range issues {
		categories = append(categories, is.Category)
	}
	assert.Contains(t, categories, "Blocked Majority")
	assert.Contains(t, categories, "Lock Contention")

	binder := DetectBlockingIssues(parseTrace(t, binderTrace))
	require.NotEmpty(t, binder)
	assert.Equal(t, "Main Thread In Binder Call", binder[0].Category)
}
