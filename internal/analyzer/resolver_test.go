package analyzer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anr-mcp/internal/tracefile"
)

const chainTrace = `----- pid 1234 at 2024-08-16 10:02:11 -----
Cmd line: com.app

"main" prio=5 tid=1 Blocked
  | group="main" sCount=1 dsCount=0
  at com.app.ui.MainActivity.refresh(MainActivity.java:120)
  - waiting to lock <0x0abc> (a java.lang.Object) held by thread 15
  at com.app.ui.MainActivity.onResume(MainActivity.java:88)
  at android.app.Activity.performResume(Activity.java:7000)

"Worker" prio=5 tid=15 Blocked
  at com.app.data.Repo.sync(Repo.java:40)
  - waiting to lock <0x0def> (a java.lang.Object) held by thread 22
  - locked <0x0abc> (a java.lang.Object)
  at com.app.data.Repo.run(Repo.java:12)

"IO" prio=5 tid=22 Native
  at libcore.io.Linux.read(Native Method)
  - locked <0x0def> (a java.lang.Object)
  at com.app.data.Disk.read(Disk.java:9)

----- end 1234 -----
`

const deadlockTrace = `----- pid 50 at 2024-08-16 10:02:11 -----
Cmd line: com.dead

"main" prio=5 tid=1 Blocked
  at com.dead.A.first(A.java:10)
  - waiting to lock <0x1> (a java.lang.Object) held by thread 9
  - locked <0x2> (a java.lang.Object)
  at com.dead.A.run(A.java:5)

"Other" prio=5 tid=9 Blocked
  at com.dead.B.second(B.java:20)
  - waiting to lock <0x2> (a java.lang.Object) held by thread 1
  - locked <0x1> (a java.lang.Object)
  at com.dead.B.run(B.java:6)

----- end 50 -----
`

const binderTrace = `----- pid 100 at 2024-08-16 10:02:11 -----
Cmd line: com.client

"main" prio=5 tid=1 Native
  at android.os.BinderProxy.transactNative(Native Method)
  at com.x.Foo$Stub$Proxy.bar(Foo.java:30)
  at com.client.Main.onCreate(Main.java:12)
  at android.app.Activity.performCreate(Activity.java:7136)

----- end 100 -----

----- pid 200 at 2024-08-16 10:02:12 -----
Cmd line: system_server

"Binder:200_1" prio=5 tid=11 Native
  at com.x.Other.idle(Other.java:1)
  at android.os.Binder.execTransact(Binder.java:1)

"Binder:200_2" prio=5 tid=12 Blocked
  at com.x.BarService.bar(BarService.java:55)
  - waiting to lock <0x77> (a java.lang.Object) held by thread 13
  at com.x.Bar.onTransact(Bar.java:200)
  at android.os.Binder.execTransact(Binder.java:1)

"Worker" prio=5 tid=13 Runnable
  at com.x.BarService.compute(BarService.java:80)
  - locked <0x77> (a java.lang.Object)

----- end 200 -----
`

func testResolver(t *testing.T, opts Options) *Resolver {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.RefYear == 0 {
		opts.RefYear = 2024
	}
	return NewResolver(opts)
}

func resolveString(t *testing.T, r *Resolver, trace string, target Target) *Resolution {
	t.Helper()
	res, err := r.Resolve(context.Background(), tracefile.FromString(trace), target)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func threadNames(res *Resolution) []string {
	names := make([]string, 0, len(res.Hops))
	for _, h := range res.Hops {
		names = append(names, h.Thread.Name)
	}
	return names
}

func TestResolve_LockChainToTerminal(t *testing.T) {
	r := testResolver(t, Options{})
	res := resolveString(t, r, chainTrace, Target{ProcessName: "com.app"})

	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, []string{"main", "Worker", "IO"}, threadNames(res))
	assert.Equal(t, "2024-08-16 10:02:11", res.Target.Time, "target time is taken from the header")
	assert.NotEmpty(t, res.ID)

	assert.Equal(t, "com.app", res.Incident.ProcessName)
	assert.Equal(t, []string{"at com.app.ui.MainActivity.refresh(MainActivity.java:120)"}, res.Incident.Frames,
		"frames stop at the first frame naming the process")

	worker := res.Hops[1]
	assert.True(t, worker.Found)
	assert.Equal(t, CauseLockWait, worker.Cause.Kind)
	assert.Equal(t, []string{"0x0def"}, worker.Cause.Lock.WaitingObjects)
	assert.Equal(t, "  - locked <0x0abc> (a java.lang.Object)", worker.Lines[len(worker.Lines)-1],
		"owner block is buffered up to its lock marker")

	root := res.Root()
	require.NotNil(t, root)
	assert.Equal(t, CauseUnblocked, root.Cause.Kind)
	assert.Equal(t, "1234/tid=15", res.HeldObjects["1234:0x0abc"])
}

func TestResolve_Idempotent(t *testing.T) {
	r := testResolver(t, Options{})
	c := tracefile.FromString(chainTrace)

	first, err := r.Resolve(context.Background(), c, Target{ProcessName: "com.app"})
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), c, Target{ProcessName: "com.app"})
	require.NoError(t, err)

	assert.Equal(t, first.Incident.Frames, second.Incident.Frames)
	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, threadNames(first), threadNames(second))
	assert.NotEqual(t, first.ID, second.ID)
}

func TestResolve_DeadlockIsCycleSuspected(t *testing.T) {
	r := testResolver(t, Options{})
	res := resolveString(t, r, deadlockTrace, Target{ProcessName: "com.dead"})

	assert.Equal(t, OutcomeCycleSuspected, res.Outcome)
	assert.Equal(t, []string{"main", "Other"}, threadNames(res))
}

func TestResolve_DeadlockWaitListedFirst(t *testing.T) {
	// Each thread lists its wait before the monitor it holds.
	trace := `----- pid 50 at 2024-08-16 10:02:11 -----
Cmd line: com.dead

"main" prio=5 tid=1 Blocked
  - waiting to lock <0x1> (a java.lang.Object) held by thread 9
  at com.dead.A.first(A.java:10)
  - locked <0x2> (a java.lang.Object)

"Other" prio=5 tid=9 Blocked
  - waiting to lock <0x2> (a java.lang.Object) held by thread 1
  at com.dead.B.second(B.java:20)
  - locked <0x1> (a java.lang.Object)

----- end 50 -----
`
	r := testResolver(t, Options{})
	res := resolveString(t, r, trace, Target{ProcessName: "com.dead"})
	assert.Equal(t, OutcomeCycleSuspected, res.Outcome)
	assert.LessOrEqual(t, len(res.Hops), 3)
}

func TestResolve_MaxDepth(t *testing.T) {
	r := testResolver(t, Options{MaxDepth: 2})
	res := resolveString(t, r, chainTrace, Target{ProcessName: "com.app"})
	assert.Equal(t, OutcomeCycleSuspected, res.Outcome)
	assert.Len(t, res.Hops, 2)
}

func TestResolve_MissingOwnerIsInconclusive(t *testing.T) {
	trace := strings.Replace(chainTrace, "held by thread 15", "held by thread 77", 1)
	r := testResolver(t, Options{})
	res := resolveString(t, r, trace, Target{ProcessName: "com.app"})

	assert.Equal(t, OutcomeInconclusive, res.Outcome)
	require.Len(t, res.Hops, 1)
	assert.NotEmpty(t, res.Incident.Frames, "partial trace is kept")
}

func TestResolve_OwnerNameMustMatch(t *testing.T) {
	trace := `----- pid 1234 at 2024-08-16 10:02:11 -----
Cmd line: com.app

"main" prio=5 tid=1 Blocked
  at com.app.Foo.bar(Foo.java:12)
  - waiting to lock <0x5> (a java.lang.Object) held by tid=15 (Worker)

"Other" prio=5 tid=15 Native
  at com.app.Other.run(Other.java:3)
  - locked <0x5> (a java.lang.Object)

----- end 1234 -----
`
	r := testResolver(t, Options{})
	res := resolveString(t, r, trace, Target{ProcessName: "com.app"})
	assert.Equal(t, OutcomeInconclusive, res.Outcome)
	assert.Equal(t, []string{"main"}, threadNames(res))
}

func TestResolve_OwnerOutsideHopWindow(t *testing.T) {
	trace := `----- pid 1234 at 2024-08-16 10:02:11 -----
Cmd line: com.app

"main" prio=5 tid=1 Blocked
  at com.app.Foo.bar(Foo.java:12)
  - waiting to lock <0x5> (a java.lang.Object) held by thread 15

----- end 1234 -----

----- pid 1234 at 2024-08-16 10:02:40 -----
Cmd line: com.app

"Worker" prio=5 tid=15 Native
  - locked <0x5> (a java.lang.Object)

----- end 1234 -----
`
	r := testResolver(t, Options{})
	res := resolveString(t, r, trace, Target{ProcessName: "com.app"})
	assert.Equal(t, OutcomeInconclusive, res.Outcome)

	wide := testResolver(t, Options{HopWindow: 30 * time.Second})
	res = resolveString(t, wide, trace, Target{ProcessName: "com.app"})
	assert.Equal(t, OutcomeTerminal, res.Outcome)
}

func TestResolve_TimeOutsideEveryWindowIsUnresolved(t *testing.T) {
	r := testResolver(t, Options{})
	res := resolveString(t, r, chainTrace, Target{ProcessName: "com.app", Time: "2024-08-16 11:00:00"})

	assert.Equal(t, OutcomeUnresolved, res.Outcome)
	assert.Empty(t, res.Hops)
	assert.Empty(t, res.Incident.Frames)
}

func TestResolve_TimeInsideInitialWindow(t *testing.T) {
	r := testResolver(t, Options{})
	res := resolveString(t, r, chainTrace, Target{ProcessName: "com.app", Time: "08-16 10:02:30"})
	assert.Equal(t, OutcomeTerminal, res.Outcome)
}

func TestResolve_ZonedHeaderWithLogcatTime(t *testing.T) {
	zoned := strings.Replace(chainTrace, "at 2024-08-16 10:02:11 -----", "at 2024-08-16 10:02:11.123456789+0800 -----", 1)
	r := testResolver(t, Options{})

	res := resolveString(t, r, zoned, Target{ProcessName: "com.app", Time: "08-16 10:02:12"})
	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, []string{"main", "Worker", "IO"}, threadNames(res))
}

func TestResolve_ByPidAndTid(t *testing.T) {
	r := testResolver(t, Options{})
	res := resolveString(t, r, chainTrace, Target{Pid: "1234", Tid: "15"})

	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, []string{"Worker", "IO"}, threadNames(res))
	assert.Equal(t, "com.app", res.Incident.ProcessName, "name falls back to the cmd line")

	res = resolveString(t, r, chainTrace, Target{Pid: "4321"})
	assert.Equal(t, OutcomeUnresolved, res.Outcome)
}

func TestResolve_BinderCall(t *testing.T) {
	r := testResolver(t, Options{})
	res := resolveString(t, r, binderTrace, Target{ProcessName: "com.client"})

	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, []string{"main", "Binder:200_2", "Worker"}, threadNames(res))

	origin := res.Hops[0]
	assert.Equal(t, CauseBinderCall, origin.Cause.Kind)
	assert.Equal(t, "bar", origin.Cause.API)
	assert.Equal(t, "com.x.Foo", origin.Cause.RemoteInterface)

	handler := res.Hops[1]
	assert.Equal(t, "200", handler.Header.Pid())
	assert.Equal(t, CauseLockWait, handler.Cause.Kind)
	assert.Len(t, res.Incident.Frames, 3)
}

func TestResolve_BinderPrefersInterfaceDispatch(t *testing.T) {
	trace := binderTrace[:strings.Index(binderTrace, "----- end 200 -----")] + `"Binder:200_3" prio=5 tid=14 Runnable
  at com.x.FooImpl.bar(FooImpl.java:9)
  at com.x.Foo$Stub.onTransact(Foo.java:100)
  at android.os.Binder.execTransact(Binder.java:1)

----- end 200 -----
`
	r := testResolver(t, Options{})
	res := resolveString(t, r, trace, Target{ProcessName: "com.client"})
	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, []string{"main", "Binder:200_3"}, threadNames(res))
}

func TestResolve_BinderHandlerMissing(t *testing.T) {
	trace := binderTrace[:strings.Index(binderTrace, "----- pid 200")]
	r := testResolver(t, Options{})
	res := resolveString(t, r, trace, Target{ProcessName: "com.client"})
	assert.Equal(t, OutcomeInconclusive, res.Outcome)
}

func TestResolve_Errors(t *testing.T) {
	r := testResolver(t, Options{})

	_, err := r.Resolve(context.Background(), tracefile.FromString(chainTrace), Target{Tid: "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvableTarget)
	assert.Equal(t, CategoryInvalidTarget, CategoryOf(err))

	_, err = r.ResolveFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt"), Target{ProcessName: "com.app"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvableTarget)
	assert.ErrorIs(t, err, tracefile.ErrUnreadable)
	assert.Equal(t, CategoryIOFailure, CategoryOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Resolve(ctx, tracefile.FromString(chainTrace), Target{ProcessName: "com.app"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, CategoryOf(err))
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.txt")
	require.NoError(t, os.WriteFile(path, []byte(chainTrace), 0o600))

	r := testResolver(t, Options{})
	res, err := r.ResolveFile(context.Background(), path, Target{ProcessName: "com.app"})
	require.NoError(t, err)
	assert.Equal(t, path, res.Incident.OutputPath)
	assert.Equal(t, OutcomeTerminal, res.Outcome)
}

func TestResolve_RecordsMetrics(t *testing.T) {
	counter := resolutionsTotal.WithLabelValues(string(OutcomeCycleSuspected))
	before := testutil.ToFloat64(counter)

	r := testResolver(t, Options{})
	resolveString(t, r, deadlockTrace, Target{ProcessName: "com.dead"})

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
