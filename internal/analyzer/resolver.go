package analyzer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"anr-mcp/internal/tracefile"
)

// Resolver follows lock and binder chains from a target thread to the thread
// that is actually holding things up. A Resolver has no per-call state and
// may be shared between goroutines as long as each call uses its own Cursor.
type Resolver struct {
	opts Options
	log  *slog.Logger
}

// NewResolver returns a Resolver using opts, with zero fields defaulted.
func NewResolver(opts Options) *Resolver {
	opts = opts.withDefaults()
	return &Resolver{opts: opts, log: opts.Logger}
}

// block is one buffered thread block.
type block struct {
	header tracefile.ProcessHeader
	thread tracefile.ThreadInfo
	lines  []string
	found  bool
}

func (b *block) key() string {
	return b.header.Pid() + "/" + b.thread.Tid
}

// ResolveFile opens path, resolves target against it and closes the file on
// every path out. The incident's output path defaults to the trace path.
func (r *Resolver) ResolveFile(ctx context.Context, path string, target Target) (*Resolution, error) {
	c, err := tracefile.Open(path)
	if err != nil {
		resolveErrorsTotal.WithLabelValues(string(CategoryIOFailure)).Inc()
		return nil, ioFailure(target, err)
	}
	defer c.Close()

	res, err := r.Resolve(ctx, c, target)
	if err != nil {
		return nil, err
	}
	res.Incident.OutputPath = path
	return res, nil
}

// Resolve locates target in the dump behind c and follows its blocking
// chain. Every pass over the dump reuses c after a Reset. Running out of
// evidence is reported through Resolution.Outcome; errors are returned only
// for invalid targets, read failures and cancellation.
func (r *Resolver) Resolve(ctx context.Context, c *tracefile.Cursor, target Target) (res *Resolution, err error) {
	started := time.Now()
	ctx, span := startResolveSpan(ctx, target)
	defer func() { finishResolve(span, res, err, started) }()

	if verr := target.Validate(); verr != nil {
		return nil, &ResolveError{Category: CategoryInvalidTarget, Target: target, Err: verr}
	}

	res = &Resolution{
		ID:          uuid.NewString(),
		Target:      target,
		HeldObjects: make(map[string]string),
	}
	var tracker tracefile.HeaderTracker
	origin, err := r.locate(c, &tracker, &res.Target)
	if err != nil {
		return nil, ioFailure(target, err)
	}

	name := target.ProcessName
	if origin == nil {
		res.Outcome = OutcomeUnresolved
		res.Incident.ProcessName = name
		r.log.Info("target not found in trace", "resolution", res.ID, "target", res.Target.String())
		return res, nil
	}
	if name == "" {
		name = origin.header.Cmd()
	}

	cls := Classify(origin.lines, name)
	res.Incident = ResolvedIncident{ProcessName: name, Frames: cls.Frames}
	outcome, err := r.follow(ctx, c, &tracker, res, origin, cls.Cause)
	if err != nil {
		return nil, err
	}
	res.Outcome = outcome
	r.log.Info("resolved target",
		"resolution", res.ID,
		"target", res.Target.String(),
		"outcome", string(outcome),
		"hops", len(res.Hops))
	return res, nil
}

// follow walks the chain starting at cur until it reaches an unblocked
// thread, runs out of evidence or revisits a thread.
func (r *Resolver) follow(ctx context.Context, c *tracefile.Cursor, tracker *tracefile.HeaderTracker,
	res *Resolution, cur *block, cause BlockingCause) (Outcome, error) {
	visited := make(map[string]bool)
	r.addHop(res, cur, cause)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		var next *block
		var err error
		switch cause.Kind {
		case CauseLockWait:
			if cause.Lock.IsTerminal() {
				return OutcomeTerminal, nil
			}
			if r.revisitsLock(res, visited, cur, cause.Lock) {
				return OutcomeCycleSuspected, nil
			}
			next, err = r.findLockOwner(c, tracker, res.Target.Time, cur, cause.Lock)
		case CauseBinderCall:
			key := "binder|" + cur.key() + "|" + cause.RemoteInterface + "|" + cause.API
			if visited[key] {
				r.log.Warn("binder call revisited", "resolution", res.ID, "thread", cur.key(), "api", cause.API)
				return OutcomeCycleSuspected, nil
			}
			visited[key] = true
			next, err = r.findBinderHandler(c, tracker, res.Target.Time, cur, cause)
		default:
			return OutcomeTerminal, nil
		}
		if err != nil {
			return "", ioFailure(res.Target, err)
		}
		if next == nil {
			r.log.Debug("chain owner not found", "resolution", res.ID, "thread", cur.key(), "cause", cause.String())
			return OutcomeInconclusive, nil
		}
		if len(res.Hops) >= r.opts.MaxDepth {
			r.log.Warn("chain depth limit reached", "resolution", res.ID, "max_depth", r.opts.MaxDepth)
			return OutcomeCycleSuspected, nil
		}

		cause = Classify(next.lines, "").Cause
		r.addHop(res, next, cause)
		cur = next
	}
}

func (r *Resolver) addHop(res *Resolution, b *block, cause BlockingCause) {
	res.Hops = append(res.Hops, Hop{
		Cause:  cause,
		Header: b.header,
		Thread: b.thread,
		Lines:  b.lines,
		Found:  b.found,
	})
	for _, obj := range tracefile.BuildLockRecord(b.lines).LockedObjects {
		key := heldKey(b.header.Pid(), obj)
		if _, ok := res.HeldObjects[key]; !ok {
			res.HeldObjects[key] = b.key()
		}
	}
	r.log.Debug("chain hop",
		"resolution", res.ID,
		"hop", len(res.Hops),
		"thread", b.thread.Name,
		"tid", b.thread.Tid,
		"cause", cause.String())
}

// heldKey qualifies obj by pid; object addresses are only unique per process.
func heldKey(pid, obj string) string {
	return pid + ":" + obj
}

// revisitsLock reports whether cur waits on an object already held by a
// thread in the chain, or waits on the same object a second time.
func (r *Resolver) revisitsLock(res *Resolution, visited map[string]bool, cur *block, rec *tracefile.LockRecord) bool {
	pid := cur.header.Pid()
	for _, obj := range rec.WaitingObjects {
		if holder, ok := res.HeldObjects[heldKey(pid, obj)]; ok {
			r.log.Warn("lock cycle", "resolution", res.ID, "thread", cur.key(), "object", obj, "holder", holder)
			return true
		}
		key := "lock|" + cur.key() + "|" + obj
		if visited[key] {
			r.log.Warn("lock wait revisited", "resolution", res.ID, "thread", cur.key(), "object", obj)
			return true
		}
		visited[key] = true
	}
	return false
}

// locate finds the target thread block. target.Time is filled from the first
// matching process header when it is empty.
func (r *Resolver) locate(c *tracefile.Cursor, tracker *tracefile.HeaderTracker, target *Target) (*block, error) {
	if err := c.Reset(); err != nil {
		return nil, err
	}
	traceRescansTotal.WithLabelValues("locate").Inc()

	wantTid := ""
	if target.Tid != "" {
		wantTid = threadID(target.Tid)
	}
	var found *block
	inSection := false
	err := tracefile.Walk(c, tracker, func(ev tracefile.LineEvent) bool {
		if ev.Header {
			if found != nil {
				return false
			}
			inSection = r.matchesTarget(ev.Process, target)
			return true
		}
		if found != nil {
			if !ev.InBlock || ev.NewBlock {
				return false
			}
			if strings.TrimSpace(ev.Line) != "" {
				found.lines = append(found.lines, ev.Line)
			}
			return true
		}
		if inSection && ev.NewBlock && isTargetThread(ev.Thread, wantTid) {
			found = &block{header: ev.Process, thread: ev.Thread, lines: []string{ev.Line}, found: true}
		}
		return true
	})
	return found, err
}

func (r *Resolver) matchesTarget(h tracefile.ProcessHeader, target *Target) bool {
	pid, ts, ok := tracefile.ParseProcessHeader(h.PidLine)
	if !ok {
		return false
	}
	if target.Pid != "" && pid != target.Pid {
		return false
	}
	if target.ProcessName != "" && h.Cmd() != target.ProcessName {
		return false
	}
	if target.Time == "" {
		target.Time = ts
		return true
	}
	return tracefile.WithinWindow(ts, target.Time, r.opts.InitialWindow, r.opts.RefYear)
}

func isTargetThread(t tracefile.ThreadInfo, wantTid string) bool {
	if wantTid != "" {
		return t.Tid == wantTid
	}
	return t.Name == tracefile.MainThreadName
}

// findLockOwner rescans the dump for the thread holding one of the objects
// in rec. Candidates are blocks of the waiter's process named by a "held by"
// clause and inside the hop window. The first candidate is buffered up to
// its "- locked" line, or whole when it has none. The tracker is restored
// afterwards.
func (r *Resolver) findLockOwner(c *tracefile.Cursor, tracker *tracefile.HeaderTracker, targetTime string,
	waiter *block, rec *tracefile.LockRecord) (*block, error) {
	saved := tracker.Snapshot()
	defer tracker.Restore(saved)
	if err := c.Reset(); err != nil {
		return nil, err
	}
	traceRescansTotal.WithLabelValues("lock").Inc()

	pid := waiter.header.Pid()
	markers := rec.LockedMarkers()
	var owner *block
	err := tracefile.Walk(c, tracker, func(ev tracefile.LineEvent) bool {
		if owner == nil {
			if ev.NewBlock && ev.Process.Pid() == pid &&
				namedHolder(ev.Thread, rec.WaitingThreads) &&
				r.inHopWindow(ev.Process, targetTime) {
				owner = &block{header: ev.Process, thread: ev.Thread, lines: []string{ev.Line}}
			}
			return true
		}
		if !ev.InBlock || ev.NewBlock {
			return false
		}
		if strings.TrimSpace(ev.Line) == "" {
			return true
		}
		owner.lines = append(owner.lines, ev.Line)
		for _, m := range markers {
			if strings.Contains(ev.Line, m) {
				owner.found = true
				return false
			}
		}
		return true
	})
	return owner, err
}

// namedHolder matches a thread against the "held by" clauses: the tid must
// be equal and, when the clause names the thread, so must the name.
func namedHolder(t tracefile.ThreadInfo, holders []tracefile.HeldThread) bool {
	for _, h := range holders {
		if t.Tid != h.Tid {
			continue
		}
		if h.Name == "" || h.Name == t.Name {
			return true
		}
	}
	return false
}

func (r *Resolver) inHopWindow(h tracefile.ProcessHeader, targetTime string) bool {
	return tracefile.WithinWindow(h.Time(), targetTime, r.opts.HopWindow, r.opts.RefYear)
}

// findBinderHandler rescans the dump for the binder thread serving the call
// made by caller. A block whose dispatch frame belongs to the called
// interface wins over the first block that only dispatches the method.
func (r *Resolver) findBinderHandler(c *tracefile.Cursor, tracker *tracefile.HeaderTracker, targetTime string,
	caller *block, cause BlockingCause) (*block, error) {
	saved := tracker.Snapshot()
	defer tracker.Restore(saved)
	if err := c.Reset(); err != nil {
		return nil, err
	}
	traceRescansTotal.WithLabelValues("binder").Inc()

	var cur, loose, strict *block
	finish := func() {
		if cur == nil {
			return
		}
		handler, exact := isBinderHandler(cur.lines, cause.API, cause.RemoteInterface)
		switch {
		case exact:
			strict = cur
		case handler && loose == nil:
			loose = cur
		}
		cur = nil
	}

	err := tracefile.Walk(c, tracker, func(ev tracefile.LineEvent) bool {
		if ev.NewBlock {
			finish()
			if strict != nil {
				return false
			}
			candidate := &block{header: ev.Process, thread: ev.Thread, lines: []string{ev.Line}, found: true}
			if candidate.key() != caller.key() && r.inHopWindow(ev.Process, targetTime) {
				cur = candidate
			}
			return true
		}
		if !ev.InBlock {
			finish()
			return strict == nil
		}
		if cur != nil && strings.TrimSpace(ev.Line) != "" {
			cur.lines = append(cur.lines, ev.Line)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	finish()
	if strict != nil {
		return strict, nil
	}
	return loose, nil
}
