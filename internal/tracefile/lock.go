package tracefile

import (
	"fmt"
	"strings"
)

// LockFacts are the lock statements found on a single line.
type LockFacts struct {
	Waiting string      // object named by "waiting to lock <OBJ>"
	Locked  string      // object named by "- locked <OBJ>"
	Holder  *HeldThread // owner named by "held by ..."
}

// HasObject reports whether the line named a waited-on or held object.
func (f LockFacts) HasObject() bool {
	return f.Waiting != "" || f.Locked != ""
}

// ExtractLockFacts parses one line. ok is false when the line carries no
// lock statement.
func ExtractLockFacts(line string) (LockFacts, bool) {
	var f LockFacts
	f.Waiting = objectAfter(line, WaitingToLock)
	f.Locked = objectAfter(line, Locked)
	f.Holder = holderOf(line)
	return f, f.HasObject() || f.Holder != nil
}

func objectAfter(line, marker string) string {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(marker):]
	end := strings.IndexByte(rest, '>')
	if end <= 0 {
		return ""
	}
	return rest[:end]
}

func holderOf(line string) *HeldThread {
	var rest string
	if idx := strings.Index(line, HeldByTid); idx >= 0 {
		rest = line[idx+len(HeldByTid):]
	} else if idx := strings.Index(line, HeldByThread); idx >= 0 {
		rest = line[idx+len(HeldByThread):]
	} else {
		return nil
	}
	id := rest
	if end := strings.IndexAny(rest, " \t("); end >= 0 {
		id = rest[:end]
	}
	if id == "" {
		return nil
	}
	held := &HeldThread{Tid: PrefixTid + id}
	tail := rest[len(id):]
	if open := strings.IndexByte(tail, '('); open >= 0 {
		if closing := strings.IndexByte(tail[open+1:], ')'); closing >= 0 {
			held.Name = tail[open+1 : open+1+closing]
		}
	}
	return held
}

// LockRecord is the lock state of one thread: objects it holds, objects it
// waits for and the threads named as owners of those objects. Every list
// keeps input order and ignores repeats.
type LockRecord struct {
	LockedObjects  []string
	WaitingObjects []string
	WaitingThreads []HeldThread
}

// IsTerminal reports whether the thread is not waiting on any object.
func (r *LockRecord) IsTerminal() bool {
	return len(r.WaitingObjects) == 0
}

// AddLocked adds a held object.
func (r *LockRecord) AddLocked(obj string) {
	r.LockedObjects = appendUnique(r.LockedObjects, obj)
}

// AddWaiting adds a waited-on object.
func (r *LockRecord) AddWaiting(obj string) {
	r.WaitingObjects = appendUnique(r.WaitingObjects, obj)
}

// AddWaitingThread adds a lock owner.
func (r *LockRecord) AddWaitingThread(t HeldThread) {
	for _, existing := range r.WaitingThreads {
		if existing == t {
			return
		}
	}
	r.WaitingThreads = append(r.WaitingThreads, t)
}

// Apply merges the facts of one line. A holder is only accepted when
// attached to an object on the same line or when attach is set, meaning
// the previous line named an object.
func (r *LockRecord) Apply(f LockFacts, attach bool) {
	if f.Waiting != "" {
		r.AddWaiting(f.Waiting)
	}
	if f.Locked != "" {
		r.AddLocked(f.Locked)
	}
	if f.Holder != nil && (f.HasObject() || attach) {
		r.AddWaitingThread(*f.Holder)
	}
}

// LockedMarkers returns the "- locked <OBJ>" literals that identify the
// owner of each waited-on object.
func (r *LockRecord) LockedMarkers() []string {
	markers := make([]string, 0, len(r.WaitingObjects))
	for _, obj := range r.WaitingObjects {
		markers = append(markers, Locked+obj+">")
	}
	return markers
}

func (r *LockRecord) String() string {
	threads := make([]string, 0, len(r.WaitingThreads))
	for _, t := range r.WaitingThreads {
		threads = append(threads, t.String())
	}
	return fmt.Sprintf("[ {%s} {%s} {%s} ]",
		strings.Join(r.LockedObjects, ", "),
		strings.Join(r.WaitingObjects, ", "),
		strings.Join(threads, ", "))
}

// BuildLockRecord runs the extractor over lines in order.
func BuildLockRecord(lines []string) *LockRecord {
	r := &LockRecord{}
	prevHadObject := false
	for _, line := range lines {
		f, ok := ExtractLockFacts(line)
		if !ok {
			prevHadObject = false
			continue
		}
		r.Apply(f, prevHadObject)
		prevHadObject = f.HasObject()
	}
	return r
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
