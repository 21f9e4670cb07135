package tracefile

import (
	"fmt"
	"strings"
)

// Line markers recognised in a thread-dump. Matching is substring or prefix based.
const (
	PrefixPid      = "----- pid "
	PrefixCmd      = "Cmd line: "
	PrefixEnd      = "----- end "
	SuffixPid      = " -----"
	MarkerAt       = " at "
	PrefixFrame    = "at "
	ThreadQuote    = `"`
	MainThreadName = "main"

	WaitingToLock = "waiting to lock <"
	Locked        = "- locked <"
	HeldByTid     = "held by tid="
	HeldByThread  = "held by thread "
	PrefixTid     = "tid="

	BinderStubProxy    = "$Stub$Proxy."
	BinderOnTransact   = ".onTransact"
	BinderStubSuffix   = "$Stub"
	BinderExecTransact = "android.os.Binder.execTransact"
)

// ProcessHeader is the pair of lines that open one process section.
type ProcessHeader struct {
	PidLine string
	CmdLine string
}

// Pid returns the pid parsed from the pid line, or "".
func (h ProcessHeader) Pid() string {
	pid, _, _ := ParseProcessHeader(h.PidLine)
	return pid
}

// Time returns the timestamp literal of the pid line, or "".
func (h ProcessHeader) Time() string {
	_, t, _ := ParseProcessHeader(h.PidLine)
	return t
}

// Cmd returns the process name of the cmd line, or "".
func (h ProcessHeader) Cmd() string {
	name, _ := ParseCmdLine(h.CmdLine)
	return name
}

// HeldThread identifies a lock owner named by a "held by" clause.
type HeldThread struct {
	Tid  string // verbatim, keeps the "tid=" prefix
	Name string // empty when the clause carries no name
}

func (t HeldThread) String() string {
	if t.Name != "" {
		return fmt.Sprintf("[ %s %s ]", t.Tid, t.Name)
	}
	return fmt.Sprintf("[ %s ]", t.Tid)
}

// ThreadInfo is the identity parsed from a quoted thread header line.
type ThreadInfo struct {
	Name  string
	Tid   string // "tid=N", empty when absent
	State string
}

// Thread is one thread's frame block inside a process section.
type Thread struct {
	ThreadInfo
	Header string
	Frames []string // trimmed "at ..." lines
	Lines  []string // every line of the block, header included
}

// ProcessDump is one "----- pid N at T -----" section.
type ProcessDump struct {
	Pid     string
	Time    string
	Cmd     string
	Header  ProcessHeader
	Threads []Thread
}

// TraceData holds everything parsed from one trace file.
type TraceData struct {
	Path      string
	Processes []ProcessDump
}

// FindProcess returns the first section for the given name or pid.
func (td *TraceData) FindProcess(nameOrPid string) *ProcessDump {
	for i := range td.Processes {
		p := &td.Processes[i]
		if p.Cmd == nameOrPid || p.Pid == nameOrPid {
			return p
		}
	}
	return nil
}

// IsBlocked reports whether the thread waits on a monitor.
func (t *Thread) IsBlocked() bool {
	for _, line := range t.Lines {
		if strings.Contains(line, WaitingToLock) {
			return true
		}
	}
	return false
}

// InBinderCall reports whether the thread is a client of an outgoing binder call.
func (t *Thread) InBinderCall() bool {
	for _, f := range t.Frames {
		if strings.Contains(f, BinderStubProxy) {
			return true
		}
	}
	return false
}
