package analyzer

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"anr-mcp/internal/tracefile"
)

// Target identifies the incident to resolve. Time is the literal timestamp
// text of the incident; when empty it is filled from the matched process
// header.
type Target struct {
	ProcessName string `yaml:"process" json:"process_name,omitempty"`
	Pid         string `yaml:"pid,omitempty" json:"pid,omitempty"`
	Tid         string `yaml:"tid,omitempty" json:"tid,omitempty"`
	Time        string `yaml:"time,omitempty" json:"time,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

func (t Target) String() string {
	parts := make([]string, 0, 4)
	if t.ProcessName != "" {
		parts = append(parts, t.ProcessName)
	}
	if t.Pid != "" {
		parts = append(parts, "pid="+t.Pid)
	}
	if t.Tid != "" {
		parts = append(parts, threadID(t.Tid))
	}
	if t.Time != "" {
		parts = append(parts, "at "+t.Time)
	}
	if len(parts) == 0 {
		return "<empty target>"
	}
	return strings.Join(parts, " ")
}

// Validate checks that the target names a process.
func (t Target) Validate() error {
	if t.ProcessName == "" && t.Pid == "" {
		return fmt.Errorf("target needs a process name or pid")
	}
	return nil
}

// threadID returns tid in its "tid=N" form.
func threadID(tid string) string {
	if strings.HasPrefix(tid, tracefile.PrefixTid) {
		return tid
	}
	return tracefile.PrefixTid + tid
}

// CauseKind says why a thread is not making progress.
type CauseKind int

const (
	CauseUnblocked CauseKind = iota
	CauseLockWait
	CauseBinderCall
)

func (k CauseKind) String() string {
	switch k {
	case CauseLockWait:
		return "lock-wait"
	case CauseBinderCall:
		return "binder-call"
	default:
		return "unblocked"
	}
}

// BlockingCause is the classification of one thread block. Lock is set for
// CauseLockWait; API and RemoteInterface are set for CauseBinderCall.
type BlockingCause struct {
	Kind            CauseKind
	Lock            *tracefile.LockRecord
	API             string
	RemoteInterface string
}

func (c BlockingCause) String() string {
	switch c.Kind {
	case CauseLockWait:
		return fmt.Sprintf("waiting on lock %s", c.Lock)
	case CauseBinderCall:
		return fmt.Sprintf("binder call %s.%s", c.RemoteInterface, c.API)
	default:
		return "not blocked"
	}
}

// Outcome is how a resolution ended.
type Outcome string

const (
	// OutcomeTerminal means the chain reached a thread that is not blocked.
	OutcomeTerminal Outcome = "terminal"
	// OutcomeInconclusive means the next owner could not be found in the dump.
	OutcomeInconclusive Outcome = "inconclusive"
	// OutcomeCycleSuspected means the chain revisited a thread/object pair or
	// exceeded the depth cap; usually a real deadlock.
	OutcomeCycleSuspected Outcome = "cycle-suspected"
	// OutcomeUnresolved means the target snapshot was not found.
	OutcomeUnresolved Outcome = "unresolved"
)

// ResolvedIncident is the signature material of one resolved target.
type ResolvedIncident struct {
	ProcessName string   `json:"process_name"`
	Frames      []string `json:"frames"`
	OutputPath  string   `json:"output_path"`
}

// Hop is one thread block visited while following the chain.
type Hop struct {
	Cause  BlockingCause
	Header tracefile.ProcessHeader
	Thread tracefile.ThreadInfo
	Lines  []string
	// Found is set when the block was confirmed by its lock marker or binder
	// dispatch frames rather than only by its thread id.
	Found bool
}

// Resolution is the result of resolving one target against one trace.
type Resolution struct {
	ID       string
	Target   Target
	Outcome  Outcome
	Incident ResolvedIncident
	Hops     []Hop
	// HeldObjects maps each object confirmed held by a chain thread to that
	// thread ("pid/tid").
	HeldObjects map[string]string
}

// Root returns the last hop, the deepest point the chain reached.
func (r *Resolution) Root() *Hop {
	if len(r.Hops) == 0 {
		return nil
	}
	return &r.Hops[len(r.Hops)-1]
}

// Options tunes the resolver. Zero fields take the DefaultOptions value.
type Options struct {
	// InitialWindow bounds the distance between the target time and the
	// process header used to locate the target thread.
	InitialWindow time.Duration
	// HopWindow bounds the distance between the target time and the process
	// header of every later block in the chain.
	HopWindow time.Duration
	// MaxDepth caps the number of hops.
	MaxDepth int
	// RefYear completes timestamps that carry no year.
	RefYear int
	Logger  *slog.Logger
}

// DefaultOptions returns the calibrated windows: 30s to find the target and
// 21s for each hop.
func DefaultOptions() Options {
	return Options{
		InitialWindow: 30000 * time.Millisecond,
		HopWindow:     21000 * time.Millisecond,
		MaxDepth:      32,
		RefYear:       time.Now().Year(),
		Logger:        slog.Default(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InitialWindow <= 0 {
		o.InitialWindow = d.InitialWindow
	}
	if o.HopWindow <= 0 {
		o.HopWindow = d.HopWindow
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.RefYear <= 0 {
		o.RefYear = d.RefYear
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}
