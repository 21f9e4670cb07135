package tracefile

import "strings"

// ParseProcessHeader parses "----- pid <digits> at <time> -----".
// The returned time is the literal text between the at marker and the
// trailing delimiter.
func ParseProcessHeader(line string) (pid, ts string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, PrefixPid) || !strings.HasSuffix(line, SuffixPid) {
		return "", "", false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(line, PrefixPid), SuffixPid)
	idx := strings.Index(body, MarkerAt)
	if idx <= 0 {
		return "", "", false
	}
	pid = body[:idx]
	if !isDigits(pid) {
		return "", "", false
	}
	ts = strings.TrimSpace(body[idx+len(MarkerAt):])
	if ts == "" {
		return "", "", false
	}
	return pid, ts, true
}

// ParseCmdLine parses "Cmd line: <process name>".
func ParseCmdLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, PrefixCmd) {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(line, PrefixCmd))
	return name, name != ""
}

// ParseThreadHeader parses a quoted thread header such as
//
//	"main" prio=5 tid=1 Blocked
func ParseThreadHeader(line string) (ThreadInfo, bool) {
	if !strings.HasPrefix(line, ThreadQuote) {
		return ThreadInfo{}, false
	}
	end := strings.Index(line[1:], ThreadQuote)
	if end < 0 {
		return ThreadInfo{}, false
	}
	info := ThreadInfo{Name: line[1 : end+1]}
	fields := strings.Fields(line[end+2:])
	for i, f := range fields {
		if strings.HasPrefix(f, PrefixTid) {
			info.Tid = f
			if i+1 < len(fields) {
				info.State = fields[i+1]
			}
			break
		}
	}
	return info, true
}

// HeaderState is a saved copy of a tracker's current and last-written headers.
type HeaderState struct {
	Current     ProcessHeader
	LastWritten ProcessHeader
}

// HeaderTracker follows the process section headers crossed while scanning.
// Current is the section the scan position belongs to; LastWritten is the
// header most recently emitted to output and is used to avoid repeating it.
type HeaderTracker struct {
	current     ProcessHeader
	lastWritten ProcessHeader
}

// Observe feeds one line to the tracker and reports whether it was a header.
func (h *HeaderTracker) Observe(line string) bool {
	if _, _, ok := ParseProcessHeader(line); ok {
		h.current = ProcessHeader{PidLine: strings.TrimSpace(line)}
		return true
	}
	if _, ok := ParseCmdLine(line); ok {
		h.current.CmdLine = strings.TrimSpace(line)
		return true
	}
	return false
}

// Current returns the header of the section at the scan position.
func (h *HeaderTracker) Current() ProcessHeader {
	return h.current
}

// Snapshot saves the tracker state.
func (h *HeaderTracker) Snapshot() HeaderState {
	return HeaderState{Current: h.current, LastWritten: h.lastWritten}
}

// Restore puts back a state taken with Snapshot.
func (h *HeaderTracker) Restore(s HeaderState) {
	h.current = s.Current
	h.lastWritten = s.LastWritten
}

// MarkWritten records that hdr is about to be emitted and returns which of
// its lines have not been written yet.
func (h *HeaderTracker) MarkWritten(hdr ProcessHeader) (emitPid, emitCmd bool) {
	emitPid = hdr.PidLine != "" && hdr.PidLine != h.lastWritten.PidLine
	emitCmd = hdr.CmdLine != "" && (emitPid || hdr.CmdLine != h.lastWritten.CmdLine)
	h.lastWritten = hdr
	return emitPid, emitCmd
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
