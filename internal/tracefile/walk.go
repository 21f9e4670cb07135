package tracefile

import "strings"

// LineEvent is one line seen by Walk together with its position in the dump.
type LineEvent struct {
	Line     string
	Process  ProcessHeader // section the line belongs to
	Thread   ThreadInfo    // zero outside a thread block
	InBlock  bool          // line is inside a thread block
	NewBlock bool          // line is a thread header
	Header   bool          // line is a pid or cmd header
}

// Walk reads the cursor from its current position to EOF and calls fn for
// every line. A thread block runs from its quoted header to the next thread
// header, section header, section end marker or EOF. tracker is updated as
// headers are crossed. Walk stops early when fn returns false.
func Walk(c *Cursor, tracker *HeaderTracker, fn func(LineEvent) bool) error {
	var thread ThreadInfo
	inBlock := false
	for {
		line, ok := c.Next()
		if !ok {
			return c.Err()
		}
		ev := LineEvent{Line: line}
		switch {
		case tracker.Observe(line):
			ev.Header = true
			inBlock = false
			thread = ThreadInfo{}
		case strings.HasPrefix(line, PrefixEnd):
			inBlock = false
			thread = ThreadInfo{}
		case strings.HasPrefix(line, ThreadQuote):
			if info, ok := ParseThreadHeader(line); ok {
				thread = info
				inBlock = true
				ev.NewBlock = true
			}
		}
		ev.Process = tracker.Current()
		ev.Thread = thread
		ev.InBlock = inBlock
		if !fn(ev) {
			return nil
		}
	}
}

// IsFrame reports whether line is a stack frame and returns it trimmed.
func IsFrame(line string) (string, bool) {
	t := strings.TrimSpace(line)
	return t, strings.HasPrefix(t, PrefixFrame)
}
