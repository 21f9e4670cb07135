package tracefile

import (
	"fmt"
	"io"
	"strings"
)

// ReadTraceFile opens and parses a whole thread-dump file.
func ReadTraceFile(filePath string) (*TraceData, error) {
	c, err := Open(filePath)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	data, err := parse(c)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filePath, err)
	}
	data.Path = filePath
	return data, nil
}

// ParseTrace parses a thread-dump held in memory.
func ParseTrace(src io.ReadSeeker) (*TraceData, error) {
	return parse(NewCursor(src))
}

func parse(c *Cursor) (*TraceData, error) {
	data := &TraceData{}
	var tracker HeaderTracker
	var proc *ProcessDump
	var thread *Thread

	err := Walk(c, &tracker, func(ev LineEvent) bool {
		if ev.Header {
			if _, _, ok := ParseProcessHeader(ev.Line); ok {
				data.Processes = append(data.Processes, ProcessDump{})
				thread = nil
			}
			if len(data.Processes) == 0 {
				return true // cmd line without a pid header
			}
			proc = &data.Processes[len(data.Processes)-1]
			proc.Header = ev.Process
			proc.Pid = ev.Process.Pid()
			proc.Time = ev.Process.Time()
			proc.Cmd = ev.Process.Cmd()
			return true
		}
		if proc == nil || !ev.InBlock {
			thread = nil
			return true
		}
		if ev.NewBlock {
			proc.Threads = append(proc.Threads, Thread{ThreadInfo: ev.Thread, Header: ev.Line})
			thread = &proc.Threads[len(proc.Threads)-1]
		}
		if thread == nil || strings.TrimSpace(ev.Line) == "" {
			return true
		}
		thread.Lines = append(thread.Lines, ev.Line)
		if frame, ok := IsFrame(ev.Line); ok {
			thread.Frames = append(thread.Frames, frame)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("error reading trace: %w", err)
	}
	return data, nil
}
