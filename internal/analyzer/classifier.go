package analyzer

import (
	"strings"

	"anr-mcp/internal/tracefile"
)

// Classification is what Classify learned from one thread block.
type Classification struct {
	Cause BlockingCause
	// Frames are the block's stack frames up to and including the first
	// frame that names the process.
	Frames []string
}

// Classify scans one thread block in order. The first binder proxy frame or
// lock wait line decides the cause; a block with neither is unblocked.
// processName may be empty, in which case every frame is collected.
func Classify(lines []string, processName string) Classification {
	var c Classification
	decided := false
	collecting := true
	for i, line := range lines {
		if frame, ok := tracefile.IsFrame(line); ok && collecting {
			c.Frames = append(c.Frames, frame)
			if processName != "" && strings.Contains(frame, processName) {
				collecting = false
			}
		}
		if decided {
			continue
		}
		if api, iface, ok := parseBinderProxy(line); ok {
			c.Cause = BlockingCause{Kind: CauseBinderCall, API: api, RemoteInterface: iface}
			decided = true
			continue
		}
		if strings.Contains(line, tracefile.WaitingToLock) {
			c.Cause = BlockingCause{Kind: CauseLockWait, Lock: tracefile.BuildLockRecord(lines[i:])}
			decided = true
		}
	}
	return c
}

// parseBinderProxy extracts the method name and interface of an outgoing
// binder call frame such as
//
//	at android.app.IActivityManager$Stub$Proxy.getRunningAppProcesses(IActivityManager.java:5342)
func parseBinderProxy(line string) (api, iface string, ok bool) {
	idx := strings.Index(line, tracefile.BinderStubProxy)
	if idx < 0 {
		return "", "", false
	}
	rest := line[idx+len(tracefile.BinderStubProxy):]
	if end := strings.IndexByte(rest, '('); end >= 0 {
		rest = rest[:end]
	}
	iface = strings.TrimSpace(line[:idx])
	iface = strings.TrimSpace(strings.TrimPrefix(iface, tracefile.PrefixFrame))
	return rest, iface, rest != ""
}

// isBinderHandler reports whether a block is a binder thread executing api.
// strict additionally requires the dispatch frame to belong to iface.
func isBinderHandler(lines []string, api, iface string) (handler, strict bool) {
	var hasAPI, hasDispatch, hasExec bool
	apiToken := "." + api + "("
	strictTokens := []string{
		iface + tracefile.BinderOnTransact,
		iface + tracefile.BinderStubSuffix + tracefile.BinderOnTransact,
	}
	for _, line := range lines {
		if strings.Contains(line, apiToken) {
			hasAPI = true
		}
		if strings.Contains(line, tracefile.BinderOnTransact) {
			hasDispatch = true
			if iface != "" {
				for _, tok := range strictTokens {
					if strings.Contains(line, tok) {
						strict = true
					}
				}
			}
		}
		if strings.Contains(line, tracefile.BinderExecTransact) {
			hasExec = true
		}
	}
	handler = hasAPI && hasDispatch && hasExec
	return handler, handler && strict
}
