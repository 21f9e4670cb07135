package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"anr-mcp/internal/analyzer"
	"anr-mcp/internal/store"
	"anr-mcp/internal/tracefile"
)

const topFrames = 10

const rule = "═══════════════════════════════════════════════════\n\n"

// toolServer holds the state shared by the MCP tool handlers.
type toolServer struct {
	mu          sync.RWMutex
	traces      map[string]*tracefile.TraceData
	resolutions map[string]*analyzer.Resolution

	resolver *analyzer.Resolver
	agg      *analyzer.Aggregator
	store    *store.Store // nil when persistence is off
	outDir   string
	log      *slog.Logger
}

func newToolServer(resolver *analyzer.Resolver, agg *analyzer.Aggregator, st *store.Store, outDir string, logger *slog.Logger) *toolServer {
	return &toolServer{
		traces:      make(map[string]*tracefile.TraceData),
		resolutions: make(map[string]*analyzer.Resolution),
		resolver:    resolver,
		agg:         agg,
		store:       st,
		outDir:      outDir,
		log:         logger,
	}
}

func (ts *toolServer) register(s *server.MCPServer) {
	// Tool 1: Load Trace
	s.AddTool(mcp.NewTool("load_trace",
		mcp.WithDescription("Load an Android thread-dump (traces.txt / ANR trace) for analysis"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Absolute path to the thread-dump file"),
		),
	), ts.handleLoadTrace)

	// Tool 2: List Processes
	s.AddTool(mcp.NewTool("list_processes",
		mcp.WithDescription("List the process sections of a loaded trace with their pid, dump time and thread counts"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
		mcp.WithString("process",
			mcp.Description("Only show the first section of this process name or pid"),
		),
	), ts.handleListProcesses)

	// Tool 3: Get Statistics
	s.AddTool(mcp.NewTool("get_statistics",
		mcp.WithDescription("Get statistics about the trace: processes, threads, blocked threads, binder clients, stack depths and thread states"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
	), ts.handleGetStatistics)

	// Tool 4: Find Contended Locks
	s.AddTool(mcp.NewTool("find_contended_locks",
		mcp.WithDescription("Find the monitors with the most waiting threads and who holds them. A good first look at lock convoys."),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
		mcp.WithNumber("top_n",
			mcp.Description("Number of locks to return (default: 10)"),
		),
	), ts.handleFindContendedLocks)

	// Tool 5: Detect Blocking Issues
	s.AddTool(mcp.NewTool("detect_blocking_issues",
		mcp.WithDescription("Automatically detect blocked main threads, binder waits and lock contention using heuristics"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
	), ts.handleDetectBlockingIssues)

	// Tool 6: Resolve ANR
	s.AddTool(mcp.NewTool("resolve_anr",
		mcp.WithDescription("Follow the lock and binder chain from a process's main thread (or a given thread) to the thread actually holding it up. This is the most important tool for finding an ANR root cause."),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the thread-dump file (does not need to be loaded)"),
		),
		mcp.WithString("process_name",
			mcp.Description("Process name as printed on the 'Cmd line:' header"),
		),
		mcp.WithString("pid",
			mcp.Description("Process id; required when process_name is empty"),
		),
		mcp.WithString("tid",
			mcp.Description("Thread id to start from (default: the main thread)"),
		),
		mcp.WithString("time",
			mcp.Description("Approximate ANR time, e.g. '2024-08-16 10:02:11' or '08-16 10:02:11.123'"),
		),
	), ts.handleResolveANR)

	// Tool 7: View Chain
	s.AddTool(mcp.NewTool("view_chain",
		mcp.WithDescription("Show the full reconstruction of a previous resolve_anr call"),
		mcp.WithString("resolution_id",
			mcp.Required(),
			mcp.Description("Id returned by resolve_anr"),
		),
	), ts.handleViewChain)

	// Tool 8: Summarize Incidents
	s.AddTool(mcp.NewTool("summarize_incidents",
		mcp.WithDescription("Group every resolved incident by process and normalized stack signature with occurrence counts"),
		mcp.WithString("process_name",
			mcp.Description("Only summarize this process"),
		),
	), ts.handleSummarizeIncidents)
}

func (ts *toolServer) loadedTrace(filePath string) (*tracefile.TraceData, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	data, ok := ts.traces[filePath]
	return data, ok
}

func (ts *toolServer) handleLoadTrace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := tracefile.ReadTraceFile(filePath)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load trace: %v", err)), nil
	}

	ts.mu.Lock()
	ts.traces[filePath] = data
	ts.mu.Unlock()

	stats := analyzer.ComputeStatistics(data)
	result := fmt.Sprintf(`Trace loaded successfully!

File: %s
Processes: %d
Threads: %d
Blocked threads: %d
Binder clients: %d

Use other tools to analyze this trace.
`,
		filePath,
		stats.TotalProcesses,
		stats.TotalThreads,
		stats.BlockedThreads,
		stats.BinderCallThreads,
	)
	return mcp.NewToolResultText(result), nil
}

func (ts *toolServer) handleListProcesses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, ok := ts.loadedTrace(filePath)
	if !ok {
		return mcp.NewToolResultError("Trace not loaded. Use load_trace tool first"), nil
	}

	processes := data.Processes
	if name := request.GetString("process", ""); name != "" {
		p := data.FindProcess(name)
		if p == nil {
			return mcp.NewToolResultError(fmt.Sprintf("No process %s in trace", name)), nil
		}
		processes = []tracefile.ProcessDump{*p}
	}

	var sb strings.Builder
	sb.WriteString("📋 PROCESSES\n")
	sb.WriteString(rule)
	for i, p := range processes {
		blocked := 0
		for j := range p.Threads {
			if p.Threads[j].IsBlocked() {
				blocked++
			}
		}
		sb.WriteString(fmt.Sprintf("%d. %s (pid %s) at %s\n", i+1, p.Cmd, p.Pid, p.Time))
		sb.WriteString(fmt.Sprintf("   Threads: %d, blocked: %d\n\n", len(p.Threads), blocked))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolServer) handleGetStatistics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, ok := ts.loadedTrace(filePath)
	if !ok {
		return mcp.NewToolResultError("Trace not loaded. Use load_trace tool first"), nil
	}

	stats := analyzer.ComputeStatistics(data)

	var sb strings.Builder
	sb.WriteString("📊 TRACE STATISTICS\n")
	sb.WriteString(rule)
	sb.WriteString(fmt.Sprintf("Processes: %d\n", stats.TotalProcesses))
	sb.WriteString(fmt.Sprintf("Threads: %d\n", stats.TotalThreads))
	sb.WriteString(fmt.Sprintf("Blocked on monitors: %d\n", stats.BlockedThreads))
	sb.WriteString(fmt.Sprintf("In binder calls: %d\n\n", stats.BinderCallThreads))

	sb.WriteString("Call Stack Depth Statistics:\n")
	sb.WriteString(fmt.Sprintf("  Average: %.2f frames\n", stats.AverageStackDepth))
	sb.WriteString(fmt.Sprintf("  Maximum: %d frames\n", stats.MaxStackDepth))
	sb.WriteString(fmt.Sprintf("  Minimum: %d frames\n", stats.MinStackDepth))
	sb.WriteString(fmt.Sprintf("  Unique frames: %d\n\n", stats.UniqueFrames))

	states := analyzer.ThreadStates(data)
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	sb.WriteString("Thread States:\n")
	for _, name := range names {
		sb.WriteString(fmt.Sprintf("  %s: %d\n", name, states[name]))
	}

	freqs := analyzer.GetFrameFrequencies(data)
	if len(freqs) > topFrames {
		freqs = freqs[:topFrames]
	}
	sb.WriteString("\nMost Common Frames:\n")
	for _, f := range freqs {
		sb.WriteString(fmt.Sprintf("  %d threads (%.2f%%) %s\n", f.Count, f.Percentage, f.Frame))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolServer) handleFindContendedLocks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	topN := int(request.GetFloat("top_n", 10.0))

	data, ok := ts.loadedTrace(filePath)
	if !ok {
		return mcp.NewToolResultError("Trace not loaded. Use load_trace tool first"), nil
	}

	locks := analyzer.FindContendedLocks(data, topN)

	var sb strings.Builder
	sb.WriteString("🔒 MOST CONTENDED LOCKS\n")
	sb.WriteString(rule)
	if len(locks) == 0 {
		sb.WriteString("No threads are waiting on monitors.\n")
	} else {
		for i, cl := range locks {
			sb.WriteString(analyzer.FormatContendedLock(cl, i+1))
			sb.WriteString("\n")
		}
	}

	frames := analyzer.FindBlockedFrames(data, 5)
	if len(frames) > 0 {
		sb.WriteString("Where blocked threads are waiting:\n")
		for _, f := range frames {
			sb.WriteString(fmt.Sprintf("  %d threads (%.2f%%) %s [%s]\n", f.ThreadCount, f.Percentage, f.Frame, f.Process))
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolServer) handleDetectBlockingIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, ok := ts.loadedTrace(filePath)
	if !ok {
		return mcp.NewToolResultError("Trace not loaded. Use load_trace tool first"), nil
	}

	issues := analyzer.DetectBlockingIssues(data)

	var sb strings.Builder
	sb.WriteString("⚠️  AUTOMATED BLOCKING ISSUE DETECTION\n")
	sb.WriteString(rule)
	if len(issues) == 0 {
		sb.WriteString("✅ No blocked main threads or contended locks detected!\n")
		return mcp.NewToolResultText(sb.String()), nil
	}

	counts := make(map[string]int)
	for _, issue := range issues {
		counts[issue.Severity]++
	}
	sections := []struct{ severity, title string }{
		{"Critical", "🔴 CRITICAL ISSUES:"},
		{"High", "🟠 HIGH PRIORITY ISSUES:"},
		{"Medium", "🟡 MEDIUM PRIORITY ISSUES:"},
	}
	for _, sec := range sections {
		if counts[sec.severity] == 0 {
			continue
		}
		sb.WriteString(sec.title + "\n\n")
		n := 0
		for _, issue := range issues {
			if issue.Severity != sec.severity {
				continue
			}
			n++
			sb.WriteString(fmt.Sprintf("%d. [%s] %s\n", n, issue.Category, issue.Description))
			if issue.Process != "" {
				sb.WriteString(fmt.Sprintf("   Process: %s\n", issue.Process))
			}
			if issue.Thread != "" {
				sb.WriteString(fmt.Sprintf("   Thread: %s\n", issue.Thread))
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n📊 SUMMARY:\n")
	sb.WriteString(fmt.Sprintf("   Critical: %d\n", counts["Critical"]))
	sb.WriteString(fmt.Sprintf("   High: %d\n", counts["High"]))
	sb.WriteString(fmt.Sprintf("   Medium: %d\n", counts["Medium"]))
	sb.WriteString(fmt.Sprintf("   Low: %d\n", counts["Low"]))
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolServer) handleResolveANR(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target := analyzer.Target{
		ProcessName: request.GetString("process_name", ""),
		Pid:         request.GetString("pid", ""),
		Tid:         request.GetString("tid", ""),
		Time:        request.GetString("time", ""),
	}

	res, err := ts.resolver.ResolveFile(ctx, filePath, target)
	if err != nil {
		var re *analyzer.ResolveError
		if errors.As(err, &re) {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve (%s): %v", re.Category, re.Err)), nil
		}
		return nil, err
	}

	if res.Outcome != analyzer.OutcomeUnresolved {
		if ts.outDir != "" {
			if _, err := analyzer.SaveReconstruction(ts.outDir, res); err != nil {
				ts.log.Warn("could not save reconstruction", "resolution", res.ID, "error", err)
			}
		}
		ts.agg.Add(res.Incident)
	}
	ts.mu.Lock()
	ts.resolutions[res.ID] = res
	ts.mu.Unlock()
	ts.persist(ctx, filePath, res)

	var sb strings.Builder
	sb.WriteString("🔗 ANR RESOLUTION\n")
	sb.WriteString(rule)
	sb.WriteString(fmt.Sprintf("Resolution: %s\n", res.ID))
	sb.WriteString(fmt.Sprintf("Target: %s\n", res.Target.String()))
	sb.WriteString(fmt.Sprintf("Outcome: %s\n", res.Outcome))
	sb.WriteString(fmt.Sprintf("Report: %s\n\n", res.Incident.OutputPath))

	switch res.Outcome {
	case analyzer.OutcomeUnresolved:
		sb.WriteString("No process section or thread matched the target within the time window.\n")
		return mcp.NewToolResultText(sb.String()), nil
	case analyzer.OutcomeCycleSuspected:
		sb.WriteString("⛔ The chain loops back on itself: this is most likely a deadlock.\n\n")
	case analyzer.OutcomeInconclusive:
		sb.WriteString("❓ The chain ends at a thread whose owner is not in this dump.\n\n")
	}

	sb.WriteString("Chain:\n")
	for i, hop := range res.Hops {
		sb.WriteString(fmt.Sprintf("%d. \"%s\" %s (pid %s) - %s\n",
			i+1, hop.Thread.Name, hop.Thread.Tid, hop.Header.Pid(), hop.Cause.String()))
	}
	sb.WriteString("\nReconstruction:\n\n")
	sb.WriteString(res.Reconstruction())
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolServer) persist(ctx context.Context, tracePath string, res *analyzer.Resolution) {
	if ts.store == nil {
		return
	}
	if err := ts.store.SaveResolution(ctx, store.NewResolutionRecord(tracePath, res)); err != nil {
		ts.log.Warn("could not persist resolution", "resolution", res.ID, "error", err)
	}
	if err := ts.store.SaveGroups(ctx, ts.agg.Groups()); err != nil {
		ts.log.Warn("could not persist incident groups", "error", err)
	}
}

func (ts *toolServer) handleViewChain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("resolution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📞 RESOLUTION %s\n", id))
	sb.WriteString(rule)

	ts.mu.RLock()
	res, ok := ts.resolutions[id]
	ts.mu.RUnlock()
	if ok {
		sb.WriteString(res.Reconstruction())
		return mcp.NewToolResultText(sb.String()), nil
	}

	if ts.store != nil {
		rec, err := ts.store.Resolution(ctx, id)
		if err == nil {
			sb.WriteString(rec.Reconstruction)
			return mcp.NewToolResultText(sb.String()), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read resolution: %v", err)), nil
		}
	}
	return mcp.NewToolResultError("Unknown resolution id. Use resolve_anr tool first"), nil
}

func (ts *toolServer) handleSummarizeIncidents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	process := request.GetString("process_name", "")

	var groups []analyzer.IncidentGroup
	if process != "" {
		g, ok := ts.agg.Group(process)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("No incidents recorded for %s", process)), nil
		}
		groups = []analyzer.IncidentGroup{g}
	} else {
		groups = ts.agg.Groups()
	}

	var sb strings.Builder
	sb.WriteString("🧾 INCIDENT SUMMARY\n")
	sb.WriteString(rule)
	if len(groups) == 0 {
		sb.WriteString("No incidents recorded yet.\n")
		return mcp.NewToolResultText(sb.String()), nil
	}
	if err := analyzer.WriteSummary(&sb, groups); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(sb.String()), nil
}
