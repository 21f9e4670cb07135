package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"anr-mcp/internal/analyzer"
	"anr-mcp/internal/batch"
	"anr-mcp/internal/config"
	"anr-mcp/internal/logging"
	"anr-mcp/internal/store"
	"anr-mcp/internal/tracefile"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
	outDir     string
	storeDir   string
}

// env carries what every subcommand needs once flags are parsed.
type env struct {
	cfg config.Config
	log *slog.Logger
}

func (g *globalFlags) load(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = g.logJSON
	}
	if cmd.Flags().Changed("out") {
		cfg.Output.Dir = g.outDir
	}
	if cmd.Flags().Changed("store") {
		cfg.Store.Dir = g.storeDir
	}
	logger := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		JSON:    cfg.Log.JSON,
		Service: "anrtrace",
		Output:  cmd.ErrOrStderr(),
	})
	return &env{cfg: cfg, log: logger}, nil
}

func (e *env) openStore() (*store.Store, error) {
	if e.cfg.Store.Dir == "" {
		return nil, nil
	}
	return store.Open(store.Config{Path: e.cfg.Store.Dir, Logger: e.log})
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "anrtrace",
		Short:         "Find what an Android ANR is waiting on",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().BoolVar(&g.logJSON, "log-json", false, "log as JSON")
	root.PersistentFlags().StringVar(&g.outDir, "out", "", "directory for reconstruction files, overriding output.dir (--out= disables)")
	root.PersistentFlags().StringVar(&g.storeDir, "store", "", "incident store directory")

	root.AddCommand(
		newResolveCmd(g),
		newBatchCmd(g),
		newSummaryCmd(g),
		newStatsCmd(g),
	)
	return root
}

func newResolveCmd(g *globalFlags) *cobra.Command {
	var target analyzer.Target
	cmd := &cobra.Command{
		Use:   "resolve <TRACE FILE>",
		Short: "Follow the blocking chain of one target and print the reconstruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd)
			if err != nil {
				return err
			}
			resolver := analyzer.NewResolver(e.cfg.ResolverOptions(e.log))
			res, err := resolver.ResolveFile(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}
			if res.Outcome == analyzer.OutcomeUnresolved {
				return fmt.Errorf("no snapshot of %s found in %s", target, args[0])
			}

			if e.cfg.Output.Dir != "" {
				path, err := analyzer.SaveReconstruction(e.cfg.Output.Dir, res)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "[+] Wrote %s\n", path)
			}

			st, err := e.openStore()
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
				agg := analyzer.NewAggregator()
				groups, err := st.LoadGroups(cmd.Context())
				if err != nil {
					return err
				}
				agg.Restore(groups)
				agg.Add(res.Incident)
				if err := st.SaveResolution(cmd.Context(), store.NewResolutionRecord(args[0], res)); err != nil {
					return err
				}
				if err := st.SaveGroups(cmd.Context(), agg.Groups()); err != nil {
					return err
				}
			}

			return analyzer.WriteReconstruction(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&target.ProcessName, "process", "", "process name from the Cmd line header")
	cmd.Flags().StringVar(&target.Pid, "pid", "", "process id")
	cmd.Flags().StringVar(&target.Tid, "tid", "", "thread id to start from (default: main)")
	cmd.Flags().StringVar(&target.Time, "time", "", "approximate ANR time")
	return cmd
}

func newBatchCmd(g *globalFlags) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "batch <TARGETS FILE>",
		Short: "Resolve every target in a YAML targets file and print the incident summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd)
			if err != nil {
				return err
			}
			jobs, err := batch.LoadJobs(args[0])
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = e.cfg.Batch.Workers
			}

			st, err := e.openStore()
			if err != nil {
				return err
			}
			agg := analyzer.NewAggregator()
			if st != nil {
				defer st.Close()
				groups, err := st.LoadGroups(cmd.Context())
				if err != nil {
					return err
				}
				agg.Restore(groups)
			}

			resolver := analyzer.NewResolver(e.cfg.ResolverOptions(e.log))
			runner := batch.NewRunner(resolver, agg, batch.Options{
				OutDir:  e.cfg.Output.Dir,
				Workers: workers,
				Store:   st,
				Logger:  e.log,
			})
			res, err := runner.Run(cmd.Context(), jobs)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "[+] Resolved %d targets (%d failed)\n", len(jobs)-len(res.Failures), len(res.Failures))
			for _, f := range res.Failures {
				fmt.Fprintf(cmd.ErrOrStderr(), "[-] %s %s: %v\n", f.Job.Trace, f.Job.Target, f.Err)
			}
			return agg.WriteSummary(cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent resolutions (default from config)")
	return cmd
}

func newSummaryCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the incident summary accumulated in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd)
			if err != nil {
				return err
			}
			st, err := e.openStore()
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("summary needs a store directory (--store or store.dir)")
			}
			defer st.Close()

			groups, err := st.LoadGroups(cmd.Context())
			if err != nil {
				return err
			}
			return analyzer.WriteSummary(cmd.OutOrStdout(), groups)
		},
	}
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	var topN int
	cmd := &cobra.Command{
		Use:   "stats <TRACE FILE>",
		Short: "Print thread statistics, contended locks and detected blocking issues",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.load(cmd); err != nil {
				return err
			}
			data, err := tracefile.ReadTraceFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			stats := analyzer.ComputeStatistics(data)
			fmt.Fprintf(out, "processes: %d\nthreads: %d\nblocked: %d\nbinder clients: %d\n\n",
				stats.TotalProcesses, stats.TotalThreads, stats.BlockedThreads, stats.BinderCallThreads)

			freqs := analyzer.GetFrameFrequencies(data)
			if topN > 0 && len(freqs) > topN {
				freqs = freqs[:topN]
			}
			fmt.Fprintln(out, "most common frames:")
			for _, f := range freqs {
				fmt.Fprintf(out, "  %d threads (%.2f%%) %s\n", f.Count, f.Percentage, f.Frame)
			}
			fmt.Fprintln(out)

			for i, cl := range analyzer.FindContendedLocks(data, topN) {
				fmt.Fprintln(out, analyzer.FormatContendedLock(cl, i+1))
			}
			for _, issue := range analyzer.DetectBlockingIssues(data) {
				fmt.Fprintf(out, "[%s] %s: %s (%s)\n", issue.Severity, issue.Category, issue.Description, issue.Process)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&topN, "top", 10, "number of frames and contended locks to print")
	return cmd
}
