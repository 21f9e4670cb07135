// Package batch resolves many targets concurrently and aggregates their
// incidents. A failing target is recorded and skipped; it never stops the
// rest of the run.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"anr-mcp/internal/analyzer"
	"anr-mcp/internal/store"
)

// Job is one target to resolve against one trace file.
type Job struct {
	Trace           string `yaml:"trace"`
	analyzer.Target `yaml:",inline"`
}

type targetsFile struct {
	Targets []Job `yaml:"targets"`
}

// LoadJobs reads a targets file. Relative trace paths are resolved against
// the file's directory.
func LoadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}
	var tf targetsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse targets file %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range tf.Targets {
		if tf.Targets[i].Trace == "" {
			return nil, fmt.Errorf("target %d has no trace path", i+1)
		}
		if !filepath.IsAbs(tf.Targets[i].Trace) {
			tf.Targets[i].Trace = filepath.Join(base, tf.Targets[i].Trace)
		}
	}
	return tf.Targets, nil
}

// Options configures a Runner.
type Options struct {
	// OutDir receives one reconstruction file per located target. Empty
	// disables writing.
	OutDir  string
	Workers int
	// Store, when set, receives every resolution and the final groups.
	Store  *store.Store
	Logger *slog.Logger
}

// Failure is a job that could not be resolved.
type Failure struct {
	Job Job
	Err error
}

// Result collects a run. Resolutions is indexed like the jobs; failed jobs
// leave a nil entry.
type Result struct {
	Resolutions []*analyzer.Resolution
	Failures    []Failure
	Outcomes    map[analyzer.Outcome]int
}

// Runner resolves jobs with a bounded number of workers.
type Runner struct {
	resolver *analyzer.Resolver
	agg      *analyzer.Aggregator
	opts     Options
	log      *slog.Logger
}

// NewRunner returns a Runner that adds incidents to agg.
func NewRunner(resolver *analyzer.Resolver, agg *analyzer.Aggregator, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{resolver: resolver, agg: agg, opts: opts, log: logger}
}

// Run resolves every job. Only cancellation of ctx or a store failure is
// returned as an error.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*Result, error) {
	res := &Result{
		Resolutions: make([]*analyzer.Resolution, len(jobs)),
		Outcomes:    make(map[analyzer.Outcome]int),
	}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for i, job := range jobs {
		g.Go(func() error {
			resolution, err := r.runOne(gCtx, job)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctxErr := gCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				res.Failures = append(res.Failures, Failure{Job: job, Err: err})
				r.log.Warn("target failed", "trace", job.Trace, "target", job.Target.String(), "error", err)
				return nil
			}
			res.Resolutions[i] = resolution
			res.Outcomes[resolution.Outcome]++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	if r.opts.Store != nil {
		if err := r.opts.Store.SaveGroups(ctx, r.agg.Groups()); err != nil {
			return res, fmt.Errorf("failed to persist incident groups: %w", err)
		}
	}
	r.log.Info("batch finished",
		"targets", len(jobs),
		"failures", len(res.Failures),
		"terminal", res.Outcomes[analyzer.OutcomeTerminal],
		"inconclusive", res.Outcomes[analyzer.OutcomeInconclusive],
		"cycle_suspected", res.Outcomes[analyzer.OutcomeCycleSuspected],
		"unresolved", res.Outcomes[analyzer.OutcomeUnresolved])
	return res, nil
}

func (r *Runner) runOne(ctx context.Context, job Job) (*analyzer.Resolution, error) {
	resolution, err := r.resolver.ResolveFile(ctx, job.Trace, job.Target)
	if err != nil {
		return nil, err
	}
	if resolution.Outcome == analyzer.OutcomeUnresolved {
		return resolution, nil
	}

	if r.opts.OutDir != "" {
		if _, err := analyzer.SaveReconstruction(r.opts.OutDir, resolution); err != nil {
			return nil, err
		}
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.SaveResolution(ctx, store.NewResolutionRecord(job.Trace, resolution)); err != nil {
			return nil, fmt.Errorf("failed to persist resolution: %w", err)
		}
	}

	// Only jobs that were fully recorded count as occurrences.
	count := r.agg.Add(resolution.Incident)
	r.log.Debug("incident recorded",
		"process", resolution.Incident.ProcessName,
		"outcome", string(resolution.Outcome),
		"occurrences", count)
	return resolution, nil
}
