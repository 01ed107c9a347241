package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const DefaultLogDir = "logs"

// Status is the outcome of a single combination.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusPlanned Status = "planned"
)

// TrialResult records one invoked (or, in a dry run, planned) combination.
type TrialResult struct {
	Combination `yaml:",inline"`
	LogPath     string        `json:"log_path" yaml:"log_path"`
	Status      Status        `json:"status" yaml:"status"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	Started     time.Time     `json:"started" yaml:"started"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// Recorder receives every trial result as soon as the trial finishes.
type Recorder interface {
	Record(ctx context.Context, r *TrialResult) error
}

// Summary is the outcome of a sweep.
type Summary struct {
	Checked  int            `json:"checked" yaml:"checked"`
	Skipped  int            `json:"skipped" yaml:"skipped"`
	Invoked  int            `json:"invoked" yaml:"invoked"`
	Failed   int            `json:"failed" yaml:"failed"`
	Duration string         `json:"duration" yaml:"duration"`
	Trials   []*TrialResult `json:"trials" yaml:"trials"`
}

// Options tune a Runner.
type Options struct {
	// LogDir receives one log file per invoked combination. It must exist.
	LogDir string
	// MaxTotalExamples enables the example budget check when positive.
	MaxTotalExamples int
	// DryRun lists feasible combinations without invoking the trial.
	DryRun bool
	// Recorder is optional.
	Recorder Recorder
}

// Runner walks a grid sequentially, one blocking trial at a time.
type Runner struct {
	grid  Grid
	trial Trial
	opts  Options
}

func NewRunner(grid Grid, trial Trial, opts Options) (*Runner, error) {
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grid: %w", err)
	}
	if trial == nil {
		return nil, errors.New("trial required")
	}
	if opts.LogDir == "" {
		opts.LogDir = DefaultLogDir
	}
	return &Runner{grid: grid, trial: trial, opts: opts}, nil
}

// LogPath is where the output of c is written.
func (r *Runner) LogPath(c Combination) string {
	return filepath.Join(r.opts.LogDir, c.LogName())
}

// Run checks every combination and invokes the trial for the feasible ones.
// Trial failures are recorded in the summary and never stop the sweep; only
// cancellation of ctx does, in which case the partial summary is returned
// together with the context error.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sum := &Summary{Trials: make([]*TrialResult, 0)}
	defer func() { sum.Duration = time.Since(start).String() }()

	for _, c := range r.grid.Combinations() {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("sweep interrupted after %d checks: %w", sum.Checked, err)
		}

		sum.Checked++
		if !Feasible(c, r.opts.MaxTotalExamples) {
			sum.Skipped++
			slog.Debug("skipping infeasible combination", "combination", c.String(), "product", c.Product())
			continue
		}

		logPath := r.LogPath(c)
		if r.opts.DryRun {
			sum.Trials = append(sum.Trials, &TrialResult{Combination: c, LogPath: logPath, Status: StatusPlanned})
			continue
		}

		res := r.invoke(ctx, c, logPath)
		sum.Invoked++
		if res.Status == StatusFailed {
			sum.Failed++
		}
		sum.Trials = append(sum.Trials, res)

		if r.opts.Recorder != nil {
			if err := r.opts.Recorder.Record(ctx, res); err != nil {
				slog.Error("failed to record trial", "combination", c.String(), "error", err)
			}
		}
	}

	return sum, nil
}

func (r *Runner) invoke(ctx context.Context, c Combination, logPath string) *TrialResult {
	res := &TrialResult{Combination: c, LogPath: logPath, Started: time.Now()}
	defer func() { res.Duration = time.Since(res.Started) }()

	slog.Info("running", "clients", c.Clients, "examples", c.Examples,
		"sync_every", c.SyncEvery, "avg_every", c.AvgEvery, "log", logPath)

	f, err := os.Create(logPath)
	if err != nil {
		return fail(res, fmt.Errorf("creating log file: %w", err))
	}

	runErr := r.trial.Run(ctx, c, f)
	closeErr := f.Close()

	if runErr != nil {
		return fail(res, runErr)
	}
	if closeErr != nil {
		return fail(res, fmt.Errorf("closing log file: %w", closeErr))
	}
	res.Status = StatusOK
	return res
}

func fail(res *TrialResult, err error) *TrialResult {
	slog.Error("trial failed", "combination", res.Combination.String(), "log", res.LogPath, "error", err)
	res.Status = StatusFailed
	res.Error = err.Error()
	return res
}
