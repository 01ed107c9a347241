package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mchmarny/fedtools/pkg/sweep"
	"github.com/urfave/cli/v3"
)

const (
	clientsFlagName     = "clients"
	examplesFlagName    = "examples"
	syncFlagName        = "sync"
	avgFlagName         = "avg"
	scriptFlagName      = "script"
	shellFlagName       = "shell"
	logDirFlagName      = "log-dir"
	maxTotalFlagName    = "max-total"
	idleTimeoutFlagName = "idle-timeout"
	dryRunFlagName      = "dry-run"
)

func newSweepCmd() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Launch the training script for every feasible parameter combination",
		UsageText: `fedtools sweep                                  # grid from config, ./reset_and_launch.sh, logs/
   fedtools sweep --clients 2,11 --avg 10 --dry-run  # list what would run
   fedtools sweep --idle-timeout 10s                 # kill trials idling after "final loss"`,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  clientsFlagName,
				Usage: "Comma-separated client counts (overrides config)",
			},
			&cli.StringFlag{
				Name:  examplesFlagName,
				Usage: "Comma-separated examples per client (overrides config)",
			},
			&cli.StringFlag{
				Name:  syncFlagName,
				Usage: "Comma-separated sync intervals (overrides config)",
			},
			&cli.StringFlag{
				Name:  avgFlagName,
				Usage: "Comma-separated averaging intervals (overrides config)",
			},
			&cli.StringFlag{
				Name:  scriptFlagName,
				Usage: "Launcher script invoked with the four values (overrides config)",
			},
			&cli.StringFlag{
				Name:  shellFlagName,
				Usage: "Shell used to run the script (overrides config)",
			},
			&cli.StringFlag{
				Name:  logDirFlagName,
				Usage: "Existing directory receiving one log per trial (overrides config)",
			},
			&cli.IntFlag{
				Name:  maxTotalFlagName,
				Usage: "Skip combinations whose examples plus the 512 held-out exceed this, 0 disables (overrides config)",
			},
			&cli.DurationFlag{
				Name:  idleTimeoutFlagName,
				Usage: "Kill a trial idle this long after its done marker, 0 disables (overrides config)",
			},
			&cli.BoolFlag{
				Name:  dryRunFlagName,
				Usage: "List feasible combinations without launching anything",
			},
		},
		Action: cmdSweep,
	}
}

func cmdSweep(ctx context.Context, cmd *cli.Command) error {
	a := getConfig(cmd)
	c, err := a.loadConfig()
	if err != nil {
		return err
	}

	grid := c.Grid()
	lists := []struct {
		flag string
		dst  *[]int
	}{
		{clientsFlagName, &grid.Clients},
		{examplesFlagName, &grid.Examples},
		{syncFlagName, &grid.SyncEvery},
		{avgFlagName, &grid.AvgEvery},
	}
	for _, l := range lists {
		v := cmd.String(l.flag)
		if v == "" {
			continue
		}
		vals, err := parseInts(v)
		if err != nil {
			return fmt.Errorf("invalid --%s: %w", l.flag, err)
		}
		*l.dst = vals
	}

	trial := c.Trial()
	if v := cmd.String(scriptFlagName); v != "" {
		trial.Script = v
	}
	if v := cmd.String(shellFlagName); v != "" {
		trial.Shell = v
	}
	if cmd.IsSet(idleTimeoutFlagName) {
		trial.IdleTimeout = cmd.Duration(idleTimeoutFlagName)
	}

	opts := sweep.Options{
		LogDir:           c.Sweep.LogDir,
		MaxTotalExamples: c.Sweep.MaxTotalExamples,
		DryRun:           cmd.Bool(dryRunFlagName),
	}
	if v := cmd.String(logDirFlagName); v != "" {
		opts.LogDir = v
	}
	if cmd.IsSet(maxTotalFlagName) {
		opts.MaxTotalExamples = int(cmd.Int(maxTotalFlagName))
		if opts.MaxTotalExamples < 0 {
			return fmt.Errorf("invalid --%s: must not be negative, got %d", maxTotalFlagName, opts.MaxTotalExamples)
		}
	}

	// nothing is recorded for a grid that cannot run
	if err := grid.Validate(); err != nil {
		return fmt.Errorf("invalid grid: %w", err)
	}

	var (
		store   = a.openLedger(ctx)
		sweepID int64
	)
	if store != nil && !opts.DryRun {
		if sweepID, err = store.StartSweep(ctx, grid); err != nil {
			slog.Error("failed to record sweep", "error", err)
		} else {
			opts.Recorder = store.Recorder(sweepID)
		}
	}

	runner, err := sweep.NewRunner(grid, trial, opts)
	if err != nil {
		return err
	}

	slog.Info("starting sweep", "combinations", grid.Size(), "script", trial.Script, "log_dir", opts.LogDir, "dry_run", opts.DryRun)
	sum, runErr := runner.Run(ctx)

	if opts.Recorder != nil {
		if err := store.FinishSweep(context.WithoutCancel(ctx), sweepID, sum); err != nil {
			slog.Error("failed to record sweep summary", "sweep", sweepID, "error", err)
		}
	}

	if sum.Failed > 0 {
		slog.Warn("some trials failed, see their logs", "failed", sum.Failed, "invoked", sum.Invoked)
	}

	if err := encode(a.Format, sum); err != nil {
		return fmt.Errorf("error encoding result: %w", err)
	}

	// trial failures never change the exit status, only an interruption does
	return runErr
}

// parseInts parses a comma-separated list of integers.
func parseInts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	vals := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("empty value in %q", s)
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", p, err)
		}
		vals = append(vals, v)
	}
	return vals, nil
}
