package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mchmarny/fedtools/pkg/dataset"
	"github.com/mchmarny/fedtools/pkg/ledger"
	"github.com/urfave/cli/v3"
)

const (
	patternFlagName      = "pattern"
	inputsFlagName       = "inputs"
	labelsOutputFlagName = "labels-output"
	workersFlagName      = "workers"
)

func newAggregateCmd() *cli.Command {
	return &cli.Command{
		Name:    "aggregate",
		Aliases: []string{"agg"},
		Usage:   "Stack per-class .npy samples into a validation inputs/labels pair",
		UsageText: `fedtools aggregate                                   # data/*/*/*.npy -> val-inputs.npy, val-labels.npy
   fedtools aggregate --pattern 'recordings/*/*/*.npy'  # custom sample location`,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  patternFlagName,
				Usage: "Glob matching the sample files (overrides config)",
			},
			&cli.StringFlag{
				Name:  inputsFlagName,
				Usage: "Output path of the stacked feature matrix (overrides config)",
			},
			&cli.StringFlag{
				Name:  labelsOutputFlagName,
				Usage: "Output path of the label vector (overrides config)",
			},
			&cli.IntFlag{
				Name:  workersFlagName,
				Usage: "Number of files loaded concurrently, 0 uses all CPUs (overrides config)",
			},
		},
		Action: cmdAggregate,
	}
}

func cmdAggregate(ctx context.Context, cmd *cli.Command) error {
	a := getConfig(cmd)
	c, err := a.loadConfig()
	if err != nil {
		return err
	}

	dc := c.DatasetConfig()
	if v := cmd.String(patternFlagName); v != "" {
		dc.Pattern = v
	}
	if v := cmd.String(inputsFlagName); v != "" {
		dc.InputsPath = v
	}
	if v := cmd.String(labelsOutputFlagName); v != "" {
		dc.LabelsPath = v
	}
	if cmd.IsSet(workersFlagName) {
		dc.Workers = int(cmd.Int(workersFlagName))
	}

	res, err := dataset.Aggregate(ctx, dc)
	if err != nil {
		return fmt.Errorf("aggregating %s: %w", dc.Pattern, err)
	}

	if store := a.openLedger(ctx); store != nil {
		rec := &ledger.Aggregation{
			Pattern:    res.Pattern,
			Files:      res.Files,
			Rows:       res.Rows,
			Width:      res.Width,
			InputsPath: res.InputsPath,
			LabelsPath: res.LabelsPath,
			Misaligned: res.Misaligned,
		}
		if err := store.SaveAggregation(ctx, rec); err != nil {
			slog.Error("failed to record aggregation", "error", err)
		}
	}

	if err := encode(a.Format, res); err != nil {
		return fmt.Errorf("error encoding result: %w", err)
	}
	return nil
}
