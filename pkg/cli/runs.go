package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/mchmarny/fedtools/pkg/ledger"
	"github.com/urfave/cli/v3"
)

const (
	failedFlagName  = "failed"
	limitFlagName   = "limit"
	sweepIDFlagName = "sweep"

	listLimitDefault = 100
)

var errNoLedger = errors.New("ledger disabled or unavailable")

func newRunsCmd() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Query the ledger of past trials, sweeps and aggregations",
		UsageText: `fedtools runs --failed          # trials that exited with an error
   fedtools runs --sweep 3         # trials of one sweep
   fedtools runs sweeps            # sweep summaries`,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  failedFlagName,
				Usage: "Only list failed trials",
			},
			&cli.IntFlag{
				Name:  sweepIDFlagName,
				Usage: "Only list trials of this sweep",
			},
			&cli.IntFlag{
				Name:  limitFlagName,
				Usage: "Limits number of results returned (also applies to subcommands)",
				Value: listLimitDefault,
			},
		},
		Action: cmdListTrials,
		Commands: []*cli.Command{
			{
				Name:   "sweeps",
				Usage:  "List sweep summaries",
				Action: cmdListSweeps,
			},
			{
				Name:    "aggregations",
				Aliases: []string{"agg"},
				Usage:   "List dataset aggregations",
				Action:  cmdListAggregations,
			},
			newResetCmd(),
		},
	}
}

func requireLedger(ctx context.Context, cmd *cli.Command) (*appConfig, *ledger.Store, error) {
	a := getConfig(cmd)
	store := a.openLedger(ctx)
	if store == nil {
		return nil, nil, errNoLedger
	}
	return a, store, nil
}

func cmdListTrials(ctx context.Context, cmd *cli.Command) error {
	a, store, err := requireLedger(ctx, cmd)
	if err != nil {
		return err
	}

	list, err := store.ListTrials(ctx, ledger.TrialFilter{
		SweepID: int64(cmd.Int(sweepIDFlagName)),
		Failed:  cmd.Bool(failedFlagName),
		Limit:   int(cmd.Int(limitFlagName)),
	})
	if err != nil {
		return fmt.Errorf("failed to list trials: %w", err)
	}

	if err := encode(a.Format, list); err != nil {
		return fmt.Errorf("error encoding result: %w", err)
	}
	return nil
}

func cmdListSweeps(ctx context.Context, cmd *cli.Command) error {
	a, store, err := requireLedger(ctx, cmd)
	if err != nil {
		return err
	}

	list, err := store.ListSweeps(ctx, int(cmd.Int(limitFlagName)))
	if err != nil {
		return fmt.Errorf("failed to list sweeps: %w", err)
	}

	if err := encode(a.Format, list); err != nil {
		return fmt.Errorf("error encoding result: %w", err)
	}
	return nil
}

func cmdListAggregations(ctx context.Context, cmd *cli.Command) error {
	a, store, err := requireLedger(ctx, cmd)
	if err != nil {
		return err
	}

	list, err := store.ListAggregations(ctx, int(cmd.Int(limitFlagName)))
	if err != nil {
		return fmt.Errorf("failed to list aggregations: %w", err)
	}

	if err := encode(a.Format, list); err != nil {
		return fmt.Errorf("error encoding result: %w", err)
	}
	return nil
}
