package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mchmarny/fedtools/pkg/ledger"
	"github.com/urfave/cli/v3"
)

const yesFlagName = "yes"

// in is read for interactive confirmations.
var in io.Reader = os.Stdin

func newResetCmd() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Delete all recorded runs and start fresh",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    yesFlagName,
				Aliases: []string{"y"},
				Usage:   "Do not ask for confirmation",
			},
		},
		Action: cmdReset,
	}
}

func cmdReset(ctx context.Context, cmd *cli.Command) error {
	a, store, err := requireLedger(ctx, cmd)
	if err != nil {
		return err
	}

	if !cmd.Bool(yesFlagName) {
		fmt.Fprintf(out, "This will permanently delete all runs recorded in %s\n", ledger.Redact(a.DSN))
		fmt.Fprint(out, "Are you sure? [y/N]: ")

		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && answer == "" {
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if err := store.Reset(ctx); err != nil {
		return fmt.Errorf("resetting ledger: %w", err)
	}

	slog.Info("ledger reset", "dsn", ledger.Redact(a.DSN))
	fmt.Fprintln(out, "Reset complete.")
	return nil
}
