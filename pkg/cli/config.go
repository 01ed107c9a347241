package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mchmarny/fedtools/pkg/config"
	"github.com/urfave/cli/v3"
)

const forceFlagName = "force"

func newConfigCmd() *cli.Command {
	return &cli.Command{
		Name:            "config",
		Usage:           "Manage the YAML config file",
		HideHelpCommand: true,
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write the default config to the --config path",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  forceFlagName,
						Usage: "Overwrite an existing file",
					},
				},
				Action: cmdConfigInit,
			},
			{
				Name:   "show",
				Usage:  "Print the effective config",
				Action: cmdConfigShow,
			},
		},
	}
}

func cmdConfigInit(_ context.Context, cmd *cli.Command) error {
	a := getConfig(cmd)
	if err := config.Save(a.ConfigPath, config.Default(), cmd.Bool(forceFlagName)); err != nil {
		return err
	}
	slog.Info("config written", "path", a.ConfigPath)
	return nil
}

func cmdConfigShow(_ context.Context, cmd *cli.Command) error {
	a := getConfig(cmd)
	c, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := encode(formatYAML, c); err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	return nil
}
