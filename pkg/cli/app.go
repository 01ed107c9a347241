package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mchmarny/fedtools/pkg/config"
	"github.com/mchmarny/fedtools/pkg/ledger"
	"github.com/mchmarny/fedtools/pkg/logging"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	appName      = "fedtools"
	dirMode      = 0700
	appConfigKey = "app-config"

	formatJSON = "json"
	formatYAML = "yaml"

	debugFlagName    = "debug"
	logLevelFlagName = "log-level"
	configFlagName   = "config"
	dbFlagName       = "db"
	noLedgerFlagName = "no-ledger"
	formatFlagName   = "format"
)

var (
	version = "v0.0.1-default"
	commit  = ""
	date    = ""

	// out receives command results.
	out io.Writer = os.Stdout
)

// Execute creates and runs the CLI application.
func Execute() {
	logging.SetDefaultCLILogger("info")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		stop()
		os.Exit(1)
	}
}

type appConfig struct {
	ConfigPath string
	DSN        string
	Format     string

	cfg   *config.Config
	store *ledger.Store
}

// loadConfig loads the config file on first use.
func (a *appConfig) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	c, err := config.Load(a.ConfigPath)
	if err != nil {
		return nil, err
	}
	a.cfg = c
	return c, nil
}

// openLedger opens the run ledger on first use. It returns nil when the ledger
// is disabled or cannot be opened; recording is best effort.
func (a *appConfig) openLedger(ctx context.Context) *ledger.Store {
	if a.store != nil || a.DSN == "" {
		return a.store
	}
	s, err := ledger.Open(ctx, a.DSN)
	if err != nil {
		slog.Warn("ledger unavailable, results will not be recorded", "dsn", ledger.Redact(a.DSN), "error", err)
		a.DSN = ""
		return nil
	}
	a.store = s
	return s
}

func (a *appConfig) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Debug("error closing ledger", "error", err)
		}
		a.store = nil
	}
}

func getConfig(cmd *cli.Command) *appConfig {
	return cmd.Root().Metadata[appConfigKey].(*appConfig)
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  appName,
		Version:               fmt.Sprintf("%s (%s - %s)", version, commit, date),
		Usage:                 "Federated learning experiment utilities: validation set assembly and parameter sweeps",
		EnableShellCompletion: true,
		HideHelpCommand:       true,
		Metadata:              map[string]any{},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  debugFlagName,
				Usage: "Prints verbose logs (optional, default: false)",
			},
			&cli.StringFlag{
				Name:  logLevelFlagName,
				Usage: "Log level [debug, info, warn, error]",
				Value: "info",
			},
			&cli.StringFlag{
				Name:    configFlagName,
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file, defaults are used when it does not exist",
				Value:   config.DefaultFileName,
			},
			&cli.StringFlag{
				Name:  dbFlagName,
				Usage: fmt.Sprintf("Ledger sqlite file or postgres:// URL (default: $HOME/.%s/%s)", appName, ledger.DataFileName),
			},
			&cli.BoolFlag{
				Name:  noLedgerFlagName,
				Usage: "Do not record results in the ledger",
			},
			&cli.StringFlag{
				Name:  formatFlagName,
				Usage: "Output format [json, yaml]",
				Value: formatJSON,
			},
		},
		Commands: []*cli.Command{
			newAggregateCmd(),
			newSweepCmd(),
			newRunsCmd(),
			newConfigCmd(),
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := cmd.String(logLevelFlagName)
			if cmd.Bool(debugFlagName) {
				level = "debug"
			}
			logging.SetDefaultCLILogger(level)

			a := &appConfig{
				ConfigPath: cmd.String(configFlagName),
				Format:     formatJSON,
			}

			switch f := cmd.String(formatFlagName); f {
			case formatJSON:
			case formatYAML, "yml":
				a.Format = formatYAML
			default:
				return ctx, fmt.Errorf("unsupported output format: %s", f)
			}

			if !cmd.Bool(noLedgerFlagName) {
				a.DSN = cmd.String(dbFlagName)
				if a.DSN == "" {
					a.DSN = filepath.Join(getHomeDir(), ledger.DataFileName)
				}
			}

			cmd.Metadata[appConfigKey] = a
			return ctx, nil
		},
		After: func(_ context.Context, cmd *cli.Command) error {
			if a, ok := cmd.Metadata[appConfigKey].(*appConfig); ok {
				a.close()
			}
			return nil
		},
	}
}

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Debug("error getting home dir, using current dir instead", "error", err)
		return "."
	}

	dirPath := filepath.Join(home, "."+appName)
	if _, err := os.Stat(dirPath); errors.Is(err, os.ErrNotExist) {
		slog.Debug("creating dir", "path", dirPath)
		if err := os.Mkdir(dirPath, dirMode); err != nil {
			slog.Debug("error creating dir", "path", dirPath, "home", home, "error", err)
			return home
		}
	}
	return dirPath
}

func encode(format string, v any) error {
	if format == formatYAML {
		e := yaml.NewEncoder(out)
		defer e.Close()
		return e.Encode(v)
	}
	e := json.NewEncoder(out)
	e.SetIndent("", "  ")
	return e.Encode(v)
}
