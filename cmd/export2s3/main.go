package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/export2s3/internal/config"
	"github.com/andresuchdata/export2s3/internal/domain"
	"github.com/andresuchdata/export2s3/pkg/logger"
)

const runDateLayout = "2006-01-02"

func newRunDateFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "run-date",
		Usage:   "Run date (YYYY-MM-DD) selecting the weekly target root, default today UTC",
		EnvVars: []string{"RUN_DATE"},
	}
}

func newForceFlag() *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:  "force",
		Usage: "Transfer even when the weekly target root already holds data",
	}
}

func newMaxWorkersFlag() *cli.IntFlag {
	return &cli.IntFlag{
		Name:    "max-workers",
		Usage:   "Maximum number of records transferred concurrently",
		EnvVars: []string{"MAX_WORKERS"},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "export2s3",
		Usage: "Export vulnerability data and load it into weekly object storage roots",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Optional config file (yaml, json or toml)",
				EnvVars: []string{config.ConfigFileEnv},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Override log.level",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: setup,
		After:  teardown,
		Commands: []*cli.Command{
			{
				Name:  "export",
				Usage: "Run the remote export and write the transfer descriptors",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Usage: "Descriptor file, - for stdout",
						Value: "-",
					},
				},
				Action: exportAction,
			},
			{
				Name:  "transfer",
				Usage: "Transfer the records of a descriptor file into the weekly target root",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "in",
						Usage: "Descriptor file, - for stdin",
						Value: "-",
					},
					newRunDateFlag(),
					newMaxWorkersFlag(),
					newForceFlag(),
				},
				Action: transferAction,
			},
			{
				Name:   "run",
				Usage:  "Export and transfer in one step",
				Flags:  []cli.Flag{newRunDateFlag(), newMaxWorkersFlag(), newForceFlag()},
				Action: runAction,
			},
			{
				Name:  "check",
				Usage: "Report whether the weekly target root already holds data",
				Flags: []cli.Flag{
					newRunDateFlag(),
					&cli.BoolFlag{
						Name:  "fail-if-loaded",
						Usage: "Exit with status 3 when the root is already loaded",
					},
				},
				Action: checkAction,
			},
			{
				Name:   "serve",
				Usage:  "Serve the read API over tracked runs and cached results",
				Action: serveAction,
			},
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		var exit cli.ExitCoder
		if errors.As(err, &exit) {
			os.Exit(exit.ExitCode())
		}
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		if rt, ok := app.Metadata[runtimeKey].(*runtime); ok {
			log = rt.log
		}
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitCode(err))
	}
}

// exitCode separates configuration mistakes from run failures.
func exitCode(err error) int {
	var cfgErr *domain.ConfigurationError
	if errors.As(err, &cfgErr) {
		return 2
	}
	return 1
}

func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if c.App.Metadata == nil {
		c.App.Metadata = map[string]interface{}{}
	}
	c.App.Metadata[runtimeKey] = &runtime{
		cfg: cfg,
		log: logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr),
	}
	return nil
}

func teardown(c *cli.Context) error {
	if rt, ok := c.App.Metadata[runtimeKey].(*runtime); ok {
		rt.close()
	}
	return nil
}
