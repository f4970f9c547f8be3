package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"identity-reconciliation/internal/app"
	"identity-reconciliation/internal/config"
	"identity-reconciliation/internal/logger"
	"identity-reconciliation/internal/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "identity-reconciliation: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	serve := &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP API",
		Action: runServe,
	}

	return &cli.Command{
		Name:    "identity-reconciliation",
		Usage:   "Consolidate customer contacts into identity clusters",
		Version: app.BuildVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
				Sources: cli.EnvVars("CONFIG_PATH"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if path := cmd.String("config"); path != "" {
				if err := os.Setenv("CONFIG_PATH", path); err != nil {
					return ctx, err
				}
			}
			return ctx, nil
		},
		Action: runServe,
		Commands: []*cli.Command{
			serve,
			{
				Name:   "migrate",
				Usage:  "Apply pending database migrations",
				Action: runMigrate,
			},
			{
				Name:  "resolve",
				Usage: "Resolve one observation and print the cluster summary as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Usage: "Observed email"},
					&cli.StringFlag{Name: "phone", Aliases: []string{"p"}, Usage: "Observed phone number"},
				},
				Action: runResolve,
			},
		},
	}
}

func runServe(ctx context.Context, _ *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)
	log.Info("starting application",
		slog.String("version", app.BuildVersion()),
		slog.String("driver", cfg.Database.Driver),
		slog.String("log_level", cfg.Log.Level),
	)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLogged(log, a.Close)

	return a.Serve(ctx)
}

func runMigrate(ctx context.Context, _ *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)

	applied, err := app.Migrate(ctx, cfg.Database)
	if err != nil {
		return err
	}
	log.Info("migrations applied", slog.Int("count", applied), slog.String("driver", cfg.Database.Driver))
	return nil
}

func runResolve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLogged(log, a.Close)

	email, phone := cmd.String("email"), cmd.String("phone")
	summary, err := a.Service.Resolve(ctx, models.NewObservation(&email, &phone))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(models.IdentifyResponse{Contact: *summary})
}

// closeLogged runs closeFn and logs any error.
func closeLogged(log *slog.Logger, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Error("close resources", slog.String("error", err.Error()))
	}
}
