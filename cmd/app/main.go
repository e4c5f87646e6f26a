// Package main provides the entry point for the application with CLI commands.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/openmint/mintwatch/cmd/app/commands"
)

const version = "1.0.0"

func main() {
	cmd := &cli.Command{
		Name:    "mintwatch",
		Usage:   "NFT sale alert pipeline",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "worker",
				Usage: "Run the sale poller with the status and metrics servers",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunWorker(ctx, version)
				},
			},
			{
				Name:  "migrate",
				Usage: "Run database migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunMigrations()
				},
			},
			{
				Name:  "bootstrap",
				Usage: "Seed the store with the feed's current sales as seen history",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunBootstrap(ctx)
				},
			},
			{
				Name:  "prune-sales",
				Usage: "Delete terminal sales older than the retention window",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunPruneSales(ctx)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.Any("error", err))
		os.Exit(1)
	}
}
