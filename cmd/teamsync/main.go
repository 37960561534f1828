package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"teamsync/internal/app"
	"teamsync/internal/clock"
	"teamsync/internal/config"
)

const usageText = `teamsync keeps team and weekly schedule subscriptions in sync with the selected team.

Usage:
  teamsync --config-file teamsync.toml
  teamsync --config-dir /etc/teamsync/conf.d

The control plane listens on [http].listen (selection, week, favorites, join, availability).

Flags:
`

// main starts the teamsync runtime using file or directory config source.
// Params: CLI flags (--config-file or --config-dir).
// Returns: exit 2 on bad flags, 1 on init/run failure.
func main() {
	var (
		configFile = flag.String("config-file", "", "TOML config file (service, backend.nats, subscriptions, ui)")
		configDir  = flag.String("config-dir", "", "directory with TOML fragments merged in name order")
	)
	flag.Usage = func() {
		_, _ = fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "teamsync:", err.Error())
		flag.Usage()
		os.Exit(2)
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "teamsync: init failed:", err.Error())
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "teamsync: run failed:", err.Error())
		os.Exit(1)
	}
}
