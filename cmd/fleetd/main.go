// Command fleetd runs a dynamic, configuration-driven fleet of HTTP
// servers. It takes exactly one positional argument, the path to a YAML
// configuration file, loads it once, starts the fleet it describes, and
// then watches the file for changes, reconciling the live fleet against
// each new version until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetd/fleetd/internal/bootstrap"
	"github.com/fleetd/fleetd/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := logging.New(os.Stdout, logging.LevelInfo)

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", os.Args[0])
		return 1
	}
	configPath := os.Args[1]

	app, cfg, err := bootstrap.New(configPath, logger)
	if err != nil {
		logger.Errorf("fleetd: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, configPath, cfg); err != nil {
		logger.Errorf("fleetd: %v", err)
		return 2
	}

	return 0
}
