// Package bootstrap wires the supervisor and the file watcher together and
// drives the process from initial config load through to a clean shutdown.
// It is the component the spec calls Bootstrap (C6): load config once,
// start the fleet, watch the config file for changes, and wait for a
// process-level termination signal before stopping everything.
//
// The sequencing here mirrors the teacher framework's own Serve: read a
// config file from a single path argument, build the runtime state from
// it, and register a RegisterOnShutdown-style hook — except the fleet has
// many listeners instead of one, so "the hook" is the supervisor's StopAll
// rather than a single *http.Server.Shutdown.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/fswatch"
	"github.com/fleetd/fleetd/internal/logging"
	"github.com/fleetd/fleetd/internal/supervisor"
)

// InitError is returned when the initial configuration cannot be read or
// parsed. The caller (cmd/fleetd) maps this to exit code 1.
type InitError struct {
	Cause error
}

func (e *InitError) Error() string { return fmt.Sprintf("bootstrap: %v", e.Cause) }
func (e *InitError) Unwrap() error { return e.Cause }

// App holds the long-lived collaborators a running fleet needs: the
// supervisor and the watcher. Run blocks until ctx is canceled (typically
// by a signal handler installed by the caller), then stops the fleet and
// returns.
type App struct {
	Logger     *logging.Logger
	Supervisor *supervisor.Supervisor
	Watcher    *fswatch.Watcher
}

// New reads and parses the config file at path, fatally failing (as an
// *InitError) on any read or parse error, and returns an App whose
// Supervisor and Watcher have not yet been started.
func New(path string, logger *logging.Logger) (*App, *config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, &InitError{Cause: err}
	}

	watcher, err := fswatch.New(logger)
	if err != nil {
		return nil, nil, &InitError{Cause: err}
	}

	app := &App{
		Logger:     logger,
		Supervisor: supervisor.New(logger),
		Watcher:    watcher,
	}

	return app, cfg, nil
}

// Run starts the supervisor and watcher mailbox loops, starts the initial
// fleet from cfg, subscribes the supervisor to changes at configPath, and
// blocks until ctx is canceled. On cancellation it asks the supervisor to
// stop every live listener and, once that completes, stops the watcher and
// returns.
func (a *App) Run(ctx context.Context, configPath string, cfg *config.Config) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.Supervisor.Run(runCtx)
	go a.Watcher.Run(runCtx)

	if err := a.Supervisor.Start(ctx, cfg.Servers); err != nil {
		return fmt.Errorf("bootstrap: initial Start failed: %w", err)
	}

	if err := a.Watcher.WatchPath(ctx, configPath, a.Supervisor); err != nil {
		a.Logger.Errorf("bootstrap: failed to watch %q: %v", configPath, err)
	}

	<-ctx.Done()

	a.Logger.Info("bootstrap: shutting down")
	a.Supervisor.StopAll(context.Background())

	return nil
}
