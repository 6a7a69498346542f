// hostpoolctl is a command-line client for the remote build-host slot
// pool.
//
// Usage:
//
//	hostpoolctl [global options] <command> [command args]
//
// Global options:
//
//	-c, --config     path to the pool config YAML (required)
//	-p, --platform   pool platform to operate on, e.g. x86_64 (required)
//	    --log-file   rotate structured logs to this file instead of stderr
//
// Commands:
//
//	slots     list available/occupied slots per host
//	inspect   show the occupant of one host's slot
//	lock      acquire a lease for a pipelinerun, printing host/slot
//	unlock    release a slot a dead client left locked
//	help      show help
//
// Exit codes:
//
//	0: command succeeded (lock: a lease was acquired)
//	1: command failed, or lock/unlock found no result to report
//	2: argument error (missing flag, unknown host, unknown command)
//
// Examples:
//
//	hostpoolctl -c pools.yaml -p x86_64 slots
//	hostpoolctl -c pools.yaml -p x86_64 inspect --host build-01 --slot 2
//	hostpoolctl -c pools.yaml -p x86_64 lock --prid pr-1234
//	hostpoolctl -c pools.yaml -p x86_64 unlock --host build-01 --slot 2 --prid pr-1234
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/buildfleet/hostpool/pkg/observability/xrotate"
)

// Version, GitCommit and BuildTime are injectable via -ldflags, e.g.
//
//	go build -ldflags "-X main.Version=1.0.0 -X main.GitCommit=$(git rev-parse --short HEAD) -X main.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

// createApp builds the CLI application.
func createApp() *cli.Command {
	return &cli.Command{
		Name:    "hostpoolctl",
		Usage:   "inspect and operate the remote build-host slot pool",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the pool config YAML",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "platform",
				Aliases:  []string{"p"},
				Usage:    "pool platform to operate on",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "rotate structured logs to this file instead of stderr",
			},
		},
		Commands:       createCommands(),
		DefaultCommand: "help",
		Authors: []any{
			"buildfleet",
		},
		// urfave/cli is not allowed to call os.Exit directly: run()
		// owns the exit-code mapping so it stays testable and consistent
		// with the documented contract.
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
		Description: `hostpoolctl drives the advisory SSH+flock slot pool directly,
for operational tasks the pool's own clients don't need: auditing slot
occupancy, inspecting one slot's owner and lock age, and manually
releasing a slot left locked by a client that died without unlocking.

Commands:
  slots                          list available/occupied slots per host
  inspect --host h --slot n      show the occupant of one slot
  lock --prid id                 acquire a lease, print host and slot
  unlock --host h --slot n --prid id
                                  release a slot held by prid`,
	}
}

// newLogger builds the application logger, rotating to a file via
// xrotate when --log-file is set, otherwise writing to stderr.
func newLogger(cmd *cli.Command) (*slog.Logger, func(), error) {
	logFile := cmd.String("log-file")
	if logFile == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil)), func() {}, nil
	}
	rotator, err := xrotate.NewLumberjack(logFile)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(rotator, nil))
	return logger, func() { _ = rotator.Close() }, nil
}

func run() int {
	app := createApp()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setupSignalHandler(ctx, cancel)

	if err := app.Run(ctx, os.Args); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "argument error: %v\n", usageErr)
			return 2
		}
		// Errors produced by the CLI framework itself (unknown flag,
		// unknown command) also map to exit code 2, matching the
		// documented contract.
		if isCLIUsageError(err) {
			return 2
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	return 0
}

// setupSignalHandler cancels ctx on the first SIGINT/SIGTERM so
// in-flight SSH operations unwind cleanly, and force-exits on a second
// signal so an unresponsive command can still be killed.
func setupSignalHandler(_ context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()

		<-sigCh
		signal.Stop(sigCh)
		os.Exit(130)
	}()
}
