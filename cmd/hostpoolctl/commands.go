package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/buildfleet/hostpool/pkg/hostpool"
	"github.com/buildfleet/hostpool/pkg/hostpool/hostpoolconf"
)

// exitError signals a non-zero exit code for a command that has already
// printed everything it needs to; main only has to propagate the code.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return "" }

// usageError signals a command-line argument problem (missing/invalid
// flag value), which main maps to exit code 2.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

// cliUsageMarkers are substrings urfave/cli (and the underlying flag
// package) use in the errors they return for a malformed invocation —
// unknown flag, missing required flag, missing argument. There's no
// sentinel error type for these, so matching the message is the only
// option.
var cliUsageMarkers = []string{
	"flag provided but not defined",
	"flag needs an argument",
	"required flag",
	"invalid value",
}

// isCLIUsageError reports whether err was produced by urfave/cli itself
// for a malformed invocation, which maps to the same exit code 2 as a
// usageError.
func isCLIUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range cliUsageMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// createCommands builds every hostpoolctl subcommand.
func createCommands() []*cli.Command {
	return []*cli.Command{
		createSlotsCommand(),
		createInspectCommand(),
		createLockCommand(),
		createUnlockCommand(),
	}
}

func createSlotsCommand() *cli.Command {
	return &cli.Command{
		Name:  "slots",
		Usage: "list available/occupied slots per host",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdSlots(ctx, cmd)
		},
	}
}

func createInspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "show the occupant of one host's slot",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Required: true, Usage: "hostname as it appears in the config"},
			&cli.IntFlag{Name: "slot", Required: true, Usage: "slot id"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdInspect(ctx, cmd)
		},
	}
}

func createLockCommand() *cli.Command {
	return &cli.Command{
		Name:  "lock",
		Usage: "acquire a lease for a pipelinerun",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prid", Required: true, Usage: "pipelinerun id to lock the slot for"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdLock(ctx, cmd)
		},
	}
}

func createUnlockCommand() *cli.Command {
	return &cli.Command{
		Name:  "unlock",
		Usage: "release a slot left locked by a dead client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Required: true, Usage: "hostname as it appears in the config"},
			&cli.IntFlag{Name: "slot", Required: true, Usage: "slot id"},
			&cli.StringFlag{Name: "prid", Required: true, Usage: "pipelinerun id currently holding the slot"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdUnlock(ctx, cmd)
		},
	}
}

func cmdSlots(ctx context.Context, cmd *cli.Command) error {
	logger, closeLogger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer closeLogger()

	pool, err := loadPool(cmd, logger)
	if err != nil {
		return err
	}

	for _, host := range pool.Hosts() {
		available, err := host.AvailableSlots(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", host.Hostname(), err)
			continue
		}
		occupied, err := host.OccupiedSlots(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", host.Hostname(), err)
			continue
		}
		fmt.Printf("%s: %d/%d available %v, occupied %v\n",
			host.Hostname(), len(available), host.Slots(), available, occupiedSlotIDs(occupied))
	}
	return nil
}

func cmdInspect(ctx context.Context, cmd *cli.Command) error {
	logger, closeLogger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer closeLogger()

	pool, err := loadPool(cmd, logger)
	if err != nil {
		return err
	}

	hostName := cmd.String("host")
	slotID := cmd.Int("slot")

	host := findHost(pool, hostName)
	if host == nil {
		return &usageError{msg: fmt.Sprintf("no host %q in platform %q", hostName, cmd.String("platform"))}
	}

	data, err := host.SlotInfo(ctx, int(slotID))
	if err != nil {
		return fmt.Errorf("inspect %s slot %d: %w", hostName, slotID, err)
	}
	if data.IsEmpty() {
		fmt.Printf("%s slot %d: free\n", hostName, slotID)
		return nil
	}
	if !data.IsValid() {
		fmt.Printf("%s slot %d: corrupted content: %q\n", hostName, slotID, data.Serialize())
		return nil
	}
	lockedAt, _ := data.Time()
	fmt.Printf("%s slot %d: locked by %s since %s (%s ago)\n",
		hostName, slotID, data.Prid, lockedAt.Format(time.RFC3339), time.Since(lockedAt).Round(time.Second))
	return nil
}

func cmdLock(ctx context.Context, cmd *cli.Command) error {
	logger, closeLogger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer closeLogger()

	pool, err := loadPool(cmd, logger)
	if err != nil {
		return err
	}

	prid := cmd.String("prid")
	lease, err := pool.LockResource(ctx, prid)
	if err != nil {
		return err
	}
	if lease == nil {
		fmt.Fprintf(os.Stderr, "no slot available for %s\n", prid)
		return &exitError{code: 1}
	}
	fmt.Printf("host=%s slot=%d prid=%s\n", lease.Host().Hostname(), lease.Slot(), lease.Prid())
	return nil
}

func cmdUnlock(ctx context.Context, cmd *cli.Command) error {
	logger, closeLogger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer closeLogger()

	pool, err := loadPool(cmd, logger)
	if err != nil {
		return err
	}

	hostName := cmd.String("host")
	host := findHost(pool, hostName)
	if host == nil {
		return &usageError{msg: fmt.Sprintf("no host %q in platform %q", hostName, cmd.String("platform"))}
	}

	slotID := cmd.Int("slot")
	prid := cmd.String("prid")
	if !host.Unlock(ctx, int(slotID), prid) {
		fmt.Fprintf(os.Stderr, "could not unlock %s slot %d for %s\n", hostName, slotID, prid)
		return &exitError{code: 1}
	}
	fmt.Printf("unlocked host=%s slot=%d prid=%s\n", hostName, slotID, prid)
	return nil
}

func findHost(pool *hostpool.RemoteHostsPool, name string) *hostpool.RemoteHost {
	for _, h := range pool.Hosts() {
		if h.Hostname() == name {
			return h
		}
	}
	return nil
}

func occupiedSlotIDs(occupied map[int]struct{}) []int {
	ids := make([]int, 0, len(occupied))
	for id := range occupied {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func loadPool(cmd *cli.Command, logger *slog.Logger) (*hostpool.RemoteHostsPool, error) {
	configPath := cmd.String("config")
	platform := cmd.String("platform")

	doc, err := hostpoolconf.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	pool, err := hostpoolconf.BuildPool(doc, platform, hostpool.WithPoolLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("build pool for platform %s: %w", platform, err)
	}
	return pool, nil
}
