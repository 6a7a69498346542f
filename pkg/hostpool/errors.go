package hostpool

import (
	"errors"
	"fmt"
)

// Kind classifies a hostpool error the way spec §7 does, with read and
// write failures as separate kinds: five kinds, all derived from the same base so callers can dispatch on Kind without
// caring which layer produced the error.
type Kind int

const (
	// KindHostUnreachable covers SSH connect/exec failures that survived
	// the retry budget — logged at warning, never fatal to the pool.
	KindHostUnreachable Kind = iota
	// KindLockContended covers flock reporting exit code 42 — another
	// client legitimately holds the slot lock.
	KindLockContended
	// KindReadError covers a failed slot-file read.
	KindReadError
	// KindWriteError covers a failed slot-file write.
	KindWriteError
	// KindInvalidArgument covers an out-of-range slot id or a malformed
	// config — never retried, always logged and reported as a negative
	// result rather than raised through the retry machinery.
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindHostUnreachable:
		return "host_unreachable"
	case KindLockContended:
		return "lock_contended"
	case KindReadError:
		return "read_error"
	case KindWriteError:
		return "write_error"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// Error is the base error type for every failure pkg/hostpool produces.
type Error struct {
	Kind Kind
	Host string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s: %s: %v", e.Host, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable implements xretry.RetryableError. Only KindInvalidArgument is
// permanently non-retryable; the other four kinds are retried by the
// layer that owns the corresponding retry budget (session-level for
// KindHostUnreachable, lock()/unlock()-level for the rest).
func (e *Error) Retryable() bool {
	return e.Kind != KindInvalidArgument
}

func newError(kind Kind, host, op string, err error) *Error {
	return &Error{Kind: kind, Host: host, Op: op, Err: err}
}

// Sentinel errors for conditions that do not carry host/op context.
var (
	// ErrEmptyPrid is returned when a caller supplies an empty prid.
	ErrEmptyPrid = errors.New("hostpool: prid must not be empty")
	// ErrPridContainsAt is returned when a prid contains "@", which would
	// make the wire format ambiguous.
	ErrPridContainsAt = errors.New(`hostpool: prid must not contain "@"`)
	// ErrNilSession is returned when an operation that requires an open
	// SSH session is given a nil one.
	ErrNilSession = errors.New("hostpool: session must not be nil")
	// ErrNilContext is returned when a nil context.Context is passed to an
	// operation that requires one.
	ErrNilContext = errors.New("hostpool: context must not be nil")
	// ErrNoHosts is returned by RemoteHostsPool.LockResource when the pool
	// has no hosts configured at all (distinct from "no capacity now").
	ErrNoHosts = errors.New("hostpool: pool has no hosts configured")
)

// Config-loading errors (hostpoolconf), re-exported here so callers can
// errors.Is against a single package.
var (
	// ErrConfigMissingSlotsDir is returned when the config omits slots_dir.
	ErrConfigMissingSlotsDir = errors.New("hostpool: slots_dir is missing from remote hosts config")
	// ErrConfigMissingPlatform is returned when the requested platform has
	// no entries in config.pools.
	ErrConfigMissingPlatform = errors.New("hostpool: no remote hosts found in config for platform")
)
