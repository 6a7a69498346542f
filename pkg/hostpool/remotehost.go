package hostpool

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	xlog "github.com/buildfleet/hostpool/internal/xlog"
	"github.com/buildfleet/hostpool/pkg/observability/xmetrics"
	"github.com/buildfleet/hostpool/pkg/resilience/xbreaker"
	"github.com/buildfleet/hostpool/pkg/resilience/xretry"
)

// slotsRelativePath is where slot files live under a host's home
// directory when no slots_dir is configured explicitly.
const slotsRelativePath = "osbs_slots"

// rpmQueryCmd mirrors rpm -qa --qf "<name>-<version>-<release>.<arch>\n",
// the inventory query atomic-reactor runs against a build host before
// scheduling work on it.
const rpmQueryCmd = `rpm -qa --qf '%{NAME}-%{VERSION}-%{RELEASE}.%{ARCH}\n'`

// RemoteHost owns one build host's identity and slot count, and drives
// the two-session flock protocol that implements advisory locking over
// SSH (original_source/atomic_reactor/utils/remote_host.py:RemoteHost).
type RemoteHost struct {
	hostname   string
	username   string
	sshKeyfile string
	slots      int
	socketPath string

	dialer      Dialer
	breaker     *xbreaker.Breaker
	lockRetryer *xretry.Retryer
	logger      *slog.Logger
	observer    xmetrics.Observer

	slotsDirConfigured string
	slotsDirMu         sync.Mutex
	slotsDirResolved   string
}

// NewRemoteHost constructs a RemoteHost. slotsDir may be empty, in which
// case it is derived lazily as "<home>/osbs_slots" on first use.
func NewRemoteHost(hostname, username, sshKeyfile string, slots int, socketPath, slotsDir string, opts ...RemoteHostOption) *RemoteHost {
	h := &RemoteHost{
		hostname:           hostname,
		username:           username,
		sshKeyfile:         sshKeyfile,
		slots:              slots,
		socketPath:         socketPath,
		dialer:             DefaultDialer,
		logger:             slog.Default(),
		observer:           xmetrics.NoopObserver{},
		slotsDirConfigured: slotsDir,
	}
	h.breaker = defaultBreaker(hostname)
	h.lockRetryer = defaultLockRetryer()
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hostname returns the host's SSH hostname.
func (h *RemoteHost) Hostname() string { return h.hostname }

// Username returns the SSH username used to connect.
func (h *RemoteHost) Username() string { return h.username }

// SSHKeyfile returns the path to the SSH private key used to connect.
func (h *RemoteHost) SSHKeyfile() string { return h.sshKeyfile }

// Slots returns the number of slots this host exposes.
func (h *RemoteHost) Slots() int { return h.slots }

// SocketPath returns the path to the podman socket on this host.
func (h *RemoteHost) SocketPath() string { return h.socketPath }

// openSession dials a new retrying SSH session, guarded by this host's
// circuit breaker. The breaker counts Connect failures only — a long
// outage trips it so subsequent calls fail fast instead of burning the
// session-level retry budget on a host that is known to be down.
func (h *RemoteHost) openSession(ctx context.Context) (*Session, error) {
	sess := NewSession(h.hostname, h.username, h.sshKeyfile, h.dialer)
	err := h.breaker.Do(ctx, func() error {
		return sess.Connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// withSession opens a session, runs fn, and always closes the session
// afterward.
func (h *RemoteHost) withSession(ctx context.Context, fn func(*Session) error) error {
	sess, err := h.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(sess)
}

// SlotsDir returns the directory slot files live under, resolving and
// memoizing it on first successful call
// (original_source/atomic_reactor/utils/remote_host.py:193-200's
// cached_property). Only a successful resolution is cached: a
// transient SSH failure while running "pwd" must not wedge the host
// out of rotation for the process lifetime, so a failed attempt
// leaves the cache empty and is retried on the next call.
func (h *RemoteHost) SlotsDir(ctx context.Context) (string, error) {
	h.slotsDirMu.Lock()
	defer h.slotsDirMu.Unlock()

	if h.slotsDirResolved != "" {
		return h.slotsDirResolved, nil
	}
	if h.slotsDirConfigured != "" {
		h.slotsDirResolved = h.slotsDirConfigured
		return h.slotsDirResolved, nil
	}

	var resolved string
	err := h.withSession(ctx, func(sess *Session) error {
		stdout, _, _, runErr := sess.Run(ctx, "pwd")
		if runErr != nil {
			return runErr
		}
		resolved = path.Join(strings.TrimSpace(stdout), slotsRelativePath)
		return nil
	})
	if err != nil {
		return "", err
	}
	h.slotsDirResolved = resolved
	return h.slotsDirResolved, nil
}

func (h *RemoteHost) slotPath(ctx context.Context, slotID int) (string, error) {
	dir, err := h.SlotsDir(ctx)
	if err != nil {
		return "", err
	}
	return path.Join(dir, fmt.Sprintf("slot_%d", slotID)), nil
}

func (h *RemoteHost) slotLockPath(ctx context.Context, slotID int) (string, error) {
	dir, err := h.SlotsDir(ctx)
	if err != nil {
		return "", err
	}
	return path.Join(dir, fmt.Sprintf("slot_%d.lock", slotID)), nil
}

// isValidSlotID reports whether slotID is in [0, h.slots), logging the
// valid range at error level when it is not (original_source
// RemoteHost._is_valid_slot_id).
func (h *RemoteHost) isValidSlotID(slotID int) bool {
	if slotID < 0 || slotID >= h.slots {
		h.logger.Error(fmt.Sprintf("%s: invalid slot id %d, should be in: %s", h.hostname, slotID, validSlotRange(h.slots)),
			xlog.Host(h.hostname), xlog.Slot(slotID))
		return false
	}
	return true
}

func validSlotRange(slots int) string {
	ids := make([]string, slots)
	for i := 0; i < slots; i++ {
		ids[i] = fmt.Sprintf("%d", i)
	}
	return "[" + strings.Join(ids, ", ") + "]"
}

// IsOperational prepares the slots directory on the host and reports
// whether the host is usable. Errors opening a session or a non-zero
// mkdir are both treated as "not operational" rather than propagated,
// matching the original's broad except clause.
func (h *RemoteHost) IsOperational(ctx context.Context) bool {
	dir, err := h.SlotsDir(ctx)
	if err != nil {
		h.logger.Error(fmt.Sprintf("%s: host is not operational: %s", h.hostname, err), xlog.Host(h.hostname), xlog.Err(err))
		return false
	}
	var stderr string
	var code int
	err = h.withSession(ctx, func(sess *Session) error {
		var runErr error
		_, stderr, code, runErr = sess.Run(ctx, fmt.Sprintf("mkdir -p %s", quoteShellArg(dir)))
		return runErr
	})
	if err != nil {
		h.logger.Error(fmt.Sprintf("%s: host is not operational: %s", h.hostname, err), xlog.Host(h.hostname), xlog.Err(err))
		return false
	}
	if code != 0 {
		h.logger.Error(fmt.Sprintf("%s: cannot prepare slots directory:\n%s", h.hostname, stderr), xlog.Host(h.hostname))
		return false
	}
	return true
}

// RpmsInstalled returns the host's installed RPM inventory, or "" if it
// could not be retrieved (logged at info, never fatal — spec §5).
func (h *RemoteHost) RpmsInstalled(ctx context.Context) string {
	var rpms string
	err := h.withSession(ctx, func(sess *Session) error {
		stdout, _, _, runErr := sess.Run(ctx, rpmQueryCmd)
		rpms = stdout
		return runErr
	})
	if err != nil {
		h.logger.Info(fmt.Sprintf("can't get rpms from host: %s : %s", h.hostname, err), xlog.Host(h.hostname), xlog.Err(err))
		return ""
	}
	return rpms
}

// isFree reports whether slotID can be taken, using an already-open
// session: its payload is empty or corrupted (not valid). An invalid slot
// id is treated as not free.
func (h *RemoteHost) isFree(ctx context.Context, slotID int, sess *Session) (bool, error) {
	if !h.isValidSlotID(slotID) {
		return false, nil
	}
	slotFilePath, err := h.slotPath(ctx, slotID)
	if err != nil {
		return false, err
	}
	slot := newHostSlot(h.hostname, sess, slotID, slotFilePath, "", h.logger)
	data, err := slot.Data(ctx)
	if err != nil {
		return false, err
	}
	return data.IsEmpty() || !data.IsValid(), nil
}

// PridInSlot returns the prid parsed from slotID's payload, or "" if the
// slot is free or the slot id is out of range. The payload is not
// validated: a corrupted payload yields whatever precedes its first "@".
func (h *RemoteHost) PridInSlot(ctx context.Context, slotID int) (string, error) {
	if !h.isValidSlotID(slotID) {
		return "", nil
	}
	var prid string
	err := h.withSession(ctx, func(sess *Session) error {
		p, err := h.slotPath(ctx, slotID)
		if err != nil {
			return err
		}
		slot := newHostSlot(h.hostname, sess, slotID, p, "", h.logger)
		data, err := slot.Data(ctx)
		if err != nil {
			return err
		}
		prid = data.Prid
		return nil
	})
	return prid, err
}

// SlotInfo returns the parsed contents of slotID: the occupying prid (if
// any) and the timestamp it was locked at. Used by the janitor-facing
// inspect tooling, where PridInSlot's bare string isn't enough to judge
// whether a lock looks stale.
func (h *RemoteHost) SlotInfo(ctx context.Context, slotID int) (SlotData, error) {
	if !h.isValidSlotID(slotID) {
		return SlotData{}, newError(KindInvalidArgument, h.hostname, fmt.Sprintf("invalid slot id %d", slotID), nil)
	}
	var data SlotData
	err := h.withSession(ctx, func(sess *Session) error {
		p, err := h.slotPath(ctx, slotID)
		if err != nil {
			return err
		}
		slot := newHostSlot(h.hostname, sess, slotID, p, "", h.logger)
		data, err = slot.Data(ctx)
		return err
	})
	return data, err
}

// AvailableSlots returns the ids of every free or corrupted slot on the
// host.
func (h *RemoteHost) AvailableSlots(ctx context.Context) ([]int, error) {
	var available []int
	err := h.withSession(ctx, func(sess *Session) error {
		for slotID := 0; slotID < h.slots; slotID++ {
			free, err := h.isFree(ctx, slotID, sess)
			if err != nil {
				return err
			}
			if !free {
				continue
			}
			available = append(available, slotID)
		}
		return nil
	})
	return available, err
}

// OccupiedSlots returns the ids of every slot not currently free.
func (h *RemoteHost) OccupiedSlots(ctx context.Context) (map[int]struct{}, error) {
	available, err := h.AvailableSlots(ctx)
	if err != nil {
		return nil, err
	}
	free := make(map[int]struct{}, len(available))
	for _, id := range available {
		free[id] = struct{}{}
	}
	occupied := make(map[int]struct{})
	for slotID := 0; slotID < h.slots; slotID++ {
		if _, ok := free[slotID]; !ok {
			occupied[slotID] = struct{}{}
		}
	}
	return occupied, nil
}

// lockedSlotFunc runs fn against a HostSlot while a second SSH session
// holds the slot's flock lock, implementing the two-session protocol
// (original_source RemoteHost._locked_slot / _get_blocking_session_with_locked_slot,
// spec §4.4).
func (h *RemoteHost) lockedSlotFunc(ctx context.Context, slotID int, fn func(*HostSlot) (bool, error)) (bool, error) {
	workSess, err := h.openSession(ctx)
	if err != nil {
		return false, newError(KindHostUnreachable, h.hostname, "open work session", err)
	}
	defer workSess.Close()

	lockSess, err := h.openSession(ctx)
	if err != nil {
		return false, newError(KindHostUnreachable, h.hostname, "open lock session", err)
	}
	defer lockSess.Close()

	lockPath, err := h.slotLockPath(ctx, slotID)
	if err != nil {
		return false, err
	}
	slotPath, err := h.slotPath(ctx, slotID)
	if err != nil {
		return false, err
	}

	cmd := fmt.Sprintf("flock --conflict-exit-code 42 --nonblocking %s cat", quoteShellArg(lockPath))
	h.logger.Info(fmt.Sprintf("%s: acquiring lock on slot %d", h.hostname, slotID), xlog.Host(h.hostname), xlog.Slot(slotID))

	interactive, err := lockSess.StartInteractive(cmd)
	if err != nil {
		return false, newError(KindLockContended, h.hostname, fmt.Sprintf("failed to acquire lock on slot %d", slotID), err)
	}
	defer interactive.Stop()

	interactive.Settle()

	errPrefix := fmt.Sprintf("%s: failed to acquire lock on slot %d", h.hostname, slotID)
	if err := interactive.WriteLine("verify lock"); err != nil {
		if interactive.ExitStatus() == 42 {
			return false, newError(KindLockContended, h.hostname, errPrefix, fmt.Errorf("slot is locked by others"))
		}
		stderrMsg := drainStderr(interactive)
		if stderrMsg != "" {
			return false, newError(KindLockContended, h.hostname, errPrefix, fmt.Errorf("%s", stderrMsg))
		}
		return false, newError(KindLockContended, h.hostname, errPrefix, err)
	}

	line, err := interactive.ReadLine()
	if err != nil {
		return false, newError(KindLockContended, h.hostname, errPrefix, err)
	}
	if line == "" {
		if interactive.ExitStatus() == 42 {
			return false, newError(KindLockContended, h.hostname, errPrefix, fmt.Errorf("slot is locked by others"))
		}
		return false, newError(KindLockContended, h.hostname, errPrefix, fmt.Errorf("no output from cat command"))
	}

	slot := newHostSlot(h.hostname, workSess, slotID, slotPath, lockPath, h.logger)
	return fn(slot)
}

func drainStderr(c *InteractiveCommand) string {
	buf := make([]byte, 4096)
	n, _ := c.Stderr().Read(buf)
	return strings.TrimSpace(string(buf[:n]))
}

// Lock locks slotID for prid, retrying transient lock/read/write
// failures with the host's lock retry policy (spec §4.4).
func (h *RemoteHost) Lock(ctx context.Context, slotID int, prid string) bool {
	if !h.isValidSlotID(slotID) {
		return false
	}
	ctx, span := startSpan(ctx, h.observer, h.hostname, "lock")
	var locked bool
	lockErr := h.lockRetryer.Do(ctx, func(ctx context.Context) error {
		var err error
		locked, err = h.lockedSlotFunc(ctx, slotID, func(slot *HostSlot) (bool, error) {
			return slot.Lock(ctx, prid)
		})
		return err
	})
	endSpan(span, lockErr)
	if lockErr != nil {
		h.logger.Warn(fmt.Sprintf("%s: failed to lock slot %d for pipelinerun %s: %s", h.hostname, slotID, prid, lockErr),
			xlog.Host(h.hostname), xlog.Slot(slotID), xlog.Prid(prid), xlog.Err(lockErr))
		locked = false
	}
	if locked {
		h.logger.Info(fmt.Sprintf("%s: slot %d is locked for pipelinerun %s", h.hostname, slotID, prid),
			xlog.Host(h.hostname), xlog.Slot(slotID), xlog.Prid(prid))
	} else {
		h.logger.Warn(fmt.Sprintf("%s: failed to lock slot %d for pipelinerun %s", h.hostname, slotID, prid),
			xlog.Host(h.hostname), xlog.Slot(slotID), xlog.Prid(prid))
	}
	return locked
}

// Unlock unlocks slotID, releasing it from prid, retrying transient
// lock/read/write failures with the host's lock retry policy (spec
// §4.4).
func (h *RemoteHost) Unlock(ctx context.Context, slotID int, prid string) bool {
	if !h.isValidSlotID(slotID) {
		return false
	}
	ctx, span := startSpan(ctx, h.observer, h.hostname, "unlock")
	var unlocked bool
	lockErr := h.lockRetryer.Do(ctx, func(ctx context.Context) error {
		var err error
		unlocked, err = h.lockedSlotFunc(ctx, slotID, func(slot *HostSlot) (bool, error) {
			return slot.Unlock(ctx, prid)
		})
		return err
	})
	endSpan(span, lockErr)
	if lockErr != nil {
		h.logger.Warn(fmt.Sprintf("%s: failed to unlock slot %d for pipelinerun %s: %s", h.hostname, slotID, prid, lockErr),
			xlog.Host(h.hostname), xlog.Slot(slotID), xlog.Prid(prid), xlog.Err(lockErr))
		unlocked = false
	}
	if unlocked {
		h.logger.Info(fmt.Sprintf("%s: slot %d is unlocked for pipelinerun %s", h.hostname, slotID, prid),
			xlog.Host(h.hostname), xlog.Slot(slotID), xlog.Prid(prid))
	} else {
		h.logger.Warn(fmt.Sprintf("%s: failed to unlock slot %d for pipelinerun %s", h.hostname, slotID, prid),
			xlog.Host(h.hostname), xlog.Slot(slotID), xlog.Prid(prid))
	}
	return unlocked
}

// sortedAvailableSlotIDs returns a sorted copy of ids, giving a
// deterministic ordering of a slot-id set.
func sortedAvailableSlotIDs(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	return out
}
