package hostpool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xlog "github.com/buildfleet/hostpool/internal/xlog"
)

// quoteShellArg renders s as a single POSIX shell word. Every path and
// data interpolation into a remote command goes through this, matching
// shlex.quote in the original implementation (spec §4.3/§6).
func quoteShellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// HostSlot is the ephemeral binding of (host, slot id, session) used to
// read, write, lock, and unlock one slot file over an already-open SSH
// session (spec §3/§4.3). A HostSlot is created per operation and never
// shared across goroutines.
type HostSlot struct {
	hostname string
	session  *Session
	id       int
	path     string
	lockPath string
	logger   *slog.Logger
}

// newHostSlot binds a slot to an open session. path/lockPath are the
// absolute paths computed by RemoteHost. A nil logger falls back to
// slog.Default().
func newHostSlot(hostname string, session *Session, id int, path, lockPath string, logger *slog.Logger) *HostSlot {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostSlot{hostname: hostname, session: session, id: id, path: path, lockPath: lockPath, logger: logger}
}

// ID returns the slot's numeric id.
func (s *HostSlot) ID() int {
	return s.id
}

// Read executes `touch <path> && cat <path>` and returns the raw payload.
// touch makes the file exist on first access (spec §4.3).
func (s *HostSlot) Read(ctx context.Context) (string, error) {
	if s.session == nil {
		return "", ErrNilSession
	}
	cmd := fmt.Sprintf("touch %s && cat %s", quoteShellArg(s.path), quoteShellArg(s.path))
	stdout, stderr, code, err := s.session.Run(ctx, cmd)
	if err != nil {
		return "", newError(KindReadError, s.hostname, fmt.Sprintf("read slot %d", s.id), err)
	}
	if code != 0 {
		return "", newError(KindReadError, s.hostname, fmt.Sprintf("read slot %d", s.id), errCommandFailed(stderr))
	}
	return stdout, nil
}

// Data reads and parses the slot's current payload.
func (s *HostSlot) Data(ctx context.Context) (SlotData, error) {
	raw, err := s.Read(ctx)
	if err != nil {
		return SlotData{}, err
	}
	return ParseSlotData(raw), nil
}

// Write persists data to the slot file. An empty string truncates the
// file; a non-empty string is shell-quoted and echoed into it (spec
// §4.3/§6).
func (s *HostSlot) Write(ctx context.Context, data string) error {
	if s.session == nil {
		return ErrNilSession
	}
	var cmd string
	if data != "" {
		cmd = fmt.Sprintf("echo %s > %s", quoteShellArg(data), quoteShellArg(s.path))
	} else {
		cmd = fmt.Sprintf("truncate -s 0 %s", quoteShellArg(s.path))
	}
	_, stderr, code, err := s.session.Run(ctx, cmd)
	if err != nil {
		return newError(KindWriteError, s.hostname, fmt.Sprintf("write slot %d", s.id), err)
	}
	if code != 0 {
		return newError(KindWriteError, s.hostname, fmt.Sprintf("write slot %d", s.id), errCommandFailed(stderr))
	}
	return nil
}

// IsFree reports whether the slot currently holds no payload.
func (s *HostSlot) IsFree(ctx context.Context) (bool, error) {
	data, err := s.Data(ctx)
	if err != nil {
		return false, err
	}
	return data.IsEmpty(), nil
}

// IsValid reports whether the slot's current payload is well formed.
func (s *HostSlot) IsValid(ctx context.Context) (bool, error) {
	data, err := s.Data(ctx)
	if err != nil {
		return false, err
	}
	return data.IsValid(), nil
}

// IsLockedBy reports whether the slot's current prid equals prid.
func (s *HostSlot) IsLockedBy(ctx context.Context, prid string) (bool, error) {
	data, err := s.Data(ctx)
	if err != nil {
		return false, err
	}
	return data.Prid == prid, nil
}

// Lock writes prid into the slot, preconditioned on the caller already
// holding the advisory lock for this slot (spec §4.3):
//
//  1. a valid, non-free slot refuses with false;
//  2. a corrupted (invalid, non-empty) slot is logged and overwritten;
//  3. otherwise the slot is written with SlotData{prid, now} and Lock
//     returns true.
func (s *HostSlot) Lock(ctx context.Context, prid string) (bool, error) {
	data, err := s.Data(ctx)
	if err != nil {
		return false, err
	}
	if !data.IsEmpty() && data.IsValid() {
		s.logger.Debug(fmt.Sprintf("%s: slot %d is not free, unable to lock it", s.hostname, s.id),
			xlog.Host(s.hostname), xlog.Slot(s.id))
		return false, nil
	}
	if !data.IsValid() {
		s.logger.Warn(fmt.Sprintf("%s: slot %d contains invalid content, it's corrupted, will use it.", s.hostname, s.id),
			xlog.Host(s.hostname), xlog.Slot(s.id))
	}
	newData := SlotData{Prid: prid, Timestamp: nowISO8601()}
	if err := s.Write(ctx, newData.Serialize()); err != nil {
		return false, err
	}
	return true, nil
}

// Unlock clears prid's ownership of the slot, preconditioned on the
// caller already holding the advisory lock for this slot (spec §4.3):
//
//  1. an already-free slot is idempotent — logged, returns true;
//  2. a corrupted slot is cleared and returns true;
//  3. a slot occupied by a different prid is left untouched and returns
//     false;
//  4. otherwise the slot is cleared and Unlock returns true.
func (s *HostSlot) Unlock(ctx context.Context, prid string) (bool, error) {
	data, err := s.Data(ctx)
	if err != nil {
		return false, err
	}
	if data.IsEmpty() {
		s.logger.Warn(fmt.Sprintf("%s: slot %d is free, skip unlocking", s.hostname, s.id),
			xlog.Host(s.hostname), xlog.Slot(s.id))
		return true, nil
	}
	if !data.IsValid() {
		s.logger.Warn(fmt.Sprintf("%s: slot %d contains invalid content, it's corrupted, will unlock it.", s.hostname, s.id),
			xlog.Host(s.hostname), xlog.Slot(s.id))
		if err := s.Write(ctx, ""); err != nil {
			return false, err
		}
		return true, nil
	}
	if data.Prid != prid {
		s.logger.Warn(fmt.Sprintf("%s: cannot unlock slot %d, it's not locked by %s", s.hostname, s.id, prid),
			xlog.Host(s.hostname), xlog.Slot(s.id), xlog.Prid(prid))
		return false, nil
	}
	if err := s.Write(ctx, ""); err != nil {
		return false, err
	}
	return true, nil
}

func errCommandFailed(stderr string) error {
	if stderr != "" {
		return fmt.Errorf("%s", stderr)
	}
	return fmt.Errorf("command exited non-zero")
}
