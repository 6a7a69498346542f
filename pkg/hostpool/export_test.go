package hostpool

import "log/slog"

// NewTestHostSlot exposes newHostSlot to external test packages.
func NewTestHostSlot(hostname string, session *Session, id int, path, lockPath string) *HostSlot {
	return newHostSlot(hostname, session, id, path, lockPath, slog.Default())
}

// QuoteShellArgForTest exposes quoteShellArg to external test packages.
func QuoteShellArgForTest(s string) string {
	return quoteShellArg(s)
}
