// Package hostpool provides a distributed slot-lease coordinator for a
// fleet of remote build hosts.
//
// # Design
//
// No broker runs on the remote side beyond sshd. Mutual exclusion is
// enforced entirely on the remote host through an advisory flock(1) over
// an SSH command channel; correctness does not depend on any in-process
// locking, because many independent coordinator processes, on different
// machines, race for the same slot.
//
// # Core concepts
//
//   - SlotData: the "<prid>@<timestamp>" payload persisted in a slot file.
//   - Session: a retrying SSH client, used to open the two sessions the
//     lock protocol needs (one to hold the flock, one to do the work).
//   - HostSlot: the read/write/lock/unlock operations against one slot
//     file, given an already-open session.
//   - RemoteHost: owns a host's identity and slot count, and drives the
//     two-session flock protocol around HostSlot.
//   - RemoteHostsPool: picks a host and slot for a caller using a
//     load-aware randomized policy, returning a releasable Lease.
//
// # Backend
//
// RemoteHost dials hosts with golang.org/x/crypto/ssh. Retries around
// transient connection failures use github.com/buildfleet/hostpool/pkg/resilience/xretry
// (github.com/avast/retry-go/v5 underneath); repeated failures against one
// host trip a github.com/buildfleet/hostpool/pkg/resilience/xbreaker circuit
// breaker so the pool stops spending SSH round trips on a host that is
// down for an extended outage.
package hostpool
