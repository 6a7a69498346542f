package hostpool

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	xlog "github.com/buildfleet/hostpool/internal/xlog"
	"github.com/buildfleet/hostpool/pkg/observability/xmetrics"
)

// cryptoSeed produces a seed for math/rand from crypto/rand, since the
// shuffle order only needs to differ across process restarts, not be
// cryptographically unpredictable.
func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return 1
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

// Lease is a slot successfully locked for a pipelinerun. Release gives it
// back to the pool (original_source LockedResource).
type Lease struct {
	host         *RemoteHost
	hostPlatform string
	slot         int
	prid         string
}

// Host returns the RemoteHost the slot was leased from.
func (l *Lease) Host() *RemoteHost { return l.host }

// Platform returns the architecture this lease's pool was built for.
func (l *Lease) Platform() string { return l.hostPlatform }

// Slot returns the leased slot id.
func (l *Lease) Slot() int { return l.slot }

// Prid returns the pipelinerun id the lease is held for.
func (l *Lease) Prid() string { return l.prid }

// Release unlocks the slot. It is safe to call from any goroutine; it
// does not panic if the slot was already released.
func (l *Lease) Release(ctx context.Context) bool {
	return l.host.Unlock(ctx, l.slot, l.prid)
}

// hostCandidate pairs a host with its currently free slots, shuffled, for
// one placement attempt.
type hostCandidate struct {
	host           *RemoteHost
	availableSlots []int
}

// RemoteHostsPool picks a host and slot for a pipelinerun using a
// load-aware randomized policy: hosts are tried in random order, slots
// within a host are tried in random order, and hosts are prioritized by
// free/total slot ratio so load spreads across the fleet instead of
// piling onto whichever host is scanned first (original_source
// RemoteHostsPool, spec §4.5).
type RemoteHostsPool struct {
	hosts        []*RemoteHost
	hostPlatform string
	logger       *slog.Logger
	observer     xmetrics.Observer
	rng          *rand.Rand
}

// RemoteHostsPoolOption configures a RemoteHostsPool at construction
// time.
type RemoteHostsPoolOption func(*RemoteHostsPool)

// WithPoolLogger overrides the *slog.Logger the pool logs through.
func WithPoolLogger(logger *slog.Logger) RemoteHostsPoolOption {
	return func(p *RemoteHostsPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPoolObserver overrides the xmetrics.Observer the pool reports
// through. Callers that also want per-host spans/metrics should pass
// the same observer to each host via hostpool.WithObserver.
func WithPoolObserver(observer xmetrics.Observer) RemoteHostsPoolOption {
	return func(p *RemoteHostsPool) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// NewRemoteHostsPool constructs a pool over hosts for the given
// platform.
func NewRemoteHostsPool(hosts []*RemoteHost, hostPlatform string, opts ...RemoteHostsPoolOption) *RemoteHostsPool {
	p := &RemoteHostsPool{
		hosts:        hosts,
		hostPlatform: hostPlatform,
		logger:       slog.Default(),
		observer:     xmetrics.NoopObserver{},
		rng:          rand.New(rand.NewSource(cryptoSeed())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Platform returns the architecture this pool serves.
func (p *RemoteHostsPool) Platform() string { return p.hostPlatform }

// Hosts returns the pool's configured hosts.
func (p *RemoteHostsPool) Hosts() []*RemoteHost { return p.hosts }

// Logger returns the *slog.Logger this pool logs through, for callers
// (e.g. hostpoolconf.BuildPool) that need to pass the same logger on to
// each host they construct.
func (p *RemoteHostsPool) Logger() *slog.Logger { return p.logger }

// Observer returns the xmetrics.Observer this pool reports through, for
// the same reason as Logger.
func (p *RemoteHostsPool) Observer() xmetrics.Observer { return p.observer }

// LockResource finds a free slot across the pool's hosts and locks it
// for prid, returning the resulting Lease. It returns (nil, nil) when no
// slot could be locked (the pool is simply full right now, not an
// error) and a non-nil error only for ErrNoHosts or an invalid prid
// (ErrEmptyPrid, ErrPridContainsAt).
func (p *RemoteHostsPool) LockResource(ctx context.Context, prid string) (*Lease, error) {
	if len(p.hosts) == 0 {
		return nil, ErrNoHosts
	}
	if err := validatePrid(prid); err != nil {
		return nil, err
	}

	shuffled := append([]*RemoteHost(nil), p.hosts...)
	p.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	var candidates []hostCandidate
	for _, host := range shuffled {
		var available []int
		if host.IsOperational(ctx) {
			var err error
			available, err = host.AvailableSlots(ctx)
			if err != nil {
				p.logger.Warn(fmt.Sprintf("%s: unable to get available slots: %s", host.Hostname(), err),
					xlog.Host(host.Hostname()), xlog.Err(err))
				continue
			}
		}
		if len(available) == 0 {
			p.logger.Info(fmt.Sprintf("%s: no available slots", host.Hostname()), xlog.Host(host.Hostname()))
			continue
		}
		p.logger.Info(fmt.Sprintf("%s: available slots: %v", host.Hostname(), available), xlog.Host(host.Hostname()))
		p.rng.Shuffle(len(available), func(i, j int) { available[i], available[j] = available[j], available[i] })
		candidates = append(candidates, hostCandidate{host: host, availableSlots: available})
	}

	if len(candidates) == 0 {
		p.logger.Error(fmt.Sprintf("There is no remote host slot available for pipelinerun %s", prid), xlog.Prid(prid))
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri := float64(len(candidates[i].availableSlots)) / float64(candidates[i].host.Slots())
		rj := float64(len(candidates[j].availableSlots)) / float64(candidates[j].host.Slots())
		return ri > rj
	})

	for _, candidate := range candidates {
		for _, slotID := range candidate.availableSlots {
			locked := p.tryLock(ctx, candidate.host, slotID, prid)
			if locked {
				return &Lease{host: candidate.host, hostPlatform: p.hostPlatform, slot: slotID, prid: prid}, nil
			}
		}
	}

	p.logger.Info(fmt.Sprintf("Cannot find remote host resource for pipelinerun %s", prid), xlog.Prid(prid))
	return nil, nil
}

// tryLock calls host.Lock, converting a panic escaping from deeper SSH
// machinery into a warning instead of taking down the caller — the
// pool's placement loop must keep trying the remaining candidates
// (original_source RemoteHostsPool.lock_resource: "Specific exceptions
// should be handled in nested methods").
func (p *RemoteHostsPool) tryLock(ctx context.Context, host *RemoteHost, slotID int, prid string) (locked bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn(fmt.Sprintf("%s: unable to lock slot %d for pipelinerun %s: %v", host.Hostname(), slotID, prid, r),
				xlog.Host(host.Hostname()), xlog.Slot(slotID), xlog.Prid(prid))
			locked = false
		}
	}()
	return host.Lock(ctx, slotID, prid)
}

func validatePrid(prid string) error {
	if prid == "" {
		return ErrEmptyPrid
	}
	if containsAt(prid) {
		return ErrPridContainsAt
	}
	return nil
}

func containsAt(s string) bool {
	for _, r := range s {
		if r == '@' {
			return true
		}
	}
	return false
}
