// Package hostpoolconf loads the remote-hosts pool configuration — the
// nested slots_dir/pools.<platform>.<host> document atomic-reactor has
// always shipped as a Kubernetes ConfigMap — and turns it into
// ready-to-use *hostpool.RemoteHost values.
package hostpoolconf

import (
	"fmt"

	"github.com/buildfleet/hostpool/pkg/config/xconf"

	"github.com/buildfleet/hostpool/pkg/hostpool"
)

// HostEntry is one entry under pools.<platform> in the config document.
type HostEntry struct {
	Enabled    bool   `koanf:"enabled"`
	Auth       string `koanf:"auth"`
	Username   string `koanf:"username"`
	Slots      int    `koanf:"slots"`
	SocketPath string `koanf:"socket_path"`
}

// Document is the root shape of the remote-hosts config:
//
//	slots_dir: /path/to/slots/dir
//	pools:
//	  x86_64:
//	    hostname-remote-host1:
//	      enabled: true
//	      auth: /path/to/key
//	      username: cloud-user
//	      slots: 3
//	      socket_path: /run/podman/podman.sock
type Document struct {
	SlotsDir string                       `koanf:"slots_dir"`
	Pools    map[string]map[string]HostEntry `koanf:"pools"`
}

// Load reads a YAML config file at path and returns the Document.
func Load(path string) (Document, error) {
	cfg, err := xconf.New(path)
	if err != nil {
		return Document{}, fmt.Errorf("hostpoolconf: load %s: %w", path, err)
	}
	var doc Document
	if err := cfg.Unmarshal("", &doc); err != nil {
		return Document{}, fmt.Errorf("hostpoolconf: unmarshal %s: %w", path, err)
	}
	return doc, nil
}

// LoadBytes parses YAML config data already in memory (e.g. mounted from
// a Kubernetes ConfigMap volume and read by the caller).
func LoadBytes(data []byte) (Document, error) {
	cfg, err := xconf.NewFromBytes(data, xconf.FormatYAML)
	if err != nil {
		return Document{}, fmt.Errorf("hostpoolconf: parse config bytes: %w", err)
	}
	var doc Document
	if err := cfg.Unmarshal("", &doc); err != nil {
		return Document{}, fmt.Errorf("hostpoolconf: unmarshal config bytes: %w", err)
	}
	return doc, nil
}

// BuildPool builds a *hostpool.RemoteHostsPool for platform from doc.
// Hosts without enabled: true are silently dropped, matching the
// original implementation — an operator takes a host out of rotation by
// flipping one flag, without the pool logging anything about hosts it
// was never told to use.
//
// The pool's configured logger and observer (via WithPoolLogger /
// WithPoolObserver in opts) are also applied to every host it builds,
// so a caller that wants consistent logging/metrics across the pool
// and its hosts only has to configure the pool once.
func BuildPool(doc Document, platform string, opts ...hostpool.RemoteHostsPoolOption) (*hostpool.RemoteHostsPool, error) {
	if doc.SlotsDir == "" {
		return nil, hostpool.ErrConfigMissingSlotsDir
	}
	platformHosts, ok := doc.Pools[platform]
	if !ok || len(platformHosts) == 0 {
		return nil, hostpool.ErrConfigMissingPlatform
	}

	// Resolve the pool's logger/observer before building hosts, so they
	// can be threaded into each hostpool.NewRemoteHost call below.
	settings := hostpool.NewRemoteHostsPool(nil, platform, opts...)

	var hosts []*hostpool.RemoteHost
	for hostname, entry := range platformHosts {
		if !entry.Enabled {
			continue
		}
		slots := entry.Slots
		if slots <= 0 {
			slots = 1
		}
		hosts = append(hosts, hostpool.NewRemoteHost(
			hostname, entry.Username, entry.Auth, slots, entry.SocketPath, doc.SlotsDir,
			hostpool.WithLogger(settings.Logger()),
			hostpool.WithObserver(settings.Observer()),
		))
	}

	return hostpool.NewRemoteHostsPool(hosts, platform, opts...), nil
}
