// Package config holds the Peer Manager's tunables: dial/identity limits,
// the gossip and disposal intervals, and the whitelist. It mirrors the
// yaml-first configuration style used across the rest of this codebase.
package config

import "time"

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

const (
	// DefaultMaxPeers is the default congestion threshold on CONNECTED
	// peers (see Config.MaxPeers).
	DefaultMaxPeers = 10000
	// DefaultTargetPeers is the dial-admission threshold: below this
	// count, dials to peers that are not yet connecting are admitted.
	DefaultTargetPeers = 50
	// DefaultBroadcastInterval is how often the peer-list gossip fires.
	DefaultBroadcastInterval = 5 * time.Second
	// DefaultDisposeInterval is how often the disposal sweep runs.
	DefaultDisposeInterval = 2 * time.Second
	// DefaultNameMaxLen is the maximum accepted length of a peer's
	// self-reported display name.
	DefaultNameMaxLen = 32
	// DefaultCongestionWindow is how long a congestion-rejected peer is
	// told to stay away.
	DefaultCongestionWindow = 5 * time.Minute
	// DefaultBackoffCeiling caps per-peer retry back-off.
	DefaultBackoffCeiling = 60 * time.Second
)

// Config holds every tunable the Peer Manager consumes (§6 of the spec).
type Config struct {
	Version int `yaml:"version,omitempty"`

	// MaxPeers is the congestion threshold: once this many peers are
	// CONNECTED, SignalRequests and Signals from a source that is not
	// already CONNECTED are rejected as congested. It does not cap the
	// number of tracked peer records.
	MaxPeers int `yaml:"max_peers"`
	// TargetPeers is the soft floor below which new outbound dials are
	// admitted even for peers the node isn't already connected to.
	TargetPeers int `yaml:"target_peers"`

	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	DisposeInterval   time.Duration `yaml:"dispose_interval"`
	NameMaxLen        int           `yaml:"name_max_len"`
	CongestionWindow  time.Duration `yaml:"congestion_window"`
	BackoffCeiling    time.Duration `yaml:"backoff_ceiling"`

	// Whitelisted holds addresses exempt from back-off growth on
	// failed dials (§4.C). It applies to peers created by
	// Manager.ConnectToAddress with one of these addresses; peers learned
	// from gossip or accepted inbound are not whitelisted.
	Whitelisted []string `yaml:"whitelisted,omitempty"`

	// IsWorker marks this node as a worker: it ignores incoming PeerList
	// gossip, and it advertises isWorker in its identity frame, so peers
	// leave it out of their own PeerLists unless their BroadcastWorkers is
	// set.
	IsWorker bool `yaml:"is_worker,omitempty"`
	// BroadcastWorkers, when true, includes worker peers in outgoing
	// PeerList gossip. Takes effect on the next broadcast tick.
	BroadcastWorkers bool `yaml:"broadcast_workers,omitempty"`

	// IdentityKeyFile is the path to the local identity's private key.
	IdentityKeyFile string `yaml:"identity_key_file"`

	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Default returns a Config populated with the spec's documented defaults.
func Default() *Config {
	return &Config{
		Version:           CurrentConfigVersion,
		MaxPeers:          DefaultMaxPeers,
		TargetPeers:       DefaultTargetPeers,
		BroadcastInterval: DefaultBroadcastInterval,
		DisposeInterval:   DefaultDisposeInterval,
		NameMaxLen:        DefaultNameMaxLen,
		CongestionWindow:  DefaultCongestionWindow,
		BackoffCeiling:    DefaultBackoffCeiling,
		IdentityKeyFile:   "identity.key",
	}
}

// applyDefaults fills zero-valued fields with their documented defaults.
// Used after unmarshalling a partial YAML document.
func (c *Config) applyDefaults() {
	d := Default()
	if c.MaxPeers == 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.TargetPeers == 0 {
		c.TargetPeers = d.TargetPeers
	}
	if c.BroadcastInterval == 0 {
		c.BroadcastInterval = d.BroadcastInterval
	}
	if c.DisposeInterval == 0 {
		c.DisposeInterval = d.DisposeInterval
	}
	if c.NameMaxLen == 0 {
		c.NameMaxLen = d.NameMaxLen
	}
	if c.CongestionWindow == 0 {
		c.CongestionWindow = d.CongestionWindow
	}
	if c.BackoffCeiling == 0 {
		c.BackoffCeiling = d.BackoffCeiling
	}
	if c.IdentityKeyFile == "" {
		c.IdentityKeyFile = d.IdentityKeyFile
	}
	if c.Version == 0 {
		c.Version = CurrentConfigVersion
	}
}

// Validate rejects configurations the Peer Manager cannot run with safely.
func (c *Config) Validate() error {
	if c.Version > CurrentConfigVersion {
		return ErrConfigVersionTooNew
	}
	if c.MaxPeers <= 0 {
		return ErrInvalidMaxPeers
	}
	if c.TargetPeers <= 0 {
		return ErrInvalidTargetPeers
	}
	if c.NameMaxLen <= 0 {
		return ErrInvalidNameMaxLen
	}
	return nil
}
