// Package config manages ditherd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete ditherd configuration.
type Config struct {
	Listener  ListenerConfig  `koanf:"listener"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Health    HealthConfig    `koanf:"health"`
	Log       LogConfig       `koanf:"log"`
	Peers     []PeerConfig    `koanf:"peers"`
}

// ListenerConfig describes where the node's transport accepts inbound
// connections and what it advertises to peers.
type ListenerConfig struct {
	// Addresses are the local "host:port" strings the transport binds.
	Addresses []string `koanf:"addresses"`

	// AdvertisePort is paired with an externally observed host to predict
	// this node's own public address(es); see transport.PredictPublicAddresses.
	AdvertisePort int `koanf:"advertise_port"`
}

// DiscoveryConfig controls the peer-discovery trust posture.
type DiscoveryConfig struct {
	// UntrustedPeers, when true, makes a RequestPeers get no PeerList reply;
	// the request is instead passed on to a bounded subset of peers (see
	// internal/discovery.Policy).
	UntrustedPeers bool `koanf:"untrusted_peers"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// HealthConfig holds the ConnectRPC health-check endpoint configuration.
type HealthConfig struct {
	// Addr is the HTTP listen address for the health endpoint (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// PeerConfig describes a peer to dial at startup, loaded from the config
// file. The collaborator embedding the node core is free to add peers at
// runtime via node.Connect; these are only the initial seed set.
type PeerConfig struct {
	// ID is the peer's RemoteID, hex-encoded.
	ID string `koanf:"id"`

	// Address is the "host:port" to dial.
	Address string `koanf:"address"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Addresses:     []string{"0.0.0.0:5353"},
			AdvertisePort: 5353,
		},
		Discovery: DiscoveryConfig{
			UntrustedPeers: false,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Health: HealthConfig{
			Addr: ":50051",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for ditherd configuration.
// Variables are named DITHERD_<section>_<key>, e.g., DITHERD_METRICS_ADDR.
const envPrefix = "DITHERD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (DITHERD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	DITHERD_METRICS_ADDR         -> metrics.addr
//	DITHERD_METRICS_PATH         -> metrics.path
//	DITHERD_HEALTH_ADDR          -> health.addr
//	DITHERD_LOG_LEVEL            -> log.level
//	DITHERD_LOG_FORMAT           -> log.format
//	DITHERD_DISCOVERY_UNTRUSTED_PEERS -> discovery.untrusted_peers
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms DITHERD_METRICS_ADDR -> metrics.addr.
// Strips the DITHERD_ prefix, lowercases, and replaces the first _ (the
// section separator) with .; later underscores stay part of the key, so
// DITHERD_DISCOVERY_UNTRUSTED_PEERS -> discovery.untrusted_peers.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listener.addresses":      defaults.Listener.Addresses,
		"listener.advertise_port": defaults.Listener.AdvertisePort,
		"discovery.untrusted_peers": defaults.Discovery.UntrustedPeers,
		"metrics.addr":             defaults.Metrics.Addr,
		"metrics.path":             defaults.Metrics.Path,
		"health.addr":              defaults.Health.Addr,
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrNoListenerAddresses indicates the listener has no bind addresses.
	ErrNoListenerAddresses = errors.New("listener.addresses must not be empty")

	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrEmptyHealthAddr indicates the health listen address is empty.
	ErrEmptyHealthAddr = errors.New("health.addr must not be empty")

	// ErrInvalidPeerID indicates a seed peer has a malformed RemoteID.
	ErrInvalidPeerID = errors.New("peer id must be a 64-character hex string")

	// ErrInvalidPeerAddress indicates a seed peer has an empty address.
	ErrInvalidPeerAddress = errors.New("peer address must not be empty")

	// ErrDuplicatePeerID indicates two seed peers share the same RemoteID.
	ErrDuplicatePeerID = errors.New("duplicate peer id")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if len(cfg.Listener.Addresses) == 0 {
		return ErrNoListenerAddresses
	}

	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	if cfg.Health.Addr == "" {
		return ErrEmptyHealthAddr
	}

	return validatePeers(cfg.Peers)
}

// validatePeers checks each declarative seed-peer entry for correctness.
func validatePeers(peers []PeerConfig) error {
	seen := make(map[string]struct{}, len(peers))

	for i, p := range peers {
		if _, err := hex.DecodeString(p.ID); len(p.ID) != 64 || err != nil {
			return fmt.Errorf("peers[%d]: %w", i, ErrInvalidPeerID)
		}
		if p.Address == "" {
			return fmt.Errorf("peers[%d]: %w", i, ErrInvalidPeerAddress)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("peers[%d] id %q: %w", i, p.ID, ErrDuplicatePeerID)
		}
		seen[p.ID] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DecodeHexID turns a PeerConfig.ID (or a node identity file's contents)
// into raw bytes suitable for a wire.RemoteID or transport.Keys field.
// Kept here since config is the only package that parses the hex form,
// avoiding a wire import in the cmd package just for this.
func DecodeHexID(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex id %q: %w", s, err)
	}
	return b, nil
}

// DefaultRequestTimeout is a 10-second default for bounding a graceful
// shutdown. Nothing in this module reads it: cmd/ditherd bounds its own
// shutdown with a separate shutdownTimeout constant of the same value.
const DefaultRequestTimeout = 10 * time.Second
