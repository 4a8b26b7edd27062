// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package config defines the settings of a presents server node.
//
// Settings are read from an optional TOML file, and then overridden by
// environment variables with the prefix PRESENTS_, for example:
//
//	listen = ":4010"
//	websocket = ":4011"
//	log_level = "info"
//
//	[node]
//	name = "west"
//	secret = "cluster-secret"
//
//	[users]
//	alice = "$2a$10$..."
//
//	[[peer]]
//	name = "east"
//	addr = "ws://east.example.com:4011/"
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix of environment variables that override settings.
const EnvPrefix = "PRESENTS_"

// Config is the configuration of a server node.
type Config struct {
	// Listen is the TCP address for framed stream connections.
	Listen string `toml:"listen" env:"LISTEN"`

	// WebSocket is the HTTP address for WebSocket connections. If empty,
	// WebSocket connections are not accepted.
	WebSocket string `toml:"websocket" env:"WEBSOCKET"`

	// Metrics is the HTTP address for /metrics and /debug/vars. If empty,
	// metrics are not served.
	Metrics string `toml:"metrics" env:"METRICS"`

	// NATS is the URL of a NATS server used for links to peers whose
	// address has the nats scheme.
	NATS string `toml:"nats" env:"NATS_URL"`

	Node Node `toml:"node" envPrefix:"NODE_"`

	// Version, if set, is the client version required to log on.
	Version string `toml:"version" env:"VERSION"`

	// MaxSessions is the maximum number of active sessions. Zero means
	// there is no limit.
	MaxSessions int `toml:"max_sessions" env:"MAX_SESSIONS"`

	// TicketKey is the key for signing logon tickets. If empty, tickets are
	// not accepted.
	TicketKey string `toml:"ticket_key" env:"TICKET_KEY"`

	// Users maps user names to bcrypt password hashes.
	Users map[string]string `toml:"users" env:"USERS"`

	// AllowAnonymous permits logons without a password.
	AllowAnonymous bool `toml:"allow_anonymous" env:"ALLOW_ANONYMOUS"`

	// Peers are the other nodes of the cluster. Peers are configured only in
	// the file.
	Peers []Peer `toml:"peer"`

	// ThrottleLimit is the number of messages a peer may send per second
	// before warnings are logged. A negative value disables the throttle.
	ThrottleLimit int `toml:"throttle_limit" env:"THROTTLE_LIMIT"`

	// LogLevel is the minimum level of log messages.
	LogLevel string `toml:"log_level" env:"LOG_LEVEL"`
}

// Node identifies this node to its peers.
type Node struct {
	Name string `toml:"name" env:"NAME"`

	// Secret is the shared secret for peers that do not have their own.
	Secret string `toml:"secret" env:"SECRET"`
}

// A Peer is another node of the cluster.
type Peer struct {
	Name string `toml:"name"`

	// Addr is where to link to the peer: a "host:port" for a stream
	// connection, a ws:// or wss:// URL, or nats:// to use the NATS server.
	// If empty, this node accepts the peer but does not link to it.
	Addr string `toml:"addr"`

	// Secret is shared with the peer. If empty, the node secret is used.
	Secret string `toml:"secret"`
}

// Default returns a configuration with default settings.
func Default() *Config {
	return &Config{
		Listen:        "localhost:4010",
		Node:          Node{Name: "node"},
		ThrottleLimit: 100,
		LogLevel:      "info",
	}
}

// Load reads a configuration from the TOML file at path, if path != "", and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if keys := md.Undecoded(); len(keys) != 0 {
			return nil, fmt.Errorf("load config: unknown keys %v", keys)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports whether c is a usable configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" && c.WebSocket == "" {
		errs = append(errs, errors.New("no listen address"))
	}
	if c.Node.Name == "" {
		errs = append(errs, errors.New("missing node name"))
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	seen := make(map[string]bool)
	for i, p := range c.Peers {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("peer %d: missing name", i+1))
		case p.Name == c.Node.Name:
			errs = append(errs, fmt.Errorf("peer %q: same name as this node", p.Name))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("peer %q: duplicate name", p.Name))
		}
		seen[p.Name] = true
		if p.Secret == "" && c.Node.Secret == "" {
			errs = append(errs, fmt.Errorf("peer %q: no secret", p.Name))
		}
		if strings.HasPrefix(p.Addr, "nats://") && c.NATS == "" {
			errs = append(errs, fmt.Errorf("peer %q: no NATS server", p.Name))
		}
	}
	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level returns the log level of c.
func (c *Config) Level() zap.AtomicLevel {
	lvl, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return zap.NewAtomicLevel() // info
	}
	return lvl
}

// PeerSecrets returns a map from peer name to the secret shared with it.
func (c *Config) PeerSecrets() map[string]string {
	m := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		m[p.Name] = c.secret(p)
	}
	return m
}

func (c *Config) secret(p Peer) string {
	if p.Secret != "" {
		return p.Secret
	}
	return c.Node.Secret
}

// Links returns the peers this node should link to, with secrets resolved.
func (c *Config) Links() []Peer {
	var out []Peer
	for _, p := range c.Peers {
		if p.Addr != "" {
			p.Secret = c.secret(p)
			out = append(out, p)
		}
	}
	return out
}
