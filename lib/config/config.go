/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config implements the daemon configuration: defaults overlaid
// with a YAML file, a snapshot holder for per-request reads, and reload
// with a hot-apply / requires-restart split.
package config

import (
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/ttydmux"
	"github.com/gravitational/ttydmux/lib/defaults"
)

// Config is the typed runtime configuration consumed by the daemon.
type Config struct {
	// BasePath is the URL prefix of everything the daemon serves.
	// Starts with "/", no trailing slash. Restart-only.
	BasePath string
	// BasePort is the first port considered for session backends.
	// Restart-only.
	BasePort int
	// DaemonPort is the public HTTP listen port. Restart-only.
	DaemonPort int
	// ListenAddresses are the TCP addresses to bind. Restart-only.
	ListenAddresses []string
	// ListenSockets are additional Unix socket paths. Restart-only.
	ListenSockets []string
	// InjectToolbar toggles HTML rewriting on proxied responses. Hot.
	InjectToolbar bool
	// DisableShareReadOnly disables the read-only frame filter on share
	// traffic. Hot.
	DisableShareReadOnly bool
	// ReadyTimeout is the backend readiness window. Hot.
	ReadyTimeout time.Duration
	// WatchConfig enables the config file watcher. Restart-only (the
	// watcher is wired at startup).
	WatchConfig bool
	// BackendCommand overrides the backend command line. Hot.
	BackendCommand []string
}

// restartKeys are the configuration keys whose change requires a daemon
// restart. Everything else hot-applies.
var restartKeys = map[string]bool{
	"base_path":        true,
	"base_port":        true,
	"daemon_port":      true,
	"listen_addresses": true,
	"listen_sockets":   true,
	"watch_config":     true,
}

// ApplyDefaults fills zero values with the shipped defaults and
// normalizes the base path.
func (c *Config) ApplyDefaults() {
	if c.BasePath == "" {
		c.BasePath = defaults.BasePath
	}
	c.BasePath = "/" + strings.Trim(c.BasePath, "/")
	if c.BasePort == 0 {
		c.BasePort = defaults.BasePort
	}
	if c.DaemonPort == 0 {
		c.DaemonPort = defaults.DaemonPort
	}
	if len(c.ListenAddresses) == 0 {
		c.ListenAddresses = []string{defaults.ListenAddress}
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = defaults.ReadyTimeout
	}
}

// Check validates the configuration.
func (c *Config) Check() error {
	if !strings.HasPrefix(c.BasePath, "/") {
		return trace.BadParameter("base_path must start with /")
	}
	if c.BasePort <= 0 || c.BasePort > 65535 {
		return trace.BadParameter("base_port %d is out of range", c.BasePort)
	}
	if c.DaemonPort <= 0 || c.DaemonPort > 65535 {
		return trace.BadParameter("daemon_port %d is out of range", c.DaemonPort)
	}
	return nil
}

// Load builds a Config from defaults overlaid with the file at path.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		fc, err := ReadFromFile(path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := fc.Apply(cfg); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// Diff describes the outcome of a reload: which keys changed and were
// hot-applied, and which changed but only take effect after a restart.
type Diff struct {
	HotApplied      []string `json:"hot_applied"`
	RequiresRestart []string `json:"requires_restart"`
}

// Empty reports whether the reload changed nothing.
func (d Diff) Empty() bool {
	return len(d.HotApplied) == 0 && len(d.RequiresRestart) == 0
}

// diffConfigs lists the yaml keys that differ between two configs.
func diffConfigs(old, new *Config) []string {
	var changed []string
	fields := []struct {
		key      string
		old, new interface{}
	}{
		{"base_path", old.BasePath, new.BasePath},
		{"base_port", old.BasePort, new.BasePort},
		{"daemon_port", old.DaemonPort, new.DaemonPort},
		{"listen_addresses", old.ListenAddresses, new.ListenAddresses},
		{"listen_sockets", old.ListenSockets, new.ListenSockets},
		{"inject_toolbar", old.InjectToolbar, new.InjectToolbar},
		{"disable_share_read_only", old.DisableShareReadOnly, new.DisableShareReadOnly},
		{"ready_timeout", old.ReadyTimeout, new.ReadyTimeout},
		{"watch_config", old.WatchConfig, new.WatchConfig},
		{"backend_command", old.BackendCommand, new.BackendCommand},
	}
	for _, f := range fields {
		if !reflect.DeepEqual(f.old, f.new) {
			changed = append(changed, f.key)
		}
	}
	return changed
}

// Holder owns the current configuration of a running daemon. Components
// take a *Holder at construction and call Snapshot per request, which
// is what makes hot-reload effective without restarts.
type Holder struct {
	mu      sync.RWMutex
	current Config
	path    string
	log     *logrus.Entry
}

// NewHolder returns a holder over an initial config. path is the file
// consulted on reloads; it may be empty.
func NewHolder(cfg Config, path string) *Holder {
	return &Holder{
		current: cfg,
		path:    path,
		log:     logrus.WithField(ttydmux.Component, ttydmux.ComponentConfig),
	}
}

// Snapshot returns a copy of the current configuration.
func (h *Holder) Snapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cfg := h.current
	cfg.ListenAddresses = append([]string(nil), h.current.ListenAddresses...)
	cfg.ListenSockets = append([]string(nil), h.current.ListenSockets...)
	cfg.BackendCommand = append([]string(nil), h.current.BackendCommand...)
	return cfg
}

// Reload re-reads the config file and hot-applies every changed key
// that does not need a restart. Restart-only changes are reported in
// the diff but the running values keep their old settings.
func (h *Holder) Reload() (Diff, error) {
	loaded, err := Load(h.path)
	if err != nil {
		return Diff{}, trace.Wrap(err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	diff := Diff{}
	for _, key := range diffConfigs(&h.current, loaded) {
		if restartKeys[key] {
			diff.RequiresRestart = append(diff.RequiresRestart, key)
		} else {
			diff.HotApplied = append(diff.HotApplied, key)
		}
	}
	slices.Sort(diff.HotApplied)
	slices.Sort(diff.RequiresRestart)

	// Hot-apply: take the new values for hot keys, keep the running
	// values for restart-only keys.
	next := *loaded
	next.BasePath = h.current.BasePath
	next.BasePort = h.current.BasePort
	next.DaemonPort = h.current.DaemonPort
	next.ListenAddresses = h.current.ListenAddresses
	next.ListenSockets = h.current.ListenSockets
	next.WatchConfig = h.current.WatchConfig
	h.current = next

	if !diff.Empty() {
		h.log.WithFields(logrus.Fields{
			"hot_applied":      diff.HotApplied,
			"requires_restart": diff.RequiresRestart,
		}).Info("Reloaded configuration.")
	}
	return diff, nil
}
