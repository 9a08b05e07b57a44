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

package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// FileConfig is the YAML shape of the configuration file. All fields
// are optional; zero values fall back to defaults.
type FileConfig struct {
	// BasePath is the URL prefix of everything the daemon serves.
	BasePath string `yaml:"base_path,omitempty"`
	// BasePort is the first port considered for session backends.
	BasePort int `yaml:"base_port,omitempty"`
	// DaemonPort is the public HTTP listen port.
	DaemonPort int `yaml:"daemon_port,omitempty"`
	// ListenAddresses are the TCP addresses to bind, without port.
	ListenAddresses []string `yaml:"listen_addresses,omitempty"`
	// ListenSockets are additional Unix socket paths serving the same
	// HTTP handler.
	ListenSockets []string `yaml:"listen_sockets,omitempty"`
	// InjectToolbar toggles HTML rewriting on proxied responses.
	InjectToolbar *bool `yaml:"inject_toolbar,omitempty"`
	// DisableShareReadOnly turns share links into fully interactive
	// sessions. Off by default: shares are read-only.
	DisableShareReadOnly bool `yaml:"disable_share_read_only,omitempty"`
	// ReadyTimeout is the backend readiness window, as a Go duration
	// string ("5s").
	ReadyTimeout string `yaml:"ready_timeout,omitempty"`
	// WatchConfig makes the daemon watch the config file and hot-apply
	// changes without an explicit reload command.
	WatchConfig bool `yaml:"watch_config,omitempty"`
	// BackendCommand overrides the backend command line. The tokens
	// may reference {port}, {name}, {dir} and {prefix}.
	BackendCommand []string `yaml:"backend_command,omitempty"`
}

// ReadFromFile loads a YAML config file. A missing file yields an empty
// config, not an error: the daemon runs fine on defaults.
func ReadFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	fc := &FileConfig{}
	if err := yaml.UnmarshalStrict(data, fc); err != nil {
		return nil, trace.BadParameter("failed to parse config file %v: %v", path, err)
	}
	return fc, nil
}

// Apply overlays the file config onto cfg.
func (fc *FileConfig) Apply(cfg *Config) error {
	if fc.BasePath != "" {
		cfg.BasePath = fc.BasePath
	}
	if fc.BasePort != 0 {
		cfg.BasePort = fc.BasePort
	}
	if fc.DaemonPort != 0 {
		cfg.DaemonPort = fc.DaemonPort
	}
	if len(fc.ListenAddresses) != 0 {
		cfg.ListenAddresses = append([]string(nil), fc.ListenAddresses...)
	}
	if len(fc.ListenSockets) != 0 {
		cfg.ListenSockets = append([]string(nil), fc.ListenSockets...)
	}
	if fc.InjectToolbar != nil {
		cfg.InjectToolbar = *fc.InjectToolbar
	}
	cfg.DisableShareReadOnly = fc.DisableShareReadOnly
	if fc.ReadyTimeout != "" {
		d, err := time.ParseDuration(fc.ReadyTimeout)
		if err != nil || d <= 0 {
			return trace.BadParameter("invalid ready_timeout %q", fc.ReadyTimeout)
		}
		cfg.ReadyTimeout = d
	}
	cfg.WatchConfig = fc.WatchConfig
	if len(fc.BackendCommand) != 0 {
		cfg.BackendCommand = append([]string(nil), fc.BackendCommand...)
	}
	return nil
}
