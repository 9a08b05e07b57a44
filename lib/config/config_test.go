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
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/ttyd-mux", cfg.BasePath)
	require.Equal(t, 7600, cfg.BasePort)
	require.Equal(t, 7680, cfg.DaemonPort)
	require.Equal(t, []string{"127.0.0.1"}, cfg.ListenAddresses)
	require.Equal(t, 5*time.Second, cfg.ReadyTimeout)
}

func TestLoadMissingFileIsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "/ttyd-mux", cfg.BasePath)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
base_path: /mux
base_port: 9000
daemon_port: 9080
listen_addresses: ["127.0.0.1", "::1"]
listen_sockets: ["/tmp/mux-http.sock"]
inject_toolbar: true
ready_timeout: 10s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/mux", cfg.BasePath)
	require.Equal(t, 9000, cfg.BasePort)
	require.Equal(t, 9080, cfg.DaemonPort)
	require.Equal(t, []string{"127.0.0.1", "::1"}, cfg.ListenAddresses)
	require.Equal(t, []string{"/tmp/mux-http.sock"}, cfg.ListenSockets)
	require.True(t, cfg.InjectToolbar)
	require.Equal(t, 10*time.Second, cfg.ReadyTimeout)
}

func TestLoadNormalizesBasePath(t *testing.T) {
	cfg, err := Load(writeConfig(t, "base_path: mux/\n"))
	require.NoError(t, err)
	require.Equal(t, "/mux", cfg.BasePath)
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(writeConfig(t, "ready_timeout: sometime\n"))
	require.True(t, trace.IsBadParameter(err), "got %v", err)

	_, err = Load(writeConfig(t, "unknown_key: 1\n"))
	require.True(t, trace.IsBadParameter(err), "got %v", err)

	_, err = Load(writeConfig(t, "daemon_port: 99999\n"))
	require.True(t, trace.IsBadParameter(err), "got %v", err)
}

func TestHolderReload(t *testing.T) {
	path := writeConfig(t, "inject_toolbar: false\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	holder := NewHolder(*cfg, path)

	// Hot key plus restart-only key change together.
	require.NoError(t, os.WriteFile(path, []byte("inject_toolbar: true\ndaemon_port: 9999\n"), 0600))
	diff, err := holder.Reload()
	require.NoError(t, err)
	require.Equal(t, []string{"inject_toolbar"}, diff.HotApplied)
	require.Equal(t, []string{"daemon_port"}, diff.RequiresRestart)

	snap := holder.Snapshot()
	require.True(t, snap.InjectToolbar, "hot key must be applied")
	require.Equal(t, 7680, snap.DaemonPort, "restart-only key must keep its running value")
}

func TestHolderReloadNoChanges(t *testing.T) {
	path := writeConfig(t, "inject_toolbar: true\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	holder := NewHolder(*cfg, path)

	diff, err := holder.Reload()
	require.NoError(t, err)
	require.True(t, diff.Empty())
}

func TestSnapshotIsACopy(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	holder := NewHolder(*cfg, "")

	snap := holder.Snapshot()
	snap.ListenAddresses[0] = "0.0.0.0"
	require.Equal(t, []string{"127.0.0.1"}, holder.Snapshot().ListenAddresses)
}

func TestHolderReloadReadyTimeout(t *testing.T) {
	path := writeConfig(t, "ready_timeout: 300ms\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	holder := NewHolder(*cfg, path)

	require.NoError(t, os.WriteFile(path, []byte("ready_timeout: 5s\n"), 0600))
	diff, err := holder.Reload()
	require.NoError(t, err)
	require.Equal(t, []string{"ready_timeout"}, diff.HotApplied)
	require.Empty(t, diff.RequiresRestart)
	require.Equal(t, 5*time.Second, holder.Snapshot().ReadyTimeout)
}
