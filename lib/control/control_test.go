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

package control

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/ttydmux/lib/config"
)

type shutdownCall struct {
	stopSessions bool
	killTmux     bool
}

// startServer runs a control server on a socket under a temp dir and
// returns its path plus the recorded shutdown calls.
func startServer(t *testing.T, reload func() (config.Diff, error)) (string, chan shutdownCall) {
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	calls := make(chan shutdownCall, 4)
	if reload == nil {
		reload = func() (config.Diff, error) { return config.Diff{}, nil }
	}
	srv, err := NewServer(ServerConfig{
		Listener: listener,
		OnShutdown: func(stopSessions, killTmux bool) {
			calls <- shutdownCall{stopSessions: stopSessions, killTmux: killTmux}
		},
		OnReload: reload,
	})
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return socketPath, calls
}

func TestPing(t *testing.T) {
	socketPath, _ := startServer(t, nil)
	require.True(t, Ping(socketPath))

	// A socket with no listener does not answer.
	require.False(t, Ping(filepath.Join(t.TempDir(), "nope.sock")))
}

func TestShutdownCommands(t *testing.T) {
	socketPath, calls := startServer(t, nil)

	tests := []struct {
		command string
		want    shutdownCall
	}{
		{CommandShutdown, shutdownCall{}},
		{CommandShutdownWithSessions, shutdownCall{stopSessions: true}},
		{CommandShutdownWithSessionsKillTmux, shutdownCall{stopSessions: true, killTmux: true}},
	}
	for _, tt := range tests {
		reply, err := SendCommand(socketPath, tt.command)
		require.NoError(t, err, "command %q", tt.command)
		require.Equal(t, "ok", reply)
		require.Equal(t, tt.want, <-calls)
	}
}

func TestReload(t *testing.T) {
	socketPath, _ := startServer(t, func() (config.Diff, error) {
		return config.Diff{
			HotApplied:      []string{"inject_toolbar"},
			RequiresRestart: []string{"daemon_port"},
		}, nil
	})

	diff, err := Reload(socketPath)
	require.NoError(t, err)
	require.Equal(t, []string{"inject_toolbar"}, diff.HotApplied)
	require.Equal(t, []string{"daemon_port"}, diff.RequiresRestart)
}

func TestReloadError(t *testing.T) {
	socketPath, _ := startServer(t, func() (config.Diff, error) {
		return config.Diff{}, trace.BadParameter("config file is broken")
	})

	_, err := Reload(socketPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "config file is broken")
}

func TestUnknownCommand(t *testing.T) {
	socketPath, _ := startServer(t, nil)
	_, err := SendCommand(socketPath, "frobnicate")
	require.True(t, trace.IsBadParameter(err), "got %v", err)
	require.Contains(t, err.Error(), "unknown command")
}

func TestOneCommandPerConnection(t *testing.T) {
	socketPath, _ := startServer(t, nil)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintln(conn, CommandPing)
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	reply, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, PongResponse, strings.TrimSpace(reply))

	// The server hangs up after the response; a second command on the
	// same connection gets EOF, not a reply.
	fmt.Fprintln(conn, CommandPing)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = reader.ReadString('\n')
	require.ErrorIs(t, err, io.EOF)
}
