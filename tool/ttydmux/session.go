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

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/gravitational/trace"
	"github.com/spf13/cobra"

	"github.com/gravitational/ttydmux/lib/control"
	"github.com/gravitational/ttydmux/lib/procrun"
	"github.com/gravitational/ttydmux/lib/service"
)

// daemonSpawnTimeout bounds the wait for an auto-spawned daemon to
// answer on its control socket.
const daemonSpawnTimeout = 10 * time.Second

// ensureDaemon makes sure a daemon is running, spawning a detached one
// when the control socket does not answer.
func ensureDaemon() error {
	dir, err := resolveStateDir()
	if err != nil {
		return trace.Wrap(err)
	}
	socketPath := service.ControlSocketPath(dir)
	if control.Ping(socketPath) {
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	spawnArgs := []string{"daemon"}
	if configPath != "" {
		spawnArgs = append(spawnArgs, "--config", configPath)
	}
	if stateDir != "" {
		spawnArgs = append(spawnArgs, "--state-dir", stateDir)
	}
	runner := procrun.NewSystemRunner()
	handle, err := runner.Spawn(procrun.SpawnConfig{
		Command:  executable,
		Args:     spawnArgs,
		Detached: true,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintf(os.Stderr, "started daemon (pid %d)\n", handle.PID)

	deadline := time.Now().Add(daemonSpawnTimeout)
	for time.Now().Before(deadline) {
		if control.Ping(socketPath) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return trace.ConnectionProblem(nil, "daemon did not become ready within %v", daemonSpawnTimeout)
}

func newStartCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "start [dir]",
		Short: "Start a session for a directory, launching the daemon if needed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return trace.ConvertSystemError(err)
			}
			if len(args) == 1 {
				dir = args[0]
			}
			if err := ensureDaemon(); err != nil {
				return trace.Wrap(err)
			}
			clt, cfg, err := apiClient()
			if err != nil {
				return trace.Wrap(err)
			}
			sess, err := clt.StartSession(cmd.Context(), name, dir)
			if err != nil {
				return trace.Wrap(err)
			}
			fmt.Printf("%s\thttp://%s%s/\n", sess.Name, daemonAddr(cfg), sess.FullPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "session name, derived from the directory when empty")
	return cmd
}

func newStopCommand() *cobra.Command {
	var killTmux bool
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clt, _, err := apiClient()
			if err != nil {
				return trace.Wrap(err)
			}
			if err := clt.StopSession(cmd.Context(), args[0], killTmux); err != nil {
				return trace.Wrap(err)
			}
			fmt.Printf("stopped %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&killTmux, "kill-tmux", false, "also kill the backing tmux session")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List running sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clt, cfg, err := apiClient()
			if err != nil {
				return trace.Wrap(err)
			}
			sessions, err := clt.ListSessions(cmd.Context())
			if err != nil {
				return trace.Wrap(err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPID\tPORT\tDIR\tURL")
			for _, sess := range sessions {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\thttp://%s%s/\n",
					sess.Name, sess.PID, sess.Port, sess.Dir, daemonAddr(cfg), sess.FullPath)
			}
			return trace.Wrap(w.Flush())
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clt, cfg, err := apiClient()
			if err != nil {
				return trace.Wrap(err)
			}
			status, err := clt.GetStatus(cmd.Context())
			if err != nil {
				return trace.Wrap(err)
			}
			if status.Daemon == nil {
				fmt.Println("daemon: record missing")
			} else {
				fmt.Printf("daemon: pid %d, port %d, started %s\n",
					status.Daemon.PID, status.Daemon.Port,
					status.Daemon.StartedAt.Local().Format(time.RFC1123))
			}
			fmt.Printf("sessions: %d\n", len(status.Sessions))
			for _, sess := range status.Sessions {
				fmt.Printf("  %s\thttp://%s%s/\n", sess.Name, daemonAddr(cfg), sess.FullPath)
			}
			return nil
		},
	}
}
