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
	"github.com/gravitational/ttydmux/lib/service"
)

func newShareCommand() *cobra.Command {
	var expiresIn string
	cmd := &cobra.Command{
		Use:   "share <session>",
		Short: "Create a read-only share link for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clt, cfg, err := apiClient()
			if err != nil {
				return trace.Wrap(err)
			}
			sh, err := clt.CreateShare(cmd.Context(), args[0], expiresIn)
			if err != nil {
				return trace.Wrap(err)
			}
			fmt.Println(control.ShareURL(daemonAddr(cfg), cfg.BasePath, sh.Token))
			fmt.Fprintf(os.Stderr, "expires %s\n", sh.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVarP(&expiresIn, "expires-in", "e", "1h", "share lifetime, like 30m, 2h or 7d")
	return cmd
}

func newSharesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shares",
		Short: "List active shares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clt, cfg, err := apiClient()
			if err != nil {
				return trace.Wrap(err)
			}
			shares, err := clt.ListShares(cmd.Context())
			if err != nil {
				return trace.Wrap(err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tEXPIRES\tURL")
			for _, sh := range shares {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					sh.SessionName,
					sh.ExpiresAt.Local().Format(time.RFC1123),
					control.ShareURL(daemonAddr(cfg), cfg.BasePath, sh.Token))
			}
			return trace.Wrap(w.Flush())
		},
	}
}

func newRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a share link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clt, _, err := apiClient()
			if err != nil {
				return trace.Wrap(err)
			}
			if err := clt.RevokeShare(cmd.Context(), args[0]); err != nil {
				return trace.Wrap(err)
			}
			fmt.Println("revoked")
			return nil
		},
	}
}

func newShutdownCommand() *cobra.Command {
	var stopSessions, killTmux bool
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clt, _, err := apiClient()
			if err != nil {
				return trace.Wrap(err)
			}
			if err := clt.Shutdown(cmd.Context(), stopSessions, killTmux); err != nil {
				return trace.Wrap(err)
			}
			fmt.Println("daemon is shutting down")
			return nil
		},
	}
	cmd.Flags().BoolVar(&stopSessions, "stop-sessions", false, "also stop all sessions")
	cmd.Flags().BoolVar(&killTmux, "kill-tmux", false, "also kill backing tmux sessions")
	return cmd
}

func newReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the daemon to re-read its configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveStateDir()
			if err != nil {
				return trace.Wrap(err)
			}
			diff, err := control.Reload(service.ControlSocketPath(dir))
			if err != nil {
				return trace.Wrap(err)
			}
			if diff.Empty() {
				fmt.Println("no changes")
				return nil
			}
			for _, key := range diff.HotApplied {
				fmt.Printf("applied: %s\n", key)
			}
			for _, key := range diff.RequiresRestart {
				fmt.Printf("requires restart: %s\n", key)
			}
			return nil
		},
	}
}
