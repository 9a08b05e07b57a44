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

// Command ttydmux is the CLI for the ttyd-mux daemon: it starts and
// stops web terminal sessions, manages share links and controls the
// daemon itself.
package main

import (
	"fmt"
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gravitational/ttydmux"
	"github.com/gravitational/ttydmux/lib/config"
	"github.com/gravitational/ttydmux/lib/control"
	"github.com/gravitational/ttydmux/lib/service"
	"github.com/gravitational/ttydmux/lib/state"
)

// global flags
var (
	configPath string
	stateDir   string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:           "ttydmux",
		Short:         "Multiplex web terminal sessions behind one daemon",
		Version:       ttydmux.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the configuration file")
	root.PersistentFlags().StringVar(&stateDir, "state-dir", "", "override the state directory")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "verbose logging to stderr")

	root.AddCommand(
		newDaemonCommand(),
		newStartCommand(),
		newStopCommand(),
		newListCommand(),
		newStatusCommand(),
		newShareCommand(),
		newSharesCommand(),
		newRevokeCommand(),
		newShutdownCommand(),
		newReloadCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

func setupLogging() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	})
	if debug || os.Getenv(ttydmux.DebugEnvVar) != "" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// defaultConfigPath looks for ~/.config/ttyd-mux/config.yaml. The
// daemon runs fine without one.
func defaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return configDir + "/ttyd-mux/config.yaml"
}

// resolveStateDir honors the --state-dir flag over the environment and
// the default location.
func resolveStateDir() (string, error) {
	if stateDir != "" {
		return stateDir, nil
	}
	dir, err := state.Dir()
	return dir, trace.Wrap(err)
}

// loadConfig reads the effective configuration for client commands.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	return cfg, trace.Wrap(err)
}

// daemonAddr is where client commands reach the daemon's HTTP API.
func daemonAddr(cfg *config.Config) string {
	host := "127.0.0.1"
	if len(cfg.ListenAddresses) > 0 {
		host = cfg.ListenAddresses[0]
	}
	return fmt.Sprintf("%s:%d", host, cfg.DaemonPort)
}

// apiClient builds an API client against the configured daemon.
func apiClient() (*control.APIClient, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	clt, err := control.NewAPIClient(daemonAddr(cfg), cfg.BasePath)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return clt, cfg, nil
}

func newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveStateDir()
			if err != nil {
				return trace.Wrap(err)
			}
			daemon, err := service.New(service.Config{
				ConfigPath: configPath,
				StateDir:   dir,
			})
			if err != nil {
				return trace.Wrap(err)
			}
			return trace.Wrap(daemon.Run(cmd.Context()))
		},
	}
}
