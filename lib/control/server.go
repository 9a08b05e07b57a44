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

// Package control implements the daemon's Unix control socket: a
// newline-delimited command protocol for liveness checks, shutdown and
// config reload, plus the HTTP API client used by the CLI.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/ttydmux"
	"github.com/gravitational/ttydmux/lib/config"
)

// Control socket commands.
const (
	CommandPing                         = "ping"
	CommandShutdown                     = "shutdown"
	CommandShutdownWithSessions         = "shutdown-with-sessions"
	CommandShutdownWithSessionsKillTmux = "shutdown-with-sessions-kill-tmux"
	CommandReload                       = "reload"
)

// PongResponse is the reply to a ping.
const PongResponse = "pong"

// ServerConfig holds the control server's callbacks.
type ServerConfig struct {
	// Listener accepts control connections, typically on a Unix socket.
	Listener net.Listener
	// OnShutdown schedules a daemon exit.
	OnShutdown func(stopSessions, killTmux bool)
	// OnReload re-reads the configuration and reports the diff.
	OnReload func() (config.Diff, error)
	// Log is the server logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Listener == nil {
		return trace.BadParameter("missing parameter Listener")
	}
	if c.OnShutdown == nil {
		return trace.BadParameter("missing parameter OnShutdown")
	}
	if c.OnReload == nil {
		return trace.BadParameter("missing parameter OnReload")
	}
	if c.Log == nil {
		c.Log = logrus.WithField(ttydmux.Component, ttydmux.ComponentControl)
	}
	return nil
}

// Server answers line-protocol commands on the control socket. Each
// connection carries one command and gets one response line, after
// which the server closes the connection.
type Server struct {
	cfg ServerConfig

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer returns a control server over the given listener.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg, closed: make(chan struct{})}, nil
}

// Serve accepts connections until the server is closed. It always
// returns a non-nil error; after Close the error is ErrServerClosed
// semantics folded into nil for the caller's convenience.
func (s *Server) Serve() error {
	for {
		conn, err := s.cfg.Listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			return trace.Wrap(err)
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.cfg.Listener.Close()
	})
	return trace.Wrap(err)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		command := strings.TrimSpace(scanner.Text())
		if command == "" {
			continue
		}
		s.cfg.Log.WithField("command", command).Debug("Control command received.")
		fmt.Fprintln(conn, s.dispatch(command))
		return
	}
}

func (s *Server) dispatch(command string) string {
	switch command {
	case CommandPing:
		return PongResponse
	case CommandShutdown:
		s.cfg.OnShutdown(false, false)
		return "ok"
	case CommandShutdownWithSessions:
		s.cfg.OnShutdown(true, false)
		return "ok"
	case CommandShutdownWithSessionsKillTmux:
		s.cfg.OnShutdown(true, true)
		return "ok"
	case CommandReload:
		diff, err := s.cfg.OnReload()
		if err != nil {
			return "error: " + err.Error()
		}
		out, err := json.Marshal(diff)
		if err != nil {
			return "error: " + err.Error()
		}
		return string(out)
	default:
		return fmt.Sprintf("error: unknown command %q", command)
	}
}
