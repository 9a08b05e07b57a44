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

// Package session implements the lifecycle of backend terminal
// processes: starting them on allocated loopback ports, stopping them,
// and revalidating recorded sessions against live pids across daemon
// restarts.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/ttydmux"
	"github.com/gravitational/ttydmux/lib/defaults"
	"github.com/gravitational/ttydmux/lib/procrun"
	"github.com/gravitational/ttydmux/lib/state"
	"github.com/gravitational/ttydmux/lib/utils"
)

// unsafeNameRunes matches every rune that is not safe in a terminal
// multiplexer session label.
var unsafeNameRunes = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// reservedNames are session names that would collide with the router's
// fixed prefixes under the base path.
var reservedNames = map[string]bool{
	"api":   true,
	"s":     true,
	"share": true,
}

// SanitizeName replaces every rune outside [A-Za-z0-9._-] with an
// underscore.
func SanitizeName(name string) string {
	return unsafeNameRunes.ReplaceAllString(name, "_")
}

// NameFromDir derives a session name from the last component of a
// directory path.
func NameFromDir(dir string) string {
	name := SanitizeName(filepath.Base(filepath.Clean(dir)))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "session"
	}
	return name
}

// BackendSpec is what the backend command builder gets to work with.
type BackendSpec struct {
	// Name is the sanitized session name.
	Name string
	// Dir is the working directory of the backend.
	Dir string
	// Port is the loopback port the backend must listen on.
	Port int
	// URLPrefix is the full URL prefix (base path + session path) the
	// backend must serve under.
	URLPrefix string
}

// Command is a resolved backend command line.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// CommandBuilder turns a backend spec into a concrete command line. The
// exact construction is a collaborator concern; the supervisor only
// consumes the result.
type CommandBuilder func(spec BackendSpec) Command

// DefaultCommandBuilder wraps each session in ttyd serving a tmux
// session named after it, so reconnecting attaches instead of spawning
// a second shell.
func DefaultCommandBuilder(spec BackendSpec) Command {
	return Command{
		Path: "ttyd",
		Args: []string{
			"-i", "127.0.0.1",
			"-p", strconv.Itoa(spec.Port),
			"-b", spec.URLPrefix,
			"-W",
			"tmux", "new", "-A", "-s", spec.Name,
		},
	}
}

// BuildOverrideCommand resolves a user supplied backend command line.
// The tokens may reference {port}, {name}, {dir} and {prefix}, which
// are substituted per session.
func BuildOverrideCommand(tokens []string, spec BackendSpec) Command {
	replacer := strings.NewReplacer(
		"{port}", strconv.Itoa(spec.Port),
		"{name}", spec.Name,
		"{dir}", spec.Dir,
		"{prefix}", spec.URLPrefix,
	)
	args := make([]string, 0, len(tokens))
	for _, token := range tokens {
		args = append(args, replacer.Replace(token))
	}
	if len(args) == 0 {
		return DefaultCommandBuilder(spec)
	}
	return Command{Path: args[0], Args: args[1:]}
}

// SupervisorConfig holds the dependencies and tunables of a Supervisor.
type SupervisorConfig struct {
	// Store is the state store recording sessions.
	Store state.Store
	// Runner performs process and port operations.
	Runner procrun.Runner
	// Clock is used for timestamps and readiness deadlines.
	Clock clockwork.Clock
	// BasePath is the URL prefix of the daemon.
	BasePath string
	// BasePort is the first port considered for backends.
	BasePort int
	// ReadyTimeout bounds the wait for a backend to bind its port.
	ReadyTimeout time.Duration
	// ReadyTimeoutFn, when set, is consulted per start instead of
	// ReadyTimeout, so a hot-reloaded readiness window takes effect
	// without restarting.
	ReadyTimeoutFn func() time.Duration
	// ReadyPollInterval is the port probe interval while waiting.
	ReadyPollInterval time.Duration
	// StopGracePeriod is the SIGTERM-to-SIGKILL window.
	StopGracePeriod time.Duration
	// BuildCommand constructs the backend command line.
	BuildCommand CommandBuilder
	// Log is the supervisor logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SupervisorConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Runner == nil {
		return trace.BadParameter("missing parameter Runner")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BasePath == "" {
		c.BasePath = defaults.BasePath
	}
	if c.BasePort == 0 {
		c.BasePort = defaults.BasePort
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = defaults.ReadyTimeout
	}
	if c.ReadyTimeoutFn == nil {
		window := c.ReadyTimeout
		c.ReadyTimeoutFn = func() time.Duration { return window }
	}
	if c.ReadyPollInterval == 0 {
		c.ReadyPollInterval = defaults.ReadyPollInterval
	}
	if c.StopGracePeriod == 0 {
		c.StopGracePeriod = defaults.StopGracePeriod
	}
	if c.BuildCommand == nil {
		c.BuildCommand = DefaultCommandBuilder
	}
	if c.Log == nil {
		c.Log = logrus.WithField(ttydmux.Component, ttydmux.ComponentSession)
	}
	return nil
}

// Supervisor owns the lifecycle of backend processes.
type Supervisor struct {
	cfg SupervisorConfig
}

// NewSupervisor returns a supervisor over the given config.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Supervisor{cfg: cfg}, nil
}

// StartRequest describes a session to start.
type StartRequest struct {
	// Name is the requested session name. Empty means derive from Dir.
	Name string `json:"name"`
	// Dir is the working directory of the backend.
	Dir string `json:"dir"`
	// Path is the URL sub-path under the base path. Empty means
	// "/" + name.
	Path string `json:"path"`
}

// StopOptions control how a session is stopped.
type StopOptions struct {
	// KillTmux additionally tears down the backing tmux session.
	KillTmux bool
}

// AllocatePort returns the smallest port above base that is neither
// recorded for another session nor currently bound by some other local
// process.
func AllocatePort(store state.Store, runner procrun.Runner, base int) (int, error) {
	sessions, err := store.ListSessions()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	used := make(map[int]bool, len(sessions))
	for _, s := range sessions {
		used[s.Port] = true
	}
	// 1000 candidates is far beyond any realistic fleet size.
	for port := base + 1; port <= base+1000; port++ {
		if used[port] {
			continue
		}
		if !runner.IsPortAvailable(port) {
			continue
		}
		return port, nil
	}
	return 0, trace.LimitExceeded("no free port found above %d", base)
}

// StartSession spawns a backend for the requested directory and records
// it. It fails with AlreadyExists when a live session of the same name
// exists, and with BadParameter when the backend cannot be spawned or
// never binds its port within the readiness window.
func (s *Supervisor) StartSession(ctx context.Context, req StartRequest) (*state.Session, error) {
	if req.Dir == "" {
		return nil, trace.BadParameter("missing session directory")
	}
	fi, err := os.Stat(req.Dir)
	if err != nil || !fi.IsDir() {
		return nil, trace.BadParameter("%q is not a directory", req.Dir)
	}

	name := req.Name
	if name == "" {
		name = NameFromDir(req.Dir)
	}
	name = SanitizeName(name)
	if reservedNames[name] {
		return nil, trace.BadParameter("session name %q is reserved", name)
	}

	if existing, err := s.cfg.Store.FindSessionByName(name); err == nil {
		if s.cfg.Runner.IsRunning(existing.PID) {
			return nil, trace.AlreadyExists("session %q is already running", name)
		}
		// A stale record from a dead backend; clear it and move on.
		if err := s.cfg.Store.RemoveSession(name); err != nil {
			return nil, trace.Wrap(err)
		}
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	port, err := AllocatePort(s.cfg.Store, s.cfg.Runner, s.cfg.BasePort)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	urlPath := req.Path
	if urlPath == "" {
		urlPath = "/" + name
	}
	urlPath = utils.JoinURLPath(urlPath)
	// The router owns these prefixes under the base path; a session
	// served there would be unreachable.
	if seg, _, _ := strings.Cut(strings.TrimPrefix(urlPath, "/"), "/"); reservedNames[seg] {
		return nil, trace.BadParameter("session path %q is reserved", urlPath)
	}
	prefix := utils.JoinURLPath(s.cfg.BasePath, urlPath)

	cmd := s.cfg.BuildCommand(BackendSpec{
		Name:      name,
		Dir:       req.Dir,
		Port:      port,
		URLPrefix: prefix,
	})
	handle, err := s.cfg.Runner.Spawn(procrun.SpawnConfig{
		Command:  cmd.Path,
		Args:     cmd.Args,
		Env:      cmd.Env,
		Dir:      req.Dir,
		Detached: true,
	})
	if err != nil {
		return nil, trace.BadParameter("failed to start session backend: %v", err)
	}

	sess := state.Session{
		Name:      name,
		PID:       handle.PID,
		Port:      port,
		Path:      urlPath,
		Dir:       req.Dir,
		StartedAt: s.cfg.Clock.Now().UTC(),
	}
	if err := s.cfg.Store.AddSession(sess); err != nil {
		s.cfg.Runner.Kill(handle.PID, syscall.SIGKILL)
		return nil, trace.Wrap(err)
	}

	readyWindow := s.cfg.ReadyTimeoutFn()
	readyCtx, cancel := context.WithTimeout(ctx, readyWindow)
	defer cancel()
	if !procrun.WaitForPortBound(readyCtx, s.cfg.Runner, port, s.cfg.ReadyPollInterval) {
		// Roll back: kill the child and drop the record.
		s.cfg.Runner.Kill(handle.PID, syscall.SIGKILL)
		if err := s.cfg.Store.RemoveSession(name); err != nil {
			s.cfg.Log.WithError(err).Warn("Failed to remove session record after a failed start.")
		}
		return nil, trace.BadParameter("session backend never bound port %d within %v", port, readyWindow)
	}

	s.cfg.Log.WithFields(logrus.Fields{
		"session": name,
		"port":    port,
		"pid":     handle.PID,
		"dir":     req.Dir,
	}).Info("Started session.")
	return &sess, nil
}

// StopSession terminates the named session's backend and removes its
// record. The backend gets StopGracePeriod after SIGTERM before it is
// SIGKILLed. Signaling an already-gone backend is not an error.
func (s *Supervisor) StopSession(ctx context.Context, name string, opts StopOptions) error {
	sess, err := s.cfg.Store.FindSessionByName(name)
	if err != nil {
		return trace.Wrap(err)
	}

	if s.cfg.Runner.IsRunning(sess.PID) {
		if err := s.cfg.Runner.Kill(sess.PID, syscall.SIGTERM); err != nil {
			return trace.Wrap(err)
		}
		if !s.waitForExit(ctx, sess.PID) {
			s.cfg.Log.WithField("session", name).Warn("Backend ignored SIGTERM, killing.")
			if err := s.cfg.Runner.Kill(sess.PID, syscall.SIGKILL); err != nil {
				return trace.Wrap(err)
			}
		}
	}

	if opts.KillTmux {
		// Best effort; the tmux session may already be gone.
		if _, err := s.cfg.Runner.Output(ctx, "tmux", "kill-session", "-t", sess.Name); err != nil {
			s.cfg.Log.WithError(err).WithField("session", name).Debug("tmux teardown failed.")
		}
	}

	if err := s.cfg.Store.RemoveSession(name); err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Log.WithField("session", name).Info("Stopped session.")
	return nil
}

// waitForExit polls the pid until it exits or the grace period ends.
func (s *Supervisor) waitForExit(ctx context.Context, pid int) bool {
	deadline := s.cfg.Clock.Now().Add(s.cfg.StopGracePeriod)
	for s.cfg.Clock.Now().Before(deadline) {
		if !s.cfg.Runner.IsRunning(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.cfg.Clock.After(50 * time.Millisecond):
		}
	}
	return !s.cfg.Runner.IsRunning(pid)
}

// StopAllSessions stops every recorded session, continuing past
// individual failures and returning them aggregated.
func (s *Supervisor) StopAllSessions(ctx context.Context, opts StopOptions) error {
	sessions, err := s.cfg.Store.ListSessions()
	if err != nil {
		return trace.Wrap(err)
	}
	var errors []error
	for _, sess := range sessions {
		if err := s.StopSession(ctx, sess.Name, opts); err != nil && !trace.IsNotFound(err) {
			errors = append(errors, trace.Wrap(err, "stopping session %q", sess.Name))
		}
	}
	return trace.NewAggregate(errors...)
}

// ListSessions returns the recorded sessions whose backends are alive,
// so callers never proxy to a ghost.
func (s *Supervisor) ListSessions() ([]state.Session, error) {
	sessions, err := s.cfg.Store.ListSessions()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	live := sessions[:0]
	for _, sess := range sessions {
		if s.cfg.Runner.IsRunning(sess.PID) {
			live = append(live, sess)
		}
	}
	return live, nil
}

// RevalidateSessions drops recorded sessions whose backends are gone.
// Called at daemon startup. Returns the kept and the removed sessions.
func (s *Supervisor) RevalidateSessions() (valid, removed []state.Session, err error) {
	err = s.cfg.Store.WithLock(func(doc *state.Document) error {
		kept := doc.Sessions[:0]
		for _, sess := range doc.Sessions {
			if s.cfg.Runner.IsRunning(sess.PID) {
				kept = append(kept, sess)
				valid = append(valid, sess)
			} else {
				removed = append(removed, sess)
			}
		}
		doc.Sessions = kept
		return nil
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	for _, sess := range removed {
		s.cfg.Log.WithFields(logrus.Fields{
			"session": sess.Name,
			"pid":     sess.PID,
		}).Info("Removed stale session record.")
	}
	return valid, removed, nil
}

// FullPath returns the complete URL prefix of a session under the
// supervisor's base path.
func (s *Supervisor) FullPath(sess state.Session) string {
	return utils.JoinURLPath(s.cfg.BasePath, sess.Path)
}

// String implements fmt.Stringer for logging.
func (s *Supervisor) String() string {
	return fmt.Sprintf("Supervisor(base=%s, port>%d)", s.cfg.BasePath, s.cfg.BasePort)
}
