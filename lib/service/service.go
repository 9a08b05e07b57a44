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

// Package service assembles and runs the daemon: state store, session
// supervisor, HTTP listeners, control socket and signal handling.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/ttydmux"
	"github.com/gravitational/ttydmux/lib/config"
	"github.com/gravitational/ttydmux/lib/control"
	"github.com/gravitational/ttydmux/lib/defaults"
	"github.com/gravitational/ttydmux/lib/httplib"
	"github.com/gravitational/ttydmux/lib/procrun"
	"github.com/gravitational/ttydmux/lib/session"
	"github.com/gravitational/ttydmux/lib/share"
	"github.com/gravitational/ttydmux/lib/state"
	"github.com/gravitational/ttydmux/lib/web"
)

// Config holds the daemon's startup parameters.
type Config struct {
	// ConfigPath is the YAML config file. Empty means defaults only.
	ConfigPath string
	// StateDir overrides the state directory.
	StateDir string
	// Runner executes and probes backend processes.
	Runner procrun.Runner
	// Clock is used for timestamps and timers.
	Clock clockwork.Clock
	// Log is the daemon logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.StateDir == "" {
		dir, err := state.Dir()
		if err != nil {
			return trace.Wrap(err)
		}
		c.StateDir = dir
	}
	if c.Runner == nil {
		c.Runner = procrun.NewSystemRunner()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(ttydmux.Component, ttydmux.ComponentDaemon)
	}
	return nil
}

// shutdownOptions carry how a scheduled shutdown tears sessions down.
type shutdownOptions struct {
	stopSessions bool
	killTmux     bool
}

// Daemon is a fully assembled daemon instance. Construct with New, run
// with Run.
type Daemon struct {
	cfg    Config
	holder *config.Holder
	store  state.Store
	sup    *session.Supervisor
	shares *share.Manager
	log    *logrus.Entry

	handler    http.Handler
	controlSrv *control.Server
	httpServer *http.Server
	listeners  []net.Listener

	// shutdownCh receives the first shutdown trigger, from the API, the
	// control socket or a signal.
	shutdownCh chan shutdownOptions
}

// New assembles a daemon. Nothing is bound or spawned yet.
func New(cfg Config) (*Daemon, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	appCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	holder := config.NewHolder(*appCfg, cfg.ConfigPath)

	if err := state.EnsureDir(cfg.StateDir); err != nil {
		return nil, trace.Wrap(err)
	}
	store := state.NewFileStore(cfg.StateDir)

	sup, err := session.NewSupervisor(session.SupervisorConfig{
		Store:        store,
		Runner:       cfg.Runner,
		Clock:        cfg.Clock,
		BasePath: appCfg.BasePath,
		BasePort: appCfg.BasePort,
		// Read per start so a hot-reloaded ready_timeout applies.
		ReadyTimeoutFn: func() time.Duration { return holder.Snapshot().ReadyTimeout },
		BuildCommand:   commandBuilder(holder),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	d := &Daemon{
		cfg:        cfg,
		holder:     holder,
		store:      store,
		sup:        sup,
		shares:     share.NewManager(store, cfg.Clock),
		log:        cfg.Log,
		shutdownCh: make(chan shutdownOptions, 1),
	}

	handler, err := web.NewHandler(web.Config{
		Supervisor:       sup,
		Resolver:         session.NewResolver(store, cfg.Runner),
		Shares:           d.shares,
		Store:            store,
		Holder:           holder,
		Rewriter:         &web.ToolbarRewriter{Snippet: toolbarSnippet(appCfg.BasePath)},
		ScheduleShutdown: d.scheduleShutdown,
		Clock:            cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.handler = httplib.WithRecovery(handler)
	return d, nil
}

// commandBuilder returns a session command builder honoring the
// backend_command override from the live configuration.
func commandBuilder(holder *config.Holder) session.CommandBuilder {
	return func(spec session.BackendSpec) session.Command {
		override := holder.Snapshot().BackendCommand
		if len(override) == 0 {
			return session.DefaultCommandBuilder(spec)
		}
		return session.BuildOverrideCommand(override, spec)
	}
}

// toolbarSnippet is the markup injected into backend HTML pages when
// inject_toolbar is on.
func toolbarSnippet(basePath string) string {
	return fmt.Sprintf(`<script src=%q defer></script>`, basePath+"/toolbar.js")
}

// ControlSocketPath returns the daemon's control socket location inside
// the state directory.
func ControlSocketPath(stateDir string) string {
	return filepath.Join(stateDir, defaults.ControlSocketName)
}

// scheduleShutdown arms the daemon shutdown after a short delay so the
// triggering HTTP response can still be written.
func (d *Daemon) scheduleShutdown(stopSessions, killTmux bool) {
	go func() {
		time.Sleep(defaults.ShutdownReplyDelay)
		select {
		case d.shutdownCh <- shutdownOptions{stopSessions: stopSessions, killTmux: killTmux}:
		default:
		}
	}()
}

// Run starts the daemon and blocks until a shutdown is triggered or the
// context is canceled. On return all listeners are closed and the
// daemon record is cleared.
func (d *Daemon) Run(ctx context.Context) error {
	snap := d.holder.Snapshot()

	if err := d.checkNotRunning(); err != nil {
		return trace.Wrap(err)
	}

	// Reconcile state left behind by a previous daemon.
	valid, removed, err := d.sup.RevalidateSessions()
	if err != nil {
		return trace.Wrap(err)
	}
	if len(removed) > 0 {
		d.log.WithField("count", len(removed)).Info("Dropped stale session records.")
	}
	d.log.WithField("count", len(valid)).Info("Adopted running sessions.")
	if n, err := d.shares.CleanupExpiredShares(); err == nil && n > 0 {
		d.log.WithField("count", n).Info("Removed expired shares.")
	}

	if err := d.bindListeners(snap); err != nil {
		d.closeListeners()
		return trace.Wrap(err)
	}
	defer d.closeListeners()

	if err := d.startControlServer(); err != nil {
		return trace.Wrap(err)
	}
	defer d.controlSrv.Close()

	record := state.DaemonRecord{
		PID:       os.Getpid(),
		Port:      snap.DaemonPort,
		StartedAt: d.cfg.Clock.Now().UTC(),
	}
	if err := d.store.SetDaemon(record); err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if err := d.store.ClearDaemon(); err != nil {
			d.log.WithError(err).Warn("Failed to clear the daemon record.")
		}
	}()

	d.httpServer = &http.Server{Handler: d.handler}
	serveErrors := make(chan error, len(d.listeners)+1)
	for _, listener := range d.listeners {
		listener := listener
		d.log.WithField("addr", listener.Addr().String()).Info("Listening.")
		go func() {
			if err := d.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				serveErrors <- trace.Wrap(err)
			}
		}()
	}
	go func() {
		if err := d.controlSrv.Serve(); err != nil {
			serveErrors <- trace.Wrap(err)
		}
	}()

	stopWatcher := func() {}
	if snap.WatchConfig && d.cfg.ConfigPath != "" {
		stopWatcher, err = d.watchConfig()
		if err != nil {
			d.log.WithError(err).Warn("Config watcher failed to start.")
			stopWatcher = func() {}
		}
	}
	defer stopWatcher()

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	d.log.WithField("pid", record.PID).Info("Daemon is ready.")

	var opts shutdownOptions
	for {
		select {
		case <-ctx.Done():
			return d.shutdown(shutdownOptions{})
		case err := <-serveErrors:
			d.shutdown(shutdownOptions{})
			return trace.Wrap(err)
		case opts = <-d.shutdownCh:
			return d.shutdown(opts)
		case sig := <-signals:
			switch sig {
			case syscall.SIGHUP:
				if _, err := d.holder.Reload(); err != nil {
					d.log.WithError(err).Warn("Config reload failed.")
				}
			default:
				d.log.WithField("signal", sig.String()).Info("Shutting down on signal.")
				return d.shutdown(shutdownOptions{})
			}
		}
	}
}

// Reload re-reads the config file and returns the applied diff.
func (d *Daemon) Reload() (config.Diff, error) {
	return d.holder.Reload()
}

// checkNotRunning refuses to start when another live daemon owns the
// state directory, and clears records left by a dead one.
func (d *Daemon) checkNotRunning() error {
	if control.Ping(ControlSocketPath(d.cfg.StateDir)) {
		return trace.AlreadyExists("another daemon is serving %v", ControlSocketPath(d.cfg.StateDir))
	}
	record, err := d.store.GetDaemon()
	if err != nil {
		return trace.Wrap(err)
	}
	if record == nil {
		return nil
	}
	if record.PID != os.Getpid() && d.cfg.Runner.IsRunning(record.PID) {
		return trace.AlreadyExists("another daemon is already running with pid %v", record.PID)
	}
	d.log.WithField("pid", record.PID).Info("Clearing record of a dead daemon.")
	return trace.Wrap(d.store.ClearDaemon())
}

// bindListeners opens the TCP and Unix HTTP listeners.
func (d *Daemon) bindListeners(snap config.Config) error {
	for _, addr := range snap.ListenAddresses {
		listener, err := net.Listen("tcp", net.JoinHostPort(addr, fmt.Sprint(snap.DaemonPort)))
		if err != nil {
			return trace.ConnectionProblem(err, "failed to bind %v:%v", addr, snap.DaemonPort)
		}
		d.listeners = append(d.listeners, listener)
	}
	for _, socketPath := range snap.ListenSockets {
		listener, err := listenUnix(socketPath)
		if err != nil {
			return trace.Wrap(err)
		}
		d.listeners = append(d.listeners, listener)
	}
	return nil
}

func (d *Daemon) closeListeners() {
	for _, listener := range d.listeners {
		listener.Close()
	}
	d.listeners = nil
}

// startControlServer binds the control socket inside the state dir. A
// stale socket file from a dead daemon is removed first; a socket that
// still answers pings means a live daemon.
func (d *Daemon) startControlServer() error {
	socketPath := ControlSocketPath(d.cfg.StateDir)
	if _, err := os.Stat(socketPath); err == nil {
		if control.Ping(socketPath) {
			return trace.AlreadyExists("another daemon is serving %v", socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return trace.ConvertSystemError(err)
		}
		d.log.Info("Removed a stale control socket.")
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return trace.ConnectionProblem(err, "failed to bind control socket %v", socketPath)
	}
	srv, err := control.NewServer(control.ServerConfig{
		Listener:   listener,
		OnShutdown: d.scheduleShutdown,
		OnReload:   d.Reload,
	})
	if err != nil {
		listener.Close()
		return trace.Wrap(err)
	}
	d.controlSrv = srv
	return nil
}

// listenUnix binds a Unix HTTP listener, replacing a stale socket file.
func listenUnix(socketPath string) (net.Listener, error) {
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to bind socket %v", socketPath)
	}
	return listener, nil
}

// shutdown drains the HTTP server and optionally stops all sessions.
func (d *Daemon) shutdown(opts shutdownOptions) error {
	d.log.WithFields(logrus.Fields{
		"stop_sessions": opts.stopSessions,
		"kill_tmux":     opts.killTmux,
	}).Info("Daemon shutting down.")

	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownDrainTimeout)
	defer cancel()

	var errs []error
	if opts.stopSessions {
		if err := d.sup.StopAllSessions(ctx, session.StopOptions{KillTmux: opts.killTmux}); err != nil {
			errs = append(errs, err)
		}
	}
	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}
