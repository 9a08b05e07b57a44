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

//go:build unix

package procrun

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/ttydmux"
)

// SystemRunner is the Runner backed by the real OS.
type SystemRunner struct {
	log *logrus.Entry
}

// NewSystemRunner returns a Runner backed by the real OS.
func NewSystemRunner() *SystemRunner {
	return &SystemRunner{
		log: logrus.WithField(ttydmux.Component, ttydmux.ComponentSession),
	}
}

// Spawn implements Runner.
func (r *SystemRunner) Spawn(cfg SpawnConfig) (*Handle, error) {
	if cfg.Command == "" {
		return nil, trace.BadParameter("missing command")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer devnull.Close()
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull

	if cfg.Detached {
		// A new session detaches the child from our controlling
		// terminal and makes it survive us.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	if err := cmd.Start(); err != nil {
		return nil, trace.Wrap(err, "spawning %v", cfg.Command)
	}
	pid := cmd.Process.Pid
	r.log.WithFields(logrus.Fields{"command": cfg.Command, "pid": pid}).Debug("Spawned process.")

	// Reap the child in the background so it does not linger as a
	// zombie. Detached children reparent to init when we exit first.
	go cmd.Wait()

	return &Handle{PID: pid}, nil
}

// Kill implements Runner.
func (r *SystemRunner) Kill(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return trace.BadParameter("unsupported signal %v", sig)
	}
	err := syscall.Kill(pid, s)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return trace.ConvertSystemError(err)
}

// IsRunning implements Runner.
func (r *SystemRunner) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}

// IsPortAvailable implements Runner.
func (r *SystemRunner) IsPortAvailable(port int) bool {
	return IsPortAvailable(port)
}

// Output implements Runner.
func (r *SystemRunner) Output(ctx context.Context, command string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, command, args...).CombinedOutput()
	if err != nil {
		return out, trace.Wrap(err, "running %v", command)
	}
	return out, nil
}
