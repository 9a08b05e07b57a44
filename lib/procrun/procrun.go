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

// Package procrun wraps the OS process operations the session
// supervisor needs: spawning backends, signaling them, and probing
// process and port liveness. The Runner interface exists so the
// supervisor can be tested with a fake.
package procrun

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
)

// SpawnConfig describes a process to spawn.
type SpawnConfig struct {
	// Command is the executable to run.
	Command string
	// Args are the command arguments, not including the command itself.
	Args []string
	// Dir is the working directory. Empty means inherit.
	Dir string
	// Env are extra environment entries appended to the parent's
	// environment, in "KEY=value" form.
	Env []string
	// Detached starts the process in its own session so it survives the
	// parent and never holds the parent's controlling terminal.
	Detached bool
}

// Handle refers to a spawned process.
type Handle struct {
	// PID is the OS process id.
	PID int
}

// Runner is the capability set over OS processes. SystemRunner is the
// real implementation; FakeRunner is the test double.
type Runner interface {
	// Spawn starts the process described by cfg. The child's stdin is
	// redirected from /dev/null; detached children get their own
	// session.
	Spawn(cfg SpawnConfig) (*Handle, error)

	// Kill sends sig to pid. Signaling a process that is already gone
	// is not an error: stop paths must be idempotent.
	Kill(pid int, sig os.Signal) error

	// IsRunning probes pid for liveness with a null signal.
	IsRunning(pid int) bool

	// IsPortAvailable reports whether 127.0.0.1:port can be bound. A
	// successful bind is released immediately.
	IsPortAvailable(port int) bool

	// Output runs a command synchronously and returns its combined
	// output. Used for dependency probes and tmux teardown.
	Output(ctx context.Context, command string, args ...string) ([]byte, error)
}

// IsPortAvailable is the probe shared by real runners: a short loopback
// bind attempt.
func IsPortAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// WaitForPortBound polls until 127.0.0.1:port stops accepting binds,
// meaning some process is listening on it. Returns false when the
// deadline passes first.
func WaitForPortBound(ctx context.Context, runner Runner, port int, interval time.Duration) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !runner.IsPortAvailable(port) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
