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

package procrun

import (
	"context"
	"os"
	"sync"

	"github.com/gravitational/trace"
)

// FakeRunner is the scripted Runner used by supervisor tests. Spawned
// processes are recorded and considered running until killed; ports
// become bound the moment a spawn mentions them via BindsPort.
type FakeRunner struct {
	mu sync.Mutex

	nextPID int
	// processes maps pid -> alive.
	processes map[int]bool
	// boundPorts are ports some fake process is listening on.
	boundPorts map[int]bool
	// spawns records every spawn in order.
	spawns []SpawnConfig
	// outputs maps a command name to its scripted output.
	outputs map[string][]byte

	// SpawnErr, when set, fails the next Spawn.
	SpawnErr error
	// BindsPort, when set, is called with each spawn config and returns
	// the port the fake process binds, or 0 for none. Tests that need
	// readiness timeouts leave it unset.
	BindsPort func(cfg SpawnConfig) int
	// KilledSignals records the signals sent to each pid.
	KilledSignals map[int][]os.Signal
}

// NewFakeRunner returns an empty fake runner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		nextPID:       1000,
		processes:     map[int]bool{},
		boundPorts:    map[int]bool{},
		outputs:       map[string][]byte{},
		KilledSignals: map[int][]os.Signal{},
	}
}

// Spawn implements Runner.
func (r *FakeRunner) Spawn(cfg SpawnConfig) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SpawnErr != nil {
		err := r.SpawnErr
		r.SpawnErr = nil
		return nil, trace.Wrap(err)
	}
	r.nextPID++
	pid := r.nextPID
	r.processes[pid] = true
	r.spawns = append(r.spawns, cfg)
	if r.BindsPort != nil {
		if port := r.BindsPort(cfg); port != 0 {
			r.boundPorts[port] = true
		}
	}
	return &Handle{PID: pid}, nil
}

// Kill implements Runner.
func (r *FakeRunner) Kill(pid int, sig os.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.KilledSignals[pid] = append(r.KilledSignals[pid], sig)
	delete(r.processes, pid)
	return nil
}

// IsRunning implements Runner.
func (r *FakeRunner) IsRunning(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processes[pid]
}

// IsPortAvailable implements Runner.
func (r *FakeRunner) IsPortAvailable(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.boundPorts[port]
}

// Output implements Runner.
func (r *FakeRunner) Output(ctx context.Context, command string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if out, ok := r.outputs[command]; ok {
		return out, nil
	}
	return nil, nil
}

// SetOutput scripts the output of a synchronous command.
func (r *FakeRunner) SetOutput(command string, out []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[command] = out
}

// SetRunning marks a pid alive or dead out-of-band, simulating backends
// that crash or that survived a daemon restart.
func (r *FakeRunner) SetRunning(pid int, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if running {
		r.processes[pid] = true
	} else {
		delete(r.processes, pid)
	}
}

// BindPort marks a port bound or released out-of-band.
func (r *FakeRunner) BindPort(port int, bound bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bound {
		r.boundPorts[port] = true
	} else {
		delete(r.boundPorts, port)
	}
}

// Spawns returns a copy of the recorded spawn configs.
func (r *FakeRunner) Spawns() []SpawnConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SpawnConfig(nil), r.spawns...)
}
