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

// Package defaults contains default constants used by the daemon:
// ports, paths, timeouts.
package defaults

import "time"

const (
	// BasePath is the URL prefix under which the daemon exposes
	// everything: the portal, the control API and session traffic.
	BasePath = "/ttyd-mux"

	// DaemonPort is the TCP port the daemon's public HTTP listener
	// binds by default.
	DaemonPort = 7680

	// BasePort is the first port considered when allocating loopback
	// ports for session backends. Sessions get BasePort+1 and up.
	BasePort = 7600

	// ListenAddress is the address the daemon binds when none is
	// configured. Loopback only: the daemon assumes an external trusted
	// reverse proxy for anything public.
	ListenAddress = "127.0.0.1"

	// StateFileName is the name of the JSON state document inside the
	// state directory.
	StateFileName = "state.json"

	// ControlSocketName is the name of the control socket inside the
	// state directory.
	ControlSocketName = "ttyd-mux.sock"

	// StateDirMode is the mode the state directory is created with.
	StateDirMode = 0700
)

const (
	// ReadyTimeout bounds how long a freshly spawned backend gets to
	// bind its port before the start is rolled back.
	ReadyTimeout = 5 * time.Second

	// ReadyPollInterval is how often the port of a starting backend is
	// probed during the readiness window.
	ReadyPollInterval = 100 * time.Millisecond

	// StopGracePeriod is how long a backend gets after SIGTERM before
	// it is forcibly killed.
	StopGracePeriod = 3 * time.Second

	// StateLockTimeout bounds how long a process waits for the advisory
	// lock on the state file.
	StateLockTimeout = 5 * time.Second

	// StateLockRetryInterval is the poll interval while waiting for the
	// state file lock.
	StateLockRetryInterval = 10 * time.Millisecond

	// UpstreamDialTimeout is the TCP connect timeout towards a session
	// backend.
	UpstreamDialTimeout = 5 * time.Second

	// ShutdownDrainTimeout is how long in-flight requests get during a
	// graceful shutdown before listeners are torn down.
	ShutdownDrainTimeout = 5 * time.Second

	// ShutdownReplyDelay is the pause between answering an API shutdown
	// request and actually exiting, so the reply reaches the client.
	ShutdownReplyDelay = 100 * time.Millisecond

	// ShareTTL is the lifetime of a share token when the caller does
	// not specify one, and the fallback for unrecognized durations.
	ShareTTL = time.Hour

	// MaxShareTTL is the sanity cap on share lifetimes.
	MaxShareTTL = 365 * 24 * time.Hour

	// WebsocketBufferSize is the read/write buffer size for both sides
	// of a bridged WebSocket.
	WebsocketBufferSize = 1024
)

// StateDirName is the final path element of the default state
// directory, ~/.local/state/ttyd-mux.
const StateDirName = "ttyd-mux"
