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

// Package ttydmux contains constants shared across the daemon, the proxy
// and the CLI.
package ttydmux

const (
	// Version is the semantic version of the release.
	Version = "0.4.0"

	// Component indicates a component of ttyd-mux, used for logging
	Component = "component"

	// ComponentDaemon is the long lived supervisor process
	ComponentDaemon = "daemon"

	// ComponentWeb is the user facing HTTP handler
	ComponentWeb = "web"

	// ComponentProxy is the HTTP reverse proxy to session backends
	ComponentProxy = "proxy"

	// ComponentWebsocket is the WebSocket bridge to session backends
	ComponentWebsocket = "websocket"

	// ComponentSession is the session lifecycle supervisor
	ComponentSession = "session"

	// ComponentShare is the share token subsystem
	ComponentShare = "share"

	// ComponentControl is the local control socket
	ComponentControl = "control"

	// ComponentState is the persistent state store
	ComponentState = "state"

	// ComponentConfig is configuration loading and reloading
	ComponentConfig = "config"

	// StateDirEnvVar overrides the directory holding the state file and
	// the control socket.
	StateDirEnvVar = "TTYD_MUX_STATE_DIR"

	// DebugEnvVar tells tests to use verbose debug output
	DebugEnvVar = "TTYD_MUX_DEBUG"
)
