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

package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/ttydmux/lib/config"
)

// dialTimeout bounds a control socket connection attempt. The daemon is
// local, so a slow accept means it is gone.
const dialTimeout = 2 * time.Second

// SendCommand dials the control socket, sends one command line and
// returns the single response line.
func SendCommand(socketPath, command string) (string, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return "", trace.ConnectionProblem(err, "daemon control socket %v is not reachable", socketPath)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(dialTimeout))
	if _, err := fmt.Fprintln(conn, command); err != nil {
		return "", trace.ConnectionProblem(err, "failed to send control command")
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", trace.ConnectionProblem(err, "no response from the daemon")
	}
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "error: ") {
		return "", trace.BadParameter("%s", strings.TrimPrefix(reply, "error: "))
	}
	return reply, nil
}

// Ping reports whether a live daemon answers on the control socket.
func Ping(socketPath string) bool {
	reply, err := SendCommand(socketPath, CommandPing)
	return err == nil && reply == PongResponse
}

// Reload asks the daemon to re-read its configuration and returns the
// resulting diff.
func Reload(socketPath string) (config.Diff, error) {
	reply, err := SendCommand(socketPath, CommandReload)
	if err != nil {
		return config.Diff{}, trace.Wrap(err)
	}
	var diff config.Diff
	if err := json.Unmarshal([]byte(reply), &diff); err != nil {
		return config.Diff{}, trace.BadParameter("malformed reload response %q", reply)
	}
	return diff, nil
}
