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

package session

import (
	"github.com/gravitational/trace"

	"github.com/gravitational/ttydmux/lib/procrun"
	"github.com/gravitational/ttydmux/lib/state"
	"github.com/gravitational/ttydmux/lib/utils"
)

// Resolver looks sessions up by name, directory or URL path prefix.
// Every lookup consults the current state document and the live process
// probe, so a resolver never hands out a session whose backend is gone.
type Resolver struct {
	store  state.Store
	runner procrun.Runner
}

// NewResolver returns a resolver over the given store and runner.
func NewResolver(store state.Store, runner procrun.Runner) *Resolver {
	return &Resolver{store: store, runner: runner}
}

// ByName returns the named session if its backend is alive.
func (r *Resolver) ByName(name string) (*state.Session, error) {
	sess, err := r.store.FindSessionByName(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !r.runner.IsRunning(sess.PID) {
		return nil, trace.NotFound("session %q is not running", name)
	}
	return sess, nil
}

// ByDir returns the session rooted in dir if its backend is alive.
func (r *Resolver) ByDir(dir string) (*state.Session, error) {
	sess, err := r.store.FindSessionByDir(dir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !r.runner.IsRunning(sess.PID) {
		return nil, trace.NotFound("session in %q is not running", dir)
	}
	return sess, nil
}

// ByURLPrefix matches urlPath against the full prefixes (basePath +
// session path) of all live sessions and returns the matched session
// together with the path remainder, which always begins with "/". When
// session paths nest, the longest prefix wins.
func (r *Resolver) ByURLPrefix(basePath, urlPath string) (*state.Session, string, error) {
	sessions, err := r.store.ListSessions()
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	var (
		best     *state.Session
		bestRest string
		bestLen  = -1
	)
	for i := range sessions {
		sess := &sessions[i]
		prefix := utils.JoinURLPath(basePath, sess.Path)
		rest, ok := utils.TrimPathPrefix(urlPath, prefix)
		if !ok || len(prefix) <= bestLen {
			continue
		}
		if !r.runner.IsRunning(sess.PID) {
			continue
		}
		best, bestRest, bestLen = sess, rest, len(prefix)
	}
	if best == nil {
		return nil, "", trace.NotFound("no session matches %q", urlPath)
	}
	return best, bestRest, nil
}
