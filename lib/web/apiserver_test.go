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

package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/ttydmux/lib/config"
	"github.com/gravitational/ttydmux/lib/procrun"
	"github.com/gravitational/ttydmux/lib/session"
	"github.com/gravitational/ttydmux/lib/share"
	"github.com/gravitational/ttydmux/lib/state"
)

type testEnv struct {
	store     *state.MemoryStore
	runner    *procrun.FakeRunner
	sup       *session.Supervisor
	shares    *share.Manager
	handler   *Handler
	server    *httptest.Server
	shutdowns chan shutdownRequest

	nextPID int
}

// newTestEnv wires a full handler over the in-memory store and the fake
// runner and serves it from an httptest server. mutate may adjust the
// configuration before the handler is built.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	store := state.NewMemoryStore()
	runner := procrun.NewFakeRunner()
	runner.BindsPort = func(cfg procrun.SpawnConfig) int {
		for i, arg := range cfg.Args {
			if arg == "-p" && i+1 < len(cfg.Args) {
				port, err := strconv.Atoi(cfg.Args[i+1])
				require.NoError(t, err)
				return port
			}
		}
		return 0
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	sup, err := session.NewSupervisor(session.SupervisorConfig{
		Store:             store,
		Runner:            runner,
		BasePath:          cfg.BasePath,
		BasePort:          cfg.BasePort,
		ReadyTimeout:      500 * time.Millisecond,
		ReadyPollInterval: 5 * time.Millisecond,
		StopGracePeriod:   100 * time.Millisecond,
	})
	require.NoError(t, err)

	env := &testEnv{
		store:     store,
		runner:    runner,
		sup:       sup,
		shares:    share.NewManager(store, nil),
		shutdowns: make(chan shutdownRequest, 1),
		nextPID:   4000,
	}

	handler, err := NewHandler(Config{
		Supervisor: sup,
		Resolver:   session.NewResolver(store, runner),
		Shares:     env.shares,
		Store:      store,
		Holder:     config.NewHolder(*cfg, ""),
		Rewriter:   &ToolbarRewriter{Snippet: `<script src="/ttyd-mux/toolbar.js"></script>`},
		ScheduleShutdown: func(stopSessions, killTmux bool) {
			env.shutdowns <- shutdownRequest{StopSessions: stopSessions, KillTmux: killTmux}
		},
	})
	require.NoError(t, err)
	env.handler = handler
	env.server = httptest.NewServer(handler)
	t.Cleanup(env.server.Close)
	return env
}

// addBackend registers a live session backed by a real loopback HTTP
// server, bypassing the supervisor. Used to test proxying against real
// sockets.
func (e *testEnv) addBackend(t *testing.T, name string, h http.Handler) (*state.Session, *httptest.Server) {
	backend := httptest.NewServer(h)
	t.Cleanup(backend.Close)

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	e.nextPID++
	sess := state.Session{
		Name:      name,
		PID:       e.nextPID,
		Port:      port,
		Path:      "/" + name,
		Dir:       t.TempDir(),
		StartedAt: time.Now().UTC(),
	}
	e.runner.SetRunning(sess.PID, true)
	require.NoError(t, e.store.AddSession(sess))
	return &sess, backend
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) (*http.Response, []byte) {
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *testEnv) delete(t *testing.T, path string) *http.Response {
	req, err := http.NewRequest(http.MethodDelete, e.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestPortal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addBackend(t, "demo", http.NotFoundHandler())

	resp, body := env.get(t, "/ttyd-mux/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	require.Contains(t, string(body), "ttyd-mux")
	require.Contains(t, string(body), `href="/ttyd-mux/demo/"`)

	// Outside the base path nothing is served.
	resp, _ = env.get(t, "/other")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addBackend(t, "demo", http.NotFoundHandler())

	resp, body := env.get(t, "/ttyd-mux/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Daemon   *state.DaemonRecord `json:"daemon"`
		Sessions []sessionResponse   `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	require.Nil(t, status.Daemon)
	require.Len(t, status.Sessions, 1)
	require.Equal(t, "demo", status.Sessions[0].Name)
	require.Equal(t, "/ttyd-mux/demo", status.Sessions[0].FullPath)
}

func TestSessionLifecycleOverAPI(t *testing.T) {
	env := newTestEnv(t, nil)
	dir := t.TempDir()

	resp, body := env.postJSON(t, "/ttyd-mux/api/sessions", map[string]string{
		"name": "work", "dir": dir,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created sessionResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.Equal(t, "work", created.Name)
	require.Equal(t, "/ttyd-mux/work", created.FullPath)

	// Starting the same directory again conflicts.
	resp, _ = env.postJSON(t, "/ttyd-mux/api/sessions", map[string]string{
		"name": "work", "dir": dir,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.delete(t, "/ttyd-mux/api/sessions/work")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.delete(t, "/ttyd-mux/api/sessions/work")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionStartBadDir(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.postJSON(t, "/ttyd-mux/api/sessions", map[string]string{
		"name": "demo", "dir": "/does/not/exist",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.NotEmpty(t, errResp.Error)
}

func TestShutdownEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.postJSON(t, "/ttyd-mux/api/shutdown", map[string]bool{
		"stopSessions": true, "killTmux": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case req := <-env.shutdowns:
		require.True(t, req.StopSessions)
		require.True(t, req.KillTmux)
	case <-time.After(time.Second):
		t.Fatal("shutdown was not scheduled")
	}
}

func TestSharesAPI(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addBackend(t, "demo", http.NotFoundHandler())

	resp, body := env.postJSON(t, "/ttyd-mux/api/shares", map[string]string{
		"sessionName": "demo", "expiresIn": "2h",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created state.Share
	require.NoError(t, json.Unmarshal(body, &created))
	require.Regexp(t, "^[0-9a-f]{32}$", created.Token)
	require.Equal(t, "demo", created.SessionName)

	resp, _ = env.get(t, "/ttyd-mux/api/shares/"+created.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.get(t, "/ttyd-mux/api/shares")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []state.Share
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	resp = env.delete(t, "/ttyd-mux/api/shares/"+created.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.delete(t, "/ttyd-mux/api/shares/"+created.Token)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Sharing an unknown session fails.
	resp, _ = env.postJSON(t, "/ttyd-mux/api/shares", map[string]string{
		"sessionName": "nope",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPushSubscriptionsAPI(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.postJSON(t, "/ttyd-mux/api/push-subscriptions", map[string]interface{}{
		"endpoint": "https://push.example.com/sub/1",
		"keys":     map[string]string{"p256dh": "pk", "auth": "ak"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sub state.PushSubscription
	require.NoError(t, json.Unmarshal(body, &sub))
	require.NotEmpty(t, sub.ID)

	resp, body = env.get(t, "/ttyd-mux/api/push-subscriptions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var subs []state.PushSubscription
	require.NoError(t, json.Unmarshal(body, &subs))
	require.Len(t, subs, 1)

	resp = env.delete(t, "/ttyd-mux/api/push-subscriptions/"+sub.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.delete(t, "/ttyd-mux/api/push-subscriptions/"+sub.ID)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Missing endpoint is rejected.
	resp, _ = env.postJSON(t, "/ttyd-mux/api/push-subscriptions", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownAPIEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.get(t, "/ttyd-mux/api/bogus")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.NotEmpty(t, errResp.Error)
}

func TestShareEntryErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	// Malformed token shape.
	resp, _ := env.get(t, "/ttyd-mux/s/not-a-token/")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Well-formed but unknown token.
	resp, _ = env.get(t, fmt.Sprintf("/ttyd-mux/s/%032x/", 1))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownSessionPrefixIs404(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.get(t, "/ttyd-mux/nosuch/")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSplitSharePath(t *testing.T) {
	tests := []struct {
		in        string
		token     string
		shareRest string
		ok        bool
	}{
		{"/s/abc/ws", "abc", "/ws", true},
		{"/share/abc/ws", "abc", "/ws", true},
		{"/s/abc", "abc", "/", true},
		{"/s/", "", "", false},
		{"/demo/ws", "", "", false},
	}
	for _, tt := range tests {
		token, shareRest, ok := splitSharePath(tt.in)
		require.Equal(t, tt.ok, ok, "path %q", tt.in)
		if ok {
			require.Equal(t, tt.token, token, "path %q", tt.in)
			require.Equal(t, tt.shareRest, shareRest, "path %q", tt.in)
		}
	}
}
