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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/gravitational/ttydmux/lib/state"
)

// SessionInfo is a session record augmented with its full public path,
// as returned by the daemon's API.
type SessionInfo struct {
	state.Session
	FullPath string `json:"fullPath"`
}

// Status is the daemon status as returned by GET /api/status.
type Status struct {
	Daemon   *state.DaemonRecord `json:"daemon"`
	Sessions []SessionInfo       `json:"sessions"`
}

// APIClient talks to the daemon's HTTP control API. Used by the CLI.
type APIClient struct {
	roundtrip.Client
}

// NewAPIClient returns a client for the daemon at addr ("127.0.0.1:7680")
// serving under basePath ("/ttyd-mux").
func NewAPIClient(addr, basePath string) (*APIClient, error) {
	prefix := strings.Trim(basePath, "/") + "/api"
	clt, err := roundtrip.NewClient("http://"+addr, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &APIClient{Client: *clt}, nil
}

// convertResponse turns API error replies into trace errors carrying
// the server's message verbatim.
func convertResponse(resp *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to reach the daemon")
	}
	if resp.Code() < 400 {
		return resp, nil
	}
	message := strings.TrimSpace(string(resp.Bytes()))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(resp.Bytes(), &body) == nil && body.Error != "" {
		message = body.Error
	}
	switch resp.Code() {
	case http.StatusNotFound:
		return nil, trace.NotFound("%s", message)
	case http.StatusBadRequest:
		return nil, trace.BadParameter("%s", message)
	case http.StatusForbidden:
		return nil, trace.AccessDenied("%s", message)
	case http.StatusBadGateway:
		return nil, trace.ConnectionProblem(nil, "%s", message)
	default:
		return nil, trace.Errorf("%s", message)
	}
}

// GetStatus fetches the daemon record and the live session list.
func (c *APIClient) GetStatus(ctx context.Context) (*Status, error) {
	resp, err := convertResponse(c.Get(ctx, c.Endpoint("status"), url.Values{}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var status Status
	if err := json.Unmarshal(resp.Bytes(), &status); err != nil {
		return nil, trace.Wrap(err)
	}
	return &status, nil
}

// ListSessions fetches the live sessions.
func (c *APIClient) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	resp, err := convertResponse(c.Get(ctx, c.Endpoint("sessions"), url.Values{}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var sessions []SessionInfo
	if err := json.Unmarshal(resp.Bytes(), &sessions); err != nil {
		return nil, trace.Wrap(err)
	}
	return sessions, nil
}

// StartSession asks the daemon to start a session for dir.
func (c *APIClient) StartSession(ctx context.Context, name, dir string) (*SessionInfo, error) {
	resp, err := convertResponse(c.PostJSON(ctx, c.Endpoint("sessions"), map[string]string{
		"name": name,
		"dir":  dir,
	}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var sess SessionInfo
	if err := json.Unmarshal(resp.Bytes(), &sess); err != nil {
		return nil, trace.Wrap(err)
	}
	return &sess, nil
}

// StopSession asks the daemon to stop the named session.
func (c *APIClient) StopSession(ctx context.Context, name string, killTmux bool) error {
	endpoint := c.Endpoint("sessions", name)
	if killTmux {
		endpoint += "?killTmux=true"
	}
	_, err := convertResponse(c.Delete(ctx, endpoint))
	return trace.Wrap(err)
}

// CreateShare creates a share token for the named session.
func (c *APIClient) CreateShare(ctx context.Context, sessionName, expiresIn string) (*state.Share, error) {
	resp, err := convertResponse(c.PostJSON(ctx, c.Endpoint("shares"), map[string]string{
		"sessionName": sessionName,
		"expiresIn":   expiresIn,
	}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var sh state.Share
	if err := json.Unmarshal(resp.Bytes(), &sh); err != nil {
		return nil, trace.Wrap(err)
	}
	return &sh, nil
}

// ListShares fetches all active shares.
func (c *APIClient) ListShares(ctx context.Context) ([]state.Share, error) {
	resp, err := convertResponse(c.Get(ctx, c.Endpoint("shares"), url.Values{}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var shares []state.Share
	if err := json.Unmarshal(resp.Bytes(), &shares); err != nil {
		return nil, trace.Wrap(err)
	}
	return shares, nil
}

// RevokeShare revokes a share token.
func (c *APIClient) RevokeShare(ctx context.Context, token string) error {
	_, err := convertResponse(c.Delete(ctx, c.Endpoint("shares", token)))
	return trace.Wrap(err)
}

// Shutdown asks the daemon to exit.
func (c *APIClient) Shutdown(ctx context.Context, stopSessions, killTmux bool) error {
	_, err := convertResponse(c.PostJSON(ctx, c.Endpoint("shutdown"), map[string]bool{
		"stopSessions": stopSessions,
		"killTmux":     killTmux,
	}))
	return trace.Wrap(err)
}

// ShareURL renders the public URL of a share served by the daemon at
// addr under basePath.
func ShareURL(addr, basePath, token string) string {
	return fmt.Sprintf("http://%s%s/s/%s/", addr, "/"+strings.Trim(basePath, "/"), token)
}
