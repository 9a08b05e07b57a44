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

// Package web implements the daemon's public HTTP surface: the request
// router, the control API, the portal, and the HTTP and WebSocket
// proxies towards session backends.
package web

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/ttydmux"
	"github.com/gravitational/ttydmux/lib/config"
	"github.com/gravitational/ttydmux/lib/httplib"
	"github.com/gravitational/ttydmux/lib/session"
	"github.com/gravitational/ttydmux/lib/share"
	"github.com/gravitational/ttydmux/lib/state"
	"github.com/gravitational/ttydmux/lib/utils"
)

// shareAccess marks proxied requests that originate from a share link.
// Threaded through explicitly instead of stashing fields on the
// request.
type shareAccess struct {
	// readOnly drops client input frames on the WebSocket bridge.
	readOnly bool
}

// Config holds the handler's collaborators.
type Config struct {
	// Supervisor owns session lifecycles.
	Supervisor *session.Supervisor
	// Resolver resolves sessions by name and URL prefix.
	Resolver *session.Resolver
	// Shares manages share tokens.
	Shares *share.Manager
	// Store is the state store, used for status and push subscriptions.
	Store state.Store
	// Holder provides the current configuration; a snapshot is taken
	// per request so hot-reloaded keys apply immediately.
	Holder *config.Holder
	// Rewriter, when set, rewrites proxied text/html responses. Nil
	// disables interception entirely.
	Rewriter ResponseRewriter
	// ScheduleShutdown schedules a daemon exit shortly after the
	// current request completes.
	ScheduleShutdown func(stopSessions, killTmux bool)
	// Clock is used for timestamps.
	Clock clockwork.Clock
	// Log is the handler logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Supervisor == nil {
		return trace.BadParameter("missing parameter Supervisor")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Shares == nil {
		return trace.BadParameter("missing parameter Shares")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Holder == nil {
		return trace.BadParameter("missing parameter Holder")
	}
	if c.ScheduleShutdown == nil {
		c.ScheduleShutdown = func(bool, bool) {}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(ttydmux.Component, ttydmux.ComponentWeb)
	}
	return nil
}

// Handler is the daemon's public HTTP handler. It classifies every
// request against the configured base path: the portal, the control
// API, share entry points, or session traffic handed to the proxies.
type Handler struct {
	cfg Config
	api *httprouter.Router
}

// NewHandler returns a wired handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg, api: httprouter.New()}

	h.api.GET("/api/status", httplib.MakeHandler(h.getStatus))

	h.api.GET("/api/sessions", httplib.MakeHandler(h.listSessions))
	h.api.POST("/api/sessions", httplib.MakeCreateHandler(h.createSession))
	h.api.DELETE("/api/sessions/:name", httplib.MakeHandler(h.deleteSession))

	h.api.POST("/api/shutdown", httplib.MakeHandler(h.shutdown))

	h.api.GET("/api/shares", httplib.MakeHandler(h.listShares))
	h.api.POST("/api/shares", httplib.MakeCreateHandler(h.createShare))
	h.api.GET("/api/shares/:token", httplib.MakeHandler(h.getShare))
	h.api.DELETE("/api/shares/:token", httplib.MakeHandler(h.deleteShare))

	h.api.GET("/api/push-subscriptions", httplib.MakeHandler(h.listPushSubscriptions))
	h.api.POST("/api/push-subscriptions", httplib.MakeCreateHandler(h.createPushSubscription))
	h.api.DELETE("/api/push-subscriptions/:id", httplib.MakeHandler(h.deletePushSubscription))

	h.api.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.ReplyError(w, trace.NotFound("no such API endpoint"))
	})
	return h, nil
}

// ServeHTTP implements http.Handler. Classification happens in a fixed
// order; API, share and session prefixes cannot collide because session
// names may not be "api", "s" or "share".
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.cfg.Holder.Snapshot()
	base := snap.BasePath

	if r.URL.Path == base || r.URL.Path == base+"/" {
		h.servePortal(w, r, snap)
		return
	}

	rest, ok := utils.TrimPathPrefix(r.URL.Path, base)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if rest == "/api" || strings.HasPrefix(rest, "/api/") {
		// The API router sees paths relative to the base path.
		r2 := r.Clone(r.Context())
		r2.URL.Path = rest
		h.api.ServeHTTP(w, r2)
		return
	}

	if token, shareRest, ok := splitSharePath(rest); ok {
		h.serveShare(w, r, snap, token, shareRest)
		return
	}

	sess, _, err := h.cfg.Resolver.ByURLPrefix(base, r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	// Session backends serve under their full public prefix, so the
	// inbound path forwards unchanged.
	h.dispatch(w, r, snap, sess, r.URL.Path, shareAccess{})
}

// splitSharePath recognizes /s/<token>... and /share/<token>... and
// returns the token together with the remainder (always starting with
// "/").
func splitSharePath(rest string) (token, shareRest string, ok bool) {
	var tail string
	switch {
	case strings.HasPrefix(rest, "/s/"):
		tail = rest[len("/s/"):]
	case strings.HasPrefix(rest, "/share/"):
		tail = rest[len("/share/"):]
	default:
		return "", "", false
	}
	token, shareRest, _ = strings.Cut(tail, "/")
	if token == "" {
		return "", "", false
	}
	return token, "/" + shareRest, true
}

// serveShare validates the token, resolves its session and re-enters
// the proxy pipeline with the session's prefix substituted for the
// share prefix and the read-only marker set.
func (h *Handler) serveShare(w http.ResponseWriter, r *http.Request, snap config.Config, token, shareRest string) {
	if !share.IsValidToken(token) {
		httplib.ReplyError(w, trace.BadParameter("malformed share token"))
		return
	}
	sh, err := h.cfg.Shares.ValidateShare(token)
	if err != nil {
		httplib.ReplyError(w, trace.NotFound("share is expired or revoked"))
		return
	}
	sess, err := h.cfg.Resolver.ByName(sh.SessionName)
	if err != nil {
		httplib.ReplyError(w, trace.NotFound("shared session is no longer running"))
		return
	}
	target := utils.JoinURLPath(snap.BasePath, sess.Path, shareRest)
	h.dispatch(w, r, snap, sess, target, shareAccess{readOnly: !snap.DisableShareReadOnly})
}

// dispatch hands the request to the WebSocket bridge or the HTTP proxy.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, snap config.Config, sess *state.Session, targetPath string, access shareAccess) {
	if websocket.IsWebSocketUpgrade(r) {
		h.proxyWebSocket(w, r, sess, targetPath, access)
		return
	}
	h.proxyHTTP(w, r, snap, sess, targetPath)
}

// sessionResponse augments a session record with its full public path.
type sessionResponse struct {
	state.Session
	FullPath string `json:"fullPath"`
}

func (h *Handler) sessionResponses(sessions []state.Session) []sessionResponse {
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse{
			Session:  sess,
			FullPath: h.cfg.Supervisor.FullPath(sess),
		})
	}
	return out
}

// getStatus returns the daemon record and the live sessions.
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	daemon, err := h.cfg.Store.GetDaemon()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sessions, err := h.cfg.Supervisor.ListSessions()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"daemon":   daemon,
		"sessions": h.sessionResponses(sessions),
	}, nil
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	sessions, err := h.cfg.Supervisor.ListSessions()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.sessionResponses(sessions), nil
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req session.StartRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	sess, err := h.cfg.Supervisor.StartSession(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sessionResponse{Session: *sess, FullPath: h.cfg.Supervisor.FullPath(*sess)}, nil
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	opts := session.StopOptions{
		KillTmux: r.URL.Query().Get("killTmux") == "true",
	}
	if err := h.cfg.Supervisor.StopSession(r.Context(), p.ByName("name"), opts); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]bool{"success": true}, nil
}

// shutdownRequest is the optional body of POST /api/shutdown.
type shutdownRequest struct {
	StopSessions bool `json:"stopSessions"`
	KillTmux     bool `json:"killTmux"`
}

func (h *Handler) shutdown(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req shutdownRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Log.Info("Shutdown requested over the control API.")
	h.cfg.ScheduleShutdown(req.StopSessions, req.KillTmux)
	return map[string]bool{"success": true}, nil
}

func (h *Handler) listShares(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	shares, err := h.cfg.Shares.ListShares()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if shares == nil {
		shares = []state.Share{}
	}
	return shares, nil
}

// createShareRequest is the body of POST /api/shares.
type createShareRequest struct {
	SessionName string `json:"sessionName"`
	ExpiresIn   string `json:"expiresIn"`
}

func (h *Handler) createShare(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req createShareRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.SessionName == "" {
		return nil, trace.BadParameter("missing sessionName")
	}
	sh, err := h.cfg.Shares.CreateShare(req.SessionName, req.ExpiresIn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sh, nil
}

func (h *Handler) getShare(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	sh, err := h.cfg.Shares.ValidateShare(p.ByName("token"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sh, nil
}

func (h *Handler) deleteShare(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	removed, err := h.cfg.Shares.RevokeShare(p.ByName("token"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !removed {
		return nil, trace.NotFound("share %q is not found", p.ByName("token"))
	}
	return map[string]bool{"success": true}, nil
}

func (h *Handler) listPushSubscriptions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	subs, err := h.cfg.Store.ListPushSubscriptions()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if subs == nil {
		subs = []state.PushSubscription{}
	}
	return subs, nil
}

// newSubscriptionID mints a push subscription identifier.
func newSubscriptionID() string {
	return uuid.NewString()
}

// createPushSubscriptionRequest is the body of POST
// /api/push-subscriptions: the browser's PushSubscription JSON plus an
// optional session binding.
type createPushSubscriptionRequest struct {
	Endpoint    string                 `json:"endpoint"`
	Keys        state.SubscriptionKeys `json:"keys"`
	SessionName string                 `json:"sessionName"`
}

func (h *Handler) createPushSubscription(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req createPushSubscriptionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Endpoint == "" {
		return nil, trace.BadParameter("missing endpoint")
	}
	sub := state.PushSubscription{
		ID:          newSubscriptionID(),
		Endpoint:    req.Endpoint,
		Keys:        req.Keys,
		SessionName: req.SessionName,
		CreatedAt:   h.cfg.Clock.Now().UTC(),
	}
	if err := h.cfg.Store.AddPushSubscription(sub); err != nil {
		return nil, trace.Wrap(err)
	}
	return sub, nil
}

func (h *Handler) deletePushSubscription(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	removed, err := h.cfg.Store.RemovePushSubscription(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !removed {
		return nil, trace.NotFound("push subscription %q is not found", p.ByName("id"))
	}
	return map[string]bool{"success": true}, nil
}
