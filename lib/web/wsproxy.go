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
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/ttydmux/lib/defaults"
	"github.com/gravitational/ttydmux/lib/state"
)

// inputOpcode is the first byte of a client binary frame carrying
// terminal input. Read-only shares drop exactly these frames; resize
// and pause frames still pass so the shared view stays in sync.
const inputOpcode = 0x30

// closeWriteTimeout bounds the delivery of a close frame during bridge
// teardown.
const closeWriteTimeout = time.Second

// proxyWebSocket bridges a client WebSocket to the session backend. The
// backend connection is established first so a handshake failure can
// still be reported as an HTTP error; only then is the inbound request
// upgraded.
func (h *Handler) proxyWebSocket(w http.ResponseWriter, r *http.Request, sess *state.Session, targetPath string, access shareAccess) {
	log := h.cfg.Log.WithFields(logrus.Fields{
		"session":   sess.Name,
		"read_only": access.readOnly,
	})

	backendHost := fmt.Sprintf("127.0.0.1:%d", sess.Port)
	backendURL := url.URL{
		Scheme:   "ws",
		Host:     backendHost,
		Path:     targetPath,
		RawQuery: r.URL.RawQuery,
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: defaults.UpstreamDialTimeout,
		Subprotocols:     websocket.Subprotocols(r),
		ReadBufferSize:   defaults.WebsocketBufferSize,
		WriteBufferSize:  defaults.WebsocketBufferSize,
	}
	// The backend only accepts loopback origins.
	header := http.Header{}
	header.Set("Origin", "http://"+backendHost)

	backend, resp, err := dialer.Dial(backendURL.String(), header)
	if err != nil {
		log.WithError(err).Warn("Backend WebSocket handshake failed.")
		code := http.StatusBadGateway
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			code = resp.StatusCode
		}
		http.Error(w, "backend unavailable", code)
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  defaults.WebsocketBufferSize,
		WriteBufferSize: defaults.WebsocketBufferSize,
		// The daemon fronts loopback-only backends; origin policy is
		// enforced by binding, not by header checks.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	var respHeader http.Header
	if proto := backend.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}
	client, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.WithError(err).Warn("Client WebSocket upgrade failed.")
		backend.Close()
		return
	}

	bridge := &wsBridge{
		client:   client,
		backend:  backend,
		readOnly: access.readOnly,
		log:      log,
	}
	bridge.run()
}

// wsBridge pumps frames between a client and a backend connection until
// either side goes away. Frame type and payload are preserved; the only
// intervention is the read-only input filter on the client to backend
// direction.
type wsBridge struct {
	client   *websocket.Conn
	backend  *websocket.Conn
	readOnly bool
	log      *logrus.Entry

	closeOnce sync.Once
}

func (b *wsBridge) run() {
	done := make(chan struct{}, 2)
	go func() {
		b.pump(b.client, b.backend, b.filterInput)
		done <- struct{}{}
	}()
	go func() {
		b.pump(b.backend, b.client, nil)
		done <- struct{}{}
	}()
	<-done
	<-done
}

// pump copies messages from src to dst. The first read or write error
// tears the whole bridge down; a clean close frame from one side is
// propagated to the other with its code and reason.
func (b *wsBridge) pump(src, dst *websocket.Conn, filter func(int, []byte) bool) {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseAbnormalClosure {
				b.close(ce.Code, ce.Text)
			} else {
				b.abort()
			}
			return
		}
		if filter != nil && filter(messageType, payload) {
			continue
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			b.abort()
			return
		}
	}
}

// filterInput reports whether a client frame must be dropped under
// read-only access.
func (b *wsBridge) filterInput(messageType int, payload []byte) bool {
	if !b.readOnly {
		return false
	}
	return messageType == websocket.BinaryMessage && len(payload) > 0 && payload[0] == inputOpcode
}

// close delivers a close frame with the given code and reason to both
// sides, then closes the connections. Runs at most once.
func (b *wsBridge) close(code int, reason string) {
	b.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(closeWriteTimeout)
		b.client.WriteControl(websocket.CloseMessage, msg, deadline)
		b.backend.WriteControl(websocket.CloseMessage, msg, deadline)
		b.client.Close()
		b.backend.Close()
		b.log.WithField("code", code).Debug("WebSocket bridge closed.")
	})
}

// abort closes both connections without a close frame. Used when a side
// disappeared without a proper closing handshake, which browsers report
// as 1006.
func (b *wsBridge) abort() {
	b.closeOnce.Do(func() {
		b.client.Close()
		b.backend.Close()
		b.log.Debug("WebSocket bridge aborted.")
	})
}
