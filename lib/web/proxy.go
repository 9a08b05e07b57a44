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
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/gravitational/ttydmux/lib/config"
	"github.com/gravitational/ttydmux/lib/defaults"
	"github.com/gravitational/ttydmux/lib/state"
)

// upstreamTransport dials backends on loopback with a short timeout so
// a wedged backend turns into a 502 instead of a hung client.
var upstreamTransport = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout: defaults.UpstreamDialTimeout,
	}).DialContext,
	MaxIdleConnsPerHost: 4,
	IdleConnTimeout:     90 * time.Second,
}

// backendUnavailablePage is served on any upstream failure. Plain HTML
// so a browser tab pointed at a dead session shows something readable.
const backendUnavailablePage = `<!DOCTYPE html>
<html>
<head><title>Backend unavailable</title></head>
<body>
<h1>502 Backend unavailable</h1>
<p>The terminal backend for this session did not respond. It may have
exited; check the session list on the portal.</p>
</body>
</html>
`

// proxyHTTP forwards a plain HTTP request to the session backend with
// the already rewritten target path. The backend only trusts loopback
// origins, so Host and Origin are rewritten to the backend address.
func (h *Handler) proxyHTTP(w http.ResponseWriter, r *http.Request, snap config.Config, sess *state.Session, targetPath string) {
	backendHost := fmt.Sprintf("127.0.0.1:%d", sess.Port)
	log := h.cfg.Log.WithField("session", sess.Name)

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = backendHost
			req.URL.Path = targetPath
			req.Host = backendHost
			if req.Header.Get("Origin") != "" {
				req.Header.Set("Origin", "http://"+backendHost)
			}
			req.Header.Set("X-Forwarded-Proto", "http")
			req.Header.Set("X-Forwarded-Host", r.Host)
		},
		Transport:     upstreamTransport,
		FlushInterval: 100 * time.Millisecond,
		ModifyResponse: func(resp *http.Response) error {
			if !snap.InjectToolbar {
				return nil
			}
			return rewriteResponse(resp, h.cfg.Rewriter, sess)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithError(err).Warn("Backend request failed.")
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, backendUnavailablePage)
		},
	}
	proxy.ServeHTTP(w, r)
}
