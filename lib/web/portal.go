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
	"html/template"
	"net/http"

	"github.com/gravitational/ttydmux/lib/config"
)

var portalTemplate = template.Must(template.New("portal").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>ttyd-mux</title>
<style>
body { font-family: monospace; background: #1e1e1e; color: #d4d4d4; margin: 2em; }
h1 { font-size: 1.4em; }
a { color: #4fc1ff; text-decoration: none; }
a:hover { text-decoration: underline; }
table { border-collapse: collapse; margin-top: 1em; }
td, th { padding: 0.3em 1em 0.3em 0; text-align: left; }
.dim { color: #808080; }
</style>
</head>
<body>
<h1>ttyd-mux</h1>
{{if .Sessions}}
<table>
<tr><th>session</th><th>directory</th><th>port</th></tr>
{{range .Sessions}}
<tr>
<td><a href="{{.FullPath}}/">{{.Name}}</a></td>
<td class="dim">{{.Dir}}</td>
<td class="dim">{{.Port}}</td>
</tr>
{{end}}
</table>
{{else}}
<p class="dim">No sessions are running. Start one with: ttydmux start [dir]</p>
{{end}}
</body>
</html>
`))

// servePortal renders the session index at the base path.
func (h *Handler) servePortal(w http.ResponseWriter, r *http.Request, snap config.Config) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := h.cfg.Supervisor.ListSessions()
	if err != nil {
		h.cfg.Log.WithError(err).Error("Failed to list sessions for the portal.")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := portalTemplate.Execute(w, map[string]interface{}{
		"Sessions": h.sessionResponses(sessions),
		"BasePath": snap.BasePath,
	}); err != nil {
		h.cfg.Log.WithError(err).Error("Failed to render the portal.")
	}
}
