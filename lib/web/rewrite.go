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
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/ttydmux/lib/state"
)

// ResponseRewriter mutates the HTML body of a proxied backend response.
// Implementations must be safe for concurrent use.
type ResponseRewriter interface {
	// Rewrite returns the replacement body. Returning the input
	// unchanged is a no-op.
	Rewrite(sess *state.Session, body []byte) []byte
}

// ToolbarRewriter injects a markup snippet right before the closing
// body tag of backend HTML pages. The terminal backend serves a fixed
// page, so a plain byte-level splice is enough.
type ToolbarRewriter struct {
	// Snippet is the markup to inject, typically a script tag loading
	// the session toolbar.
	Snippet string
}

// Rewrite implements ResponseRewriter.
func (t *ToolbarRewriter) Rewrite(sess *state.Session, body []byte) []byte {
	if t.Snippet == "" {
		return body
	}
	idx := bytes.LastIndex(bytes.ToLower(body), []byte("</body>"))
	if idx < 0 {
		return append(body, []byte(t.Snippet)...)
	}
	out := make([]byte, 0, len(body)+len(t.Snippet))
	out = append(out, body[:idx]...)
	out = append(out, []byte(t.Snippet)...)
	out = append(out, body[idx:]...)
	return out
}

// rewriteResponse runs the rewriter over a text/html response. Gzipped
// bodies are transparently decompressed and, when the client advertised
// gzip support, re-compressed after rewriting. Content-Length is
// updated to the new body size. Non-HTML responses pass through
// untouched.
func rewriteResponse(resp *http.Response, rewriter ResponseRewriter, sess *state.Session) error {
	if rewriter == nil {
		return nil
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return trace.Wrap(err)
	}

	gzipped := resp.Header.Get("Content-Encoding") == "gzip"
	if gzipped {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return trace.Wrap(err)
		}
		body, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return trace.Wrap(err)
		}
	}

	body = rewriter.Rewrite(sess, body)

	clientAcceptsGzip := false
	if resp.Request != nil {
		clientAcceptsGzip = strings.Contains(resp.Request.Header.Get("Accept-Encoding"), "gzip")
	}
	if gzipped && clientAcceptsGzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return trace.Wrap(err)
		}
		if err := zw.Close(); err != nil {
			return trace.Wrap(err)
		}
		body = buf.Bytes()
		resp.Header.Set("Content-Encoding", "gzip")
	} else {
		resp.Header.Del("Content-Encoding")
	}

	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.ContentLength = int64(len(body))
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return nil
}
