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

// Package httplib implements common utility functions for writing
// the control API's HTTP handlers.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// HandlerFunc is an HTTP handler that returns a JSON-serializable
// result or an error. The error is mapped to a status code and an
// {"error": ...} body by ReplyError.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns an httprouter.Handle replying 200 with the
// handler's result.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return MakeHandlerWithCode(fn, http.StatusOK)
}

// MakeCreateHandler returns an httprouter.Handle replying 201 with the
// handler's result.
func MakeCreateHandler(fn HandlerFunc) httprouter.Handle {
	return MakeHandlerWithCode(fn, http.StatusCreated)
}

// MakeHandlerWithCode returns an httprouter.Handle replying with the
// given status code on success.
func MakeHandlerWithCode(fn HandlerFunc, code int) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		roundtrip.ReplyJSON(w, code, out)
	}
}

// ReadJSON decodes the request body into val, mapping malformed JSON to
// a BadParameter error.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(data) == 0 {
		// An empty body means "all defaults" for our endpoints.
		return nil
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("failed to parse request body: %v", err)
	}
	return nil
}

// ErrorResponse is the wire shape of every API error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ErrorToCode maps the error taxonomy to HTTP status codes. A session
// name conflict deliberately maps to 400, not 409: the CLI treats every
// 4xx the same and the original wire contract pinned 400.
func ErrorToCode(err error) int {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err), trace.IsAlreadyExists(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsConnectionProblem(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ReplyError writes the error as {"error": message} with the mapped
// status code.
func ReplyError(w http.ResponseWriter, err error) {
	code := ErrorToCode(err)
	if code == http.StatusInternalServerError {
		logrus.WithError(err).Warn("Request failed with an internal error.")
	}
	roundtrip.ReplyJSON(w, code, ErrorResponse{Error: trace.UserMessage(err)})
}

// WithRecovery wraps an http.Handler so an in-request panic answers 500
// instead of taking the daemon down.
func WithRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logrus.WithField("panic", rec).Error("Recovered from a panic while handling a request.")
				roundtrip.ReplyJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
