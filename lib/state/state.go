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

// Package state implements the shared state document of the daemon and
// the CLI: one JSON file protected by an advisory lock, holding the
// daemon record, the sessions, the share tokens and the push
// subscriptions.
//
// Two implementations of Store exist: FileStore, backed by the state
// file, and MemoryStore, backed by a process-local map. The daemon and
// the CLI use FileStore; tests use either.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/ttydmux"
	"github.com/gravitational/ttydmux/lib/defaults"
)

// DaemonRecord marks a running daemon in the state document. A record
// whose pid is no longer alive belongs to a crashed daemon and is
// discarded on revalidation.
type DaemonRecord struct {
	// PID is the OS process id of the daemon.
	PID int `json:"pid"`
	// Port is the TCP port of the daemon's public HTTP listener.
	Port int `json:"port"`
	// StartedAt is when the daemon finished binding its listeners.
	StartedAt time.Time `json:"started_at"`
}

// Session is one supervised backend terminal process.
type Session struct {
	// Name is the stable identifier of the session, unique across
	// sessions and safe as a terminal-multiplexer session label.
	Name string `json:"name"`
	// PID is the OS process id of the backend. Authoritative only while
	// the process is alive.
	PID int `json:"pid"`
	// Port is the loopback TCP port the backend listens on.
	Port int `json:"port"`
	// Path is the URL sub-path under the base path, e.g. "/myproj".
	Path string `json:"path"`
	// Dir is the working directory the backend was spawned in.
	Dir string `json:"dir"`
	// StartedAt is when the backend was spawned.
	StartedAt time.Time `json:"started_at"`
}

// Share is a time-limited read-only handle on a session.
type Share struct {
	// Token is 16 bytes of cryptographic randomness as lowercase hex.
	Token string `json:"token"`
	// SessionName names the session the share was created against. The
	// session may have stopped since; such shares simply fail to
	// resolve.
	SessionName string `json:"sessionName"`
	// CreatedAt is when the share was created.
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt is the absolute expiry time. Once reached the share is
	// treated as absent.
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the share is expired at now.
func (s Share) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SubscriptionKeys are the browser-provided crypto keys of a push
// subscription. Opaque to the daemon.
type SubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is a stored browser push subscription. The daemon
// only stores and returns these; delivery is a collaborator concern.
type PushSubscription struct {
	ID          string           `json:"id"`
	Endpoint    string           `json:"endpoint"`
	Keys        SubscriptionKeys `json:"keys"`
	SessionName string           `json:"sessionName,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Document is the root of the state file. Unknown top-level keys are
// preserved across load/save round-trips so newer versions can extend
// the document without older binaries destroying their data.
type Document struct {
	Daemon            *DaemonRecord
	Sessions          []Session
	Shares            []Share
	PushSubscriptions []PushSubscription

	// extra holds unrecognized top-level keys verbatim.
	extra map[string]json.RawMessage
}

const (
	keyDaemon            = "daemon"
	keySessions          = "sessions"
	keyShares            = "shares"
	keyPushSubscriptions = "pushSubscriptions"
)

// UnmarshalJSON decodes the document, keeping unknown keys.
func (d *Document) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return trace.Wrap(err)
	}
	*d = Document{}
	if v, ok := raw[keyDaemon]; ok {
		if err := json.Unmarshal(v, &d.Daemon); err != nil {
			return trace.Wrap(err)
		}
		delete(raw, keyDaemon)
	}
	if v, ok := raw[keySessions]; ok {
		if err := json.Unmarshal(v, &d.Sessions); err != nil {
			return trace.Wrap(err)
		}
		delete(raw, keySessions)
	}
	if v, ok := raw[keyShares]; ok {
		if err := json.Unmarshal(v, &d.Shares); err != nil {
			return trace.Wrap(err)
		}
		delete(raw, keyShares)
	}
	if v, ok := raw[keyPushSubscriptions]; ok {
		if err := json.Unmarshal(v, &d.PushSubscriptions); err != nil {
			return trace.Wrap(err)
		}
		delete(raw, keyPushSubscriptions)
	}
	if len(raw) != 0 {
		d.extra = raw
	}
	return nil
}

// MarshalJSON encodes the document, merging preserved unknown keys back
// in. Empty collections are omitted to keep the file minimal.
func (d Document) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	for k, v := range d.extra {
		out[k] = v
	}
	if d.Daemon != nil {
		out[keyDaemon] = d.Daemon
	}
	if len(d.Sessions) != 0 {
		out[keySessions] = d.Sessions
	}
	if len(d.Shares) != 0 {
		out[keyShares] = d.Shares
	}
	if len(d.PushSubscriptions) != 0 {
		out[keyPushSubscriptions] = d.PushSubscriptions
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// FindSession returns the session with the given name, or nil.
func (d *Document) FindSession(name string) *Session {
	for i := range d.Sessions {
		if d.Sessions[i].Name == name {
			return &d.Sessions[i]
		}
	}
	return nil
}

// FindShare returns the share with the given token, or nil.
func (d *Document) FindShare(token string) *Share {
	for i := range d.Shares {
		if d.Shares[i].Token == token {
			return &d.Shares[i]
		}
	}
	return nil
}

// UpsertSession removes any session with the same name and appends s.
// It fails if another session already holds the same port or path.
func (d *Document) UpsertSession(s Session) error {
	for i := range d.Sessions {
		other := d.Sessions[i]
		if other.Name == s.Name {
			continue
		}
		if other.Port == s.Port {
			return trace.AlreadyExists("port %d is already used by session %q", s.Port, other.Name)
		}
		if other.Path == s.Path {
			return trace.AlreadyExists("path %q is already used by session %q", s.Path, other.Name)
		}
	}
	d.RemoveSession(s.Name)
	d.Sessions = append(d.Sessions, s)
	return nil
}

// RemoveSession removes the named session. Reports whether a record was
// removed.
func (d *Document) RemoveSession(name string) bool {
	for i := range d.Sessions {
		if d.Sessions[i].Name == name {
			d.Sessions = append(d.Sessions[:i], d.Sessions[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveShare removes the share with the given token. Reports whether a
// record was removed.
func (d *Document) RemoveShare(token string) bool {
	for i := range d.Shares {
		if d.Shares[i].Token == token {
			d.Shares = append(d.Shares[:i], d.Shares[i+1:]...)
			return true
		}
	}
	return false
}

// NextPort returns the smallest port greater than base not used by any
// session in the document.
func (d *Document) NextPort(base int) int {
	used := make(map[int]bool, len(d.Sessions))
	for _, s := range d.Sessions {
		used[s.Port] = true
	}
	port := base + 1
	for used[port] {
		port++
	}
	return port
}

// Store is the capability set shared by the file-backed and the
// in-memory state stores. Getters always observe the current document;
// mutators are atomic under the store's lock.
type Store interface {
	// GetDaemon returns the daemon record, or nil if absent.
	GetDaemon() (*DaemonRecord, error)
	// SetDaemon records a running daemon.
	SetDaemon(rec DaemonRecord) error
	// ClearDaemon removes the daemon record.
	ClearDaemon() error

	// ListSessions returns all recorded sessions.
	ListSessions() ([]Session, error)
	// FindSessionByName returns the named session or trace.NotFound.
	FindSessionByName(name string) (*Session, error)
	// FindSessionByDir returns the first session spawned in dir or
	// trace.NotFound.
	FindSessionByDir(dir string) (*Session, error)
	// AddSession upserts a session by name. Fails with
	// trace.AlreadyExists when the port or path collides with a
	// different session.
	AddSession(s Session) error
	// RemoveSession removes the named session; removing an absent
	// session is not an error.
	RemoveSession(name string) error

	// ListShares returns all recorded shares, including expired ones.
	// Expiry policy belongs to the share manager.
	ListShares() ([]Share, error)
	// GetShare returns the share with the given token or trace.NotFound.
	GetShare(token string) (*Share, error)
	// AddShare appends a share. Fails with trace.AlreadyExists on a
	// token collision.
	AddShare(s Share) error
	// RemoveShare removes a share. Reports whether a record existed.
	RemoveShare(token string) (bool, error)

	// ListPushSubscriptions returns all stored push subscriptions.
	ListPushSubscriptions() ([]PushSubscription, error)
	// AddPushSubscription appends a push subscription.
	AddPushSubscription(sub PushSubscription) error
	// RemovePushSubscription removes a subscription by id. Reports
	// whether a record existed.
	RemovePushSubscription(id string) (bool, error)

	// NextPort returns the smallest port greater than base not used by
	// any recorded session.
	NextPort(base int) (int, error)

	// WithLock runs fn as a single read-modify-write transaction
	// against the current document. Changes fn makes are persisted when
	// it returns nil and discarded when it returns an error.
	WithLock(fn func(doc *Document) error) error
}

// Dir resolves the state directory: $TTYD_MUX_STATE_DIR if set,
// otherwise ~/.local/state/ttyd-mux.
func Dir() (string, error) {
	if dir := os.Getenv(ttydmux.StateDirEnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return filepath.Join(home, ".local", "state", defaults.StateDirName), nil
}

// EnsureDir creates the state directory with restrictive permissions if
// it does not exist yet.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, defaults.StateDirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
