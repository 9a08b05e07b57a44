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

package state

import (
	"encoding/json"
	"sync"

	"github.com/gravitational/trace"
)

// MemoryStore is the in-process Store used by tests and by
// single-process deployments that do not want a state file. It holds
// the same document shape as FileStore under a mutex.
type MemoryStore struct {
	mu  sync.Mutex
	doc Document
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// WithLock implements Store. The transaction runs against a copy so a
// failing fn leaves the document untouched, matching FileStore.
func (s *MemoryStore) WithLock(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := copyDocument(&s.doc)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := fn(snapshot); err != nil {
		return trace.Wrap(err)
	}
	s.doc = *snapshot
	return nil
}

// copyDocument deep-copies via the JSON codec. The document is tiny, so
// clarity wins over a hand-written clone.
func copyDocument(doc *Document) (*Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := &Document{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func (s *MemoryStore) read(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.doc)
}

// GetDaemon implements Store.
func (s *MemoryStore) GetDaemon() (*DaemonRecord, error) {
	var rec *DaemonRecord
	err := s.read(func(doc *Document) error {
		if doc.Daemon != nil {
			r := *doc.Daemon
			rec = &r
		}
		return nil
	})
	return rec, trace.Wrap(err)
}

// SetDaemon implements Store.
func (s *MemoryStore) SetDaemon(rec DaemonRecord) error {
	return s.WithLock(func(doc *Document) error {
		doc.Daemon = &rec
		return nil
	})
}

// ClearDaemon implements Store.
func (s *MemoryStore) ClearDaemon() error {
	return s.WithLock(func(doc *Document) error {
		doc.Daemon = nil
		return nil
	})
}

// ListSessions implements Store.
func (s *MemoryStore) ListSessions() ([]Session, error) {
	var out []Session
	err := s.read(func(doc *Document) error {
		out = append(out, doc.Sessions...)
		return nil
	})
	return out, trace.Wrap(err)
}

// FindSessionByName implements Store.
func (s *MemoryStore) FindSessionByName(name string) (*Session, error) {
	var found *Session
	err := s.read(func(doc *Document) error {
		if sess := doc.FindSession(name); sess != nil {
			c := *sess
			found = &c
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if found == nil {
		return nil, trace.NotFound("session %q is not found", name)
	}
	return found, nil
}

// FindSessionByDir implements Store.
func (s *MemoryStore) FindSessionByDir(dir string) (*Session, error) {
	var found *Session
	err := s.read(func(doc *Document) error {
		for i := range doc.Sessions {
			if doc.Sessions[i].Dir == dir {
				c := doc.Sessions[i]
				found = &c
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if found == nil {
		return nil, trace.NotFound("no session is running in %q", dir)
	}
	return found, nil
}

// AddSession implements Store.
func (s *MemoryStore) AddSession(sess Session) error {
	return s.WithLock(func(doc *Document) error {
		return trace.Wrap(doc.UpsertSession(sess))
	})
}

// RemoveSession implements Store.
func (s *MemoryStore) RemoveSession(name string) error {
	return s.WithLock(func(doc *Document) error {
		doc.RemoveSession(name)
		return nil
	})
}

// ListShares implements Store.
func (s *MemoryStore) ListShares() ([]Share, error) {
	var out []Share
	err := s.read(func(doc *Document) error {
		out = append(out, doc.Shares...)
		return nil
	})
	return out, trace.Wrap(err)
}

// GetShare implements Store.
func (s *MemoryStore) GetShare(token string) (*Share, error) {
	var found *Share
	err := s.read(func(doc *Document) error {
		if sh := doc.FindShare(token); sh != nil {
			c := *sh
			found = &c
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if found == nil {
		return nil, trace.NotFound("share %q is not found", token)
	}
	return found, nil
}

// AddShare implements Store.
func (s *MemoryStore) AddShare(sh Share) error {
	return s.WithLock(func(doc *Document) error {
		if doc.FindShare(sh.Token) != nil {
			return trace.AlreadyExists("share token collision")
		}
		doc.Shares = append(doc.Shares, sh)
		return nil
	})
}

// RemoveShare implements Store.
func (s *MemoryStore) RemoveShare(token string) (bool, error) {
	removed := false
	err := s.WithLock(func(doc *Document) error {
		removed = doc.RemoveShare(token)
		return nil
	})
	return removed, trace.Wrap(err)
}

// ListPushSubscriptions implements Store.
func (s *MemoryStore) ListPushSubscriptions() ([]PushSubscription, error) {
	var out []PushSubscription
	err := s.read(func(doc *Document) error {
		out = append(out, doc.PushSubscriptions...)
		return nil
	})
	return out, trace.Wrap(err)
}

// AddPushSubscription implements Store.
func (s *MemoryStore) AddPushSubscription(sub PushSubscription) error {
	return s.WithLock(func(doc *Document) error {
		doc.PushSubscriptions = append(doc.PushSubscriptions, sub)
		return nil
	})
}

// RemovePushSubscription implements Store.
func (s *MemoryStore) RemovePushSubscription(id string) (bool, error) {
	removed := false
	err := s.WithLock(func(doc *Document) error {
		for i := range doc.PushSubscriptions {
			if doc.PushSubscriptions[i].ID == id {
				doc.PushSubscriptions = append(doc.PushSubscriptions[:i], doc.PushSubscriptions[i+1:]...)
				removed = true
				return nil
			}
		}
		return nil
	})
	return removed, trace.Wrap(err)
}

// NextPort implements Store.
func (s *MemoryStore) NextPort(base int) (int, error) {
	port := 0
	err := s.read(func(doc *Document) error {
		port = doc.NextPort(base)
		return nil
	})
	return port, trace.Wrap(err)
}
