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
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/ttydmux"
	"github.com/gravitational/ttydmux/lib/defaults"
)

// FileStore is the file-backed Store. Every operation re-reads the
// state file, so concurrent CLI processes and the daemon observe each
// other's writes without an invalidation protocol. Mutations hold an
// exclusive advisory lock for the whole read-modify-write cycle.
//
// The lock lives on a sibling ".lock" file rather than on state.json
// itself: writes replace state.json by rename, and a lock taken on the
// replaced inode would no longer exclude the next writer.
type FileStore struct {
	path string
	lock *flock.Flock
	log  *logrus.Entry
}

// NewFileStore returns a store backed by the state file inside dir.
func NewFileStore(dir string) *FileStore {
	path := filepath.Join(dir, defaults.StateFileName)
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
		log:  logrus.WithField(ttydmux.Component, ttydmux.ComponentState),
	}
}

// Path returns the location of the state file.
func (s *FileStore) Path() string {
	return s.path
}

// load reads and parses the current document. Parse and read failures
// collapse to an empty document: a corrupt state file must never brick
// the daemon, losing state is the lesser evil.
func (s *FileStore) load() *Document {
	doc := &Document{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).Warn("Failed to read state file, starting from an empty document.")
		}
		return doc
	}
	if err := json.Unmarshal(data, doc); err != nil {
		s.log.WithError(err).Warn("State file is not valid JSON, starting from an empty document.")
		return &Document{}
	}
	return doc
}

// save writes the document to a sibling temp file and renames it over
// the state file so readers never observe a torn write.
func (s *FileStore) save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), defaults.StateFileName+".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return trace.ConvertSystemError(err)
	}
	return nil
}

// WithLock implements Store.
func (s *FileStore) WithLock(fn func(doc *Document) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.StateLockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, defaults.StateLockRetryInterval)
	if err != nil {
		return trace.LimitExceeded("timed out waiting for the state file lock: %v", err)
	}
	if !locked {
		return trace.LimitExceeded("timed out waiting for the state file lock")
	}
	defer s.lock.Unlock()

	doc := s.load()
	if err := fn(doc); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.save(doc))
}

// read runs fn against a freshly loaded document without taking the
// lock. Reads tolerate racing writers because writes are atomic
// renames.
func (s *FileStore) read(fn func(doc *Document) error) error {
	return fn(s.load())
}

// GetDaemon implements Store.
func (s *FileStore) GetDaemon() (*DaemonRecord, error) {
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
func (s *FileStore) SetDaemon(rec DaemonRecord) error {
	return s.WithLock(func(doc *Document) error {
		doc.Daemon = &rec
		return nil
	})
}

// ClearDaemon implements Store.
func (s *FileStore) ClearDaemon() error {
	return s.WithLock(func(doc *Document) error {
		doc.Daemon = nil
		return nil
	})
}

// ListSessions implements Store.
func (s *FileStore) ListSessions() ([]Session, error) {
	var out []Session
	err := s.read(func(doc *Document) error {
		out = append(out, doc.Sessions...)
		return nil
	})
	return out, trace.Wrap(err)
}

// FindSessionByName implements Store.
func (s *FileStore) FindSessionByName(name string) (*Session, error) {
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
func (s *FileStore) FindSessionByDir(dir string) (*Session, error) {
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
func (s *FileStore) AddSession(sess Session) error {
	return s.WithLock(func(doc *Document) error {
		return trace.Wrap(doc.UpsertSession(sess))
	})
}

// RemoveSession implements Store.
func (s *FileStore) RemoveSession(name string) error {
	return s.WithLock(func(doc *Document) error {
		doc.RemoveSession(name)
		return nil
	})
}

// ListShares implements Store.
func (s *FileStore) ListShares() ([]Share, error) {
	var out []Share
	err := s.read(func(doc *Document) error {
		out = append(out, doc.Shares...)
		return nil
	})
	return out, trace.Wrap(err)
}

// GetShare implements Store.
func (s *FileStore) GetShare(token string) (*Share, error) {
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
func (s *FileStore) AddShare(sh Share) error {
	return s.WithLock(func(doc *Document) error {
		if doc.FindShare(sh.Token) != nil {
			return trace.AlreadyExists("share token collision")
		}
		doc.Shares = append(doc.Shares, sh)
		return nil
	})
}

// RemoveShare implements Store.
func (s *FileStore) RemoveShare(token string) (bool, error) {
	removed := false
	err := s.WithLock(func(doc *Document) error {
		removed = doc.RemoveShare(token)
		return nil
	})
	return removed, trace.Wrap(err)
}

// ListPushSubscriptions implements Store.
func (s *FileStore) ListPushSubscriptions() ([]PushSubscription, error) {
	var out []PushSubscription
	err := s.read(func(doc *Document) error {
		out = append(out, doc.PushSubscriptions...)
		return nil
	})
	return out, trace.Wrap(err)
}

// AddPushSubscription implements Store.
func (s *FileStore) AddPushSubscription(sub PushSubscription) error {
	return s.WithLock(func(doc *Document) error {
		doc.PushSubscriptions = append(doc.PushSubscriptions, sub)
		return nil
	})
}

// RemovePushSubscription implements Store.
func (s *FileStore) RemovePushSubscription(id string) (bool, error) {
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
func (s *FileStore) NextPort(base int) (int, error) {
	port := 0
	err := s.read(func(doc *Document) error {
		port = doc.NextPort(base)
		return nil
	})
	return port, trace.Wrap(err)
}
