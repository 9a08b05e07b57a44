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
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

// stores returns a fresh instance of every Store implementation. The
// contract tests below run against each.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"file":   NewFileStore(t.TempDir()),
		"memory": NewMemoryStore(),
	}
}

func TestSessionUpsert(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			sess := Session{Name: "demo", PID: 123, Port: 7601, Path: "/demo", Dir: "/tmp"}
			require.NoError(t, store.AddSession(sess))

			// Same name replaces the prior record.
			sess.PID = 456
			require.NoError(t, store.AddSession(sess))
			out, err := store.ListSessions()
			require.NoError(t, err)
			require.Len(t, out, 1)
			require.Equal(t, 456, out[0].PID)

			// A different session may not reuse the port or the path.
			err = store.AddSession(Session{Name: "other", Port: 7601, Path: "/other"})
			require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)
			err = store.AddSession(Session{Name: "other", Port: 7602, Path: "/demo"})
			require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

			// Removing an absent session is not an error.
			require.NoError(t, store.RemoveSession("ghost"))
			require.NoError(t, store.RemoveSession("demo"))
			out, err = store.ListSessions()
			require.NoError(t, err)
			require.Empty(t, out)
		})
	}
}

func TestFindSession(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AddSession(Session{Name: "demo", Port: 7601, Path: "/demo", Dir: "/tmp/demo"}))

			sess, err := store.FindSessionByName("demo")
			require.NoError(t, err)
			require.Equal(t, "/tmp/demo", sess.Dir)

			sess, err = store.FindSessionByDir("/tmp/demo")
			require.NoError(t, err)
			require.Equal(t, "demo", sess.Name)

			_, err = store.FindSessionByName("missing")
			require.True(t, trace.IsNotFound(err))
			_, err = store.FindSessionByDir("/nowhere")
			require.True(t, trace.IsNotFound(err))
		})
	}
}

func TestNextPortNeverReturnsUsed(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			const base = 7600
			used := map[int]bool{}
			for i := 0; i < 50; i++ {
				if rng.Intn(3) == 0 && len(used) > 0 {
					// Random removal.
					for port := range used {
						require.NoError(t, store.RemoveSession(fmt.Sprintf("s%d", port)))
						delete(used, port)
						break
					}
					continue
				}
				port, err := store.NextPort(base)
				require.NoError(t, err)
				require.Greater(t, port, base)
				require.False(t, used[port], "NextPort returned a used port %d", port)
				require.NoError(t, store.AddSession(Session{
					Name: fmt.Sprintf("s%d", port),
					Port: port,
					Path: fmt.Sprintf("/s%d", port),
				}))
				used[port] = true
			}
		})
	}
}

func TestDaemonRecordRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := store.GetDaemon()
			require.NoError(t, err)
			require.Nil(t, rec)

			require.NoError(t, store.SetDaemon(DaemonRecord{PID: os.Getpid(), Port: 7680, StartedAt: time.Now().UTC()}))
			rec, err = store.GetDaemon()
			require.NoError(t, err)
			require.NotNil(t, rec)
			require.Equal(t, 7680, rec.Port)

			require.NoError(t, store.ClearDaemon())
			rec, err = store.GetDaemon()
			require.NoError(t, err)
			require.Nil(t, rec)
		})
	}
}

func TestFailedTransactionRollsBack(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AddSession(Session{Name: "keep", Port: 7601, Path: "/keep"}))
			err := store.WithLock(func(doc *Document) error {
				doc.Sessions = nil
				return trace.BadParameter("abort")
			})
			require.Error(t, err)
			out, err := store.ListSessions()
			require.NoError(t, err)
			require.Len(t, out, 1)
		})
	}
}

func TestFileStoreUnknownKeysPreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"sessions": [{"name": "demo", "port": 7601, "path": "/demo"}],
		"futureFeature": {"enabled": true}
	}`), 0600))

	store := NewFileStore(dir)
	require.NoError(t, store.AddSession(Session{Name: "second", Port: 7602, Path: "/second"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "futureFeature")
	require.JSONEq(t, `{"enabled": true}`, string(raw["futureFeature"]))
}

func TestFileStoreCorruptFileIsEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0600))

	store := NewFileStore(dir)
	out, err := store.ListSessions()
	require.NoError(t, err)
	require.Empty(t, out)

	// The store recovers by writing a fresh valid document.
	require.NoError(t, store.AddSession(Session{Name: "demo", Port: 7601, Path: "/demo"}))
	out, err = store.ListSessions()
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestFileStoreConcurrentWriters(t *testing.T) {
	dir := t.TempDir()

	// Separate store instances simulate separate processes contending
	// on the same state file.
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := NewFileStore(dir)
			err := store.AddSession(Session{
				Name: fmt.Sprintf("s%d", i),
				Port: 7601 + i,
				Path: fmt.Sprintf("/s%d", i),
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	out, err := NewFileStore(dir).ListSessions()
	require.NoError(t, err)
	require.Len(t, out, writers)
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := Document{
		Daemon: &DaemonRecord{PID: 1, Port: 7680, StartedAt: time.Unix(1700000000, 0).UTC()},
		Sessions: []Session{
			{Name: "a", Port: 7601, Path: "/a"},
			{Name: "b", Port: 7602, Path: "/b"},
		},
		Shares: []Share{
			{Token: "deadbeef", SessionName: "a", ExpiresAt: time.Unix(1700003600, 0).UTC()},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var loaded Document
	require.NoError(t, json.Unmarshal(data, &loaded))
	require.Equal(t, doc.Daemon, loaded.Daemon)
	require.ElementsMatch(t, doc.Sessions, loaded.Sessions)
	require.ElementsMatch(t, doc.Shares, loaded.Shares)
}
