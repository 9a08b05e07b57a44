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

// Package share implements time-limited read-only share tokens bound to
// sessions. Tokens are random handles persisted in the state store;
// expired tokens are swept lazily whenever they are touched.
package share

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/ttydmux"
	"github.com/gravitational/ttydmux/lib/defaults"
	"github.com/gravitational/ttydmux/lib/state"
)

// tokenBytes is the entropy of a share token. Rendered as lowercase hex
// the token is exactly 32 characters.
const tokenBytes = 16

// createRetries bounds token regeneration on the (practically
// impossible) collision with a stored token.
const createRetries = 3

// Manager creates, validates and revokes share tokens. It is pure over
// the injected store so it can be unit-tested against the in-memory
// state store.
type Manager struct {
	store state.Store
	clock clockwork.Clock
	log   *logrus.Entry
}

// NewManager returns a share manager over the given store. A nil clock
// defaults to the real one.
func NewManager(store state.Store, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		store: store,
		clock: clock,
		log:   logrus.WithField(ttydmux.Component, ttydmux.ComponentShare),
	}
}

// GenerateToken returns a fresh share token: 16 random bytes as
// lowercase hex.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}

// tokenRe matches the wire form of a share token.
var tokenRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// IsValidToken reports whether s has the shape of a share token. Used
// by the router to reject malformed share URLs before touching the
// store.
func IsValidToken(s string) bool {
	return tokenRe.MatchString(s)
}

// expiresInRe recognizes the duration grammar of the share API: a
// non-negative integer followed by h, m or d.
var expiresInRe = regexp.MustCompile(`^(\d+)([hmd])$`)

// ParseExpiresIn converts a share lifetime string ("2h", "30m", "7d")
// to a duration. Unrecognized input falls back to one hour; recognized
// input is capped at one year.
func ParseExpiresIn(s string) time.Duration {
	m := expiresInRe.FindStringSubmatch(s)
	if m == nil {
		return defaults.ShareTTL
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		// Out of int range; the cap below would apply anyway.
		return defaults.MaxShareTTL
	}
	var d time.Duration
	switch m[2] {
	case "h":
		d = time.Duration(n) * time.Hour
	case "m":
		d = time.Duration(n) * time.Minute
	case "d":
		d = time.Duration(n) * 24 * time.Hour
	}
	if d <= 0 {
		return defaults.ShareTTL
	}
	if d > defaults.MaxShareTTL {
		return defaults.MaxShareTTL
	}
	return d
}

// CreateShare mints a share token for the named session. The session
// must exist at creation time; it is allowed to stop later, leaving a
// dangling share that fails to resolve. expiresIn follows the
// ParseExpiresIn grammar; empty or unrecognized means one hour.
func (m *Manager) CreateShare(sessionName, expiresIn string) (*state.Share, error) {
	if _, err := m.store.FindSessionByName(sessionName); err != nil {
		return nil, trace.Wrap(err)
	}
	now := m.clock.Now().UTC()
	ttl := ParseExpiresIn(expiresIn)

	for i := 0; i < createRetries; i++ {
		token, err := GenerateToken()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		sh := state.Share{
			Token:       token,
			SessionName: sessionName,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		err = m.store.AddShare(sh)
		if err == nil {
			m.log.WithFields(logrus.Fields{
				"session": sessionName,
				"expires": sh.ExpiresAt,
			}).Info("Created share token.")
			return &sh, nil
		}
		if !trace.IsAlreadyExists(err) {
			return nil, trace.Wrap(err)
		}
		// Token collision: retry with fresh randomness.
	}
	return nil, trace.LimitExceeded("could not generate a unique share token")
}

// ValidateShare resolves a token to its share. Expired shares are
// removed as a side effect and reported as not found.
func (m *Manager) ValidateShare(token string) (*state.Share, error) {
	sh, err := m.store.GetShare(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if sh.Expired(m.clock.Now()) {
		if _, err := m.store.RemoveShare(token); err != nil {
			m.log.WithError(err).Warn("Failed to sweep expired share.")
		}
		return nil, trace.NotFound("share %q is not found", token)
	}
	return sh, nil
}

// RevokeShare removes a token. Reports whether a record existed.
func (m *Manager) RevokeShare(token string) (bool, error) {
	removed, err := m.store.RemoveShare(token)
	return removed, trace.Wrap(err)
}

// ListShares returns all live shares, sweeping expired ones first.
func (m *Manager) ListShares() ([]state.Share, error) {
	if _, err := m.CleanupExpiredShares(); err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := m.store.ListShares()
	return out, trace.Wrap(err)
}

// CleanupExpiredShares removes every expired share and returns how many
// were removed.
func (m *Manager) CleanupExpiredShares() (int, error) {
	now := m.clock.Now()
	removed := 0
	err := m.store.WithLock(func(doc *state.Document) error {
		kept := doc.Shares[:0]
		for _, sh := range doc.Shares {
			if sh.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, sh)
		}
		doc.Shares = kept
		return nil
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if removed > 0 {
		m.log.WithField("count", removed).Debug("Swept expired shares.")
	}
	return removed, nil
}
