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

package share

import (
	"regexp"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/ttydmux/lib/state"
)

func newManager(t *testing.T) (*Manager, *state.MemoryStore, *clockwork.FakeClock) {
	store := state.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	require.NoError(t, store.AddSession(state.Session{Name: "demo", Port: 7601, Path: "/demo"}))
	return NewManager(store, clock), store, clock
}

func TestGenerateToken(t *testing.T) {
	format := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		token, err := GenerateToken()
		require.NoError(t, err)
		require.Regexp(t, format, token)
		require.False(t, seen[token], "duplicate token after %d draws", i)
		seen[token] = true
	}
}

func TestParseExpiresIn(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1h", time.Hour},
		{"24h", 24 * time.Hour},
		{"30m", 30 * time.Minute},
		{"7d", 7 * 24 * time.Hour},
		{"0h", time.Hour},
		{"", time.Hour},
		{"soon", time.Hour},
		{"-5m", time.Hour},
		{"1.5h", time.Hour},
		{"999999h", 365 * 24 * time.Hour},
	}
	for _, tt := range tests {
		got := ParseExpiresIn(tt.in)
		require.Equal(t, tt.want, got, "input %q", tt.in)
		require.Positive(t, got)
		require.LessOrEqual(t, got, 365*24*time.Hour)
	}
}

func TestShareRoundTrip(t *testing.T) {
	m, _, clock := newManager(t)

	sh, err := m.CreateShare("demo", "30m")
	require.NoError(t, err)
	require.Regexp(t, `^[0-9a-f]{32}$`, sh.Token)
	require.Equal(t, 30*time.Minute, sh.ExpiresAt.Sub(sh.CreatedAt))

	got, err := m.ValidateShare(sh.Token)
	require.NoError(t, err)
	require.Equal(t, "demo", got.SessionName)

	// Past expiry the share reads as absent and is swept.
	clock.Advance(31 * time.Minute)
	_, err = m.ValidateShare(sh.Token)
	require.True(t, trace.IsNotFound(err))

	shares, err := m.ListShares()
	require.NoError(t, err)
	require.Empty(t, shares)
}

func TestCreateShareUnknownSession(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.CreateShare("missing", "1h")
	require.True(t, trace.IsNotFound(err))
}

func TestRevokeShare(t *testing.T) {
	m, _, _ := newManager(t)
	sh, err := m.CreateShare("demo", "1h")
	require.NoError(t, err)

	removed, err := m.RevokeShare(sh.Token)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = m.RevokeShare(sh.Token)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestCleanupExpiredShares(t *testing.T) {
	m, _, clock := newManager(t)

	_, err := m.CreateShare("demo", "1h")
	require.NoError(t, err)
	_, err = m.CreateShare("demo", "2h")
	require.NoError(t, err)
	keeper, err := m.CreateShare("demo", "1d")
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	removed, err := m.CleanupExpiredShares()
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	shares, err := m.ListShares()
	require.NoError(t, err)
	require.Len(t, shares, 1)
	require.Equal(t, keeper.Token, shares[0].Token)
}

func TestDanglingShareSurvivesSessionStop(t *testing.T) {
	m, store, _ := newManager(t)
	sh, err := m.CreateShare("demo", "1h")
	require.NoError(t, err)

	// Stopping the session does not revoke the share; it simply fails
	// to resolve to a live session at use time.
	require.NoError(t, store.RemoveSession("demo"))
	got, err := m.ValidateShare(sh.Token)
	require.NoError(t, err)
	require.Equal(t, "demo", got.SessionName)
}
