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

package utils

import (
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinURLPath(t *testing.T) {
	tests := []struct {
		elems []string
		want  string
	}{
		{[]string{"/ttyd-mux", "/demo"}, "/ttyd-mux/demo"},
		{[]string{"/ttyd-mux/", "/demo"}, "/ttyd-mux/demo"},
		{[]string{"/ttyd-mux//", "//demo"}, "/ttyd-mux/demo"},
		{[]string{"", "demo"}, "/demo"},
		{[]string{"/", "/demo"}, "/demo"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, JoinURLPath(tt.elems...), "join %v", tt.elems)
	}
}

func TestIsRelativePathSafe(t *testing.T) {
	safe := []string{"a", "a/b", "a/b.txt", "down loads/x", "a/./b"}
	for _, p := range safe {
		require.True(t, IsRelativePathSafe(p), "expected safe: %q", p)
	}

	unsafe := []string{
		"",
		"..",
		"../x",
		"a/../../b",
		"/etc/passwd",
		"\\x",
		"a\\b",
		"C:\\temp",
		"c:/temp",
		"%2e%2e/x",
		"a/%2E%2E/b",
		"a\x00b",
	}
	for _, p := range unsafe {
		require.False(t, IsRelativePathSafe(p), "expected unsafe: %q", p)
	}

	// Safe paths stay inside the base after joining.
	const base = "/srv/files"
	for _, p := range safe {
		joined := path.Join(base, p)
		require.True(t, strings.HasPrefix(joined, base+"/"), "join escaped base: %q -> %q", p, joined)
	}
}

func TestTrimPathPrefix(t *testing.T) {
	rest, ok := TrimPathPrefix("/ttyd-mux/demo/ws", "/ttyd-mux/demo")
	require.True(t, ok)
	require.Equal(t, "/ws", rest)

	rest, ok = TrimPathPrefix("/ttyd-mux/demo", "/ttyd-mux/demo")
	require.True(t, ok)
	require.Equal(t, "/", rest)

	// Not a segment boundary.
	_, ok = TrimPathPrefix("/ttyd-mux/demo2", "/ttyd-mux/demo")
	require.False(t, ok)

	_, ok = TrimPathPrefix("/other", "/ttyd-mux")
	require.False(t, ok)

	rest, ok = TrimPathPrefix("/anything", "/")
	require.True(t, ok)
	require.Equal(t, "/anything", rest)
}
