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

// Package utils implements shared helpers with no better home.
package utils

import (
	"path"
	"strings"
)

// JoinURLPath joins URL path segments, collapsing duplicate slashes and
// guaranteeing a leading slash. Unlike path.Join it keeps an empty base
// out of the result, so JoinURLPath("", "demo") == "/demo".
func JoinURLPath(elems ...string) string {
	joined := path.Join(elems...)
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

// IsRelativePathSafe reports whether p can be joined under a base
// directory without escaping it. It rejects absolute paths, parent
// traversal, percent-encoded dots, null bytes, Windows drive letters
// and backslash separators. Callers join accepted paths with
// path.Join(base, p), which cleans the result.
func IsRelativePathSafe(p string) bool {
	if p == "" {
		return false
	}
	if strings.ContainsRune(p, 0) {
		return false
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return false
	}
	// Windows drive-letter absolute paths ("C:\..." or "C:/...").
	if len(p) >= 2 && p[1] == ':' {
		return false
	}
	if strings.Contains(p, "\\") {
		return false
	}
	lower := strings.ToLower(p)
	// Percent-encoded dots could turn into traversal after a later
	// decode pass.
	if strings.Contains(lower, "%2e") || strings.Contains(lower, "%2f") || strings.Contains(lower, "%5c") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// TrimPathPrefix removes prefix from p when p equals the prefix or
// continues it at a path segment boundary. The second return is false
// when p does not lie under prefix. The remainder always begins with
// "/" (an exact match yields "/").
func TrimPathPrefix(p, prefix string) (string, bool) {
	if prefix == "" || prefix == "/" {
		if !strings.HasPrefix(p, "/") {
			return "", false
		}
		return p, true
	}
	if p == prefix {
		return "/", true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix):], true
	}
	return "", false
}
