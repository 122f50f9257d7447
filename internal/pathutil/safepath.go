// Package pathutil holds the path checks shared by config validation and the object store.
package pathutil

import (
	"strings"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// CleanKeyPrefix normalizes an object key prefix to "a/b" form (no leading or
// trailing slash, no empty segments). Dot segments are rejected rather than resolved.
func CleanKeyPrefix(p string) (string, error) {
	if HasDotSegments(p) {
		return "", xerrors.Newf("key prefix %q contains dot segments", p)
	}
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return strings.Join(segs, "/"), nil
}

// JoinKey joins a cleaned prefix and an object name
func JoinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
