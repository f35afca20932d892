// Package pathutil implements canonicalization of virtual gateway paths and
// HMAC signing of proxy URLs. Every path entering the gateway passes through
// Canonicalize before it is used for mount resolution or driver dispatch.
package pathutil

import (
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxPathBytes is the maximum accepted length of a virtual path in bytes.
const MaxPathBytes = 2048

// Sentinel errors for path validation. Use errors.Is to check.
var (
	ErrPathTooLong    = errors.New("pathutil: path exceeds maximum length")
	ErrPathTraversal  = errors.New("pathutil: path contains a parent-directory segment")
	ErrPathNUL        = errors.New("pathutil: path contains a NUL byte")
	ErrNotUnderMount  = errors.New("pathutil: path is not under the mount path")
)

// Canonicalize normalizes a virtual path to its canonical form:
// NFC-normalized, forward slashes only, no empty or "." segments, a single
// leading slash, and no trailing slash except for the root "/".
// Paths containing ".." segments or NUL bytes are rejected outright.
//
// Canonicalize is idempotent: Canonicalize(Canonicalize(p)) == Canonicalize(p).
func Canonicalize(p string) (string, error) {
	if len(p) > MaxPathBytes {
		return "", ErrPathTooLong
	}

	if strings.ContainsRune(p, '\x00') {
		return "", ErrPathNUL
	}

	// Windows clients routinely send backslash separators.
	p = strings.ReplaceAll(p, "\\", "/")

	// Unicode normalization so "é" composed and decomposed resolve to the
	// same mount entry.
	p = norm.NFC.String(p)

	segments := strings.Split(p, "/")
	kept := make([]string, 0, len(segments))

	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", ErrPathTraversal
		default:
			kept = append(kept, seg)
		}
	}

	if len(kept) == 0 {
		return "/", nil
	}

	return "/" + strings.Join(kept, "/"), nil
}

// Subpath returns the portion of path below mountPath. Both arguments must
// already be canonical. The result always begins with "/"; the mount root
// yields "/". ErrNotUnderMount is returned when path is outside mountPath.
func Subpath(mountPath, path string) (string, error) {
	if mountPath == "/" {
		return path, nil
	}

	if path == mountPath {
		return "/", nil
	}

	if !strings.HasPrefix(path, mountPath+"/") {
		return "", ErrNotUnderMount
	}

	return path[len(mountPath):], nil
}

// IsAncestor reports whether ancestor is a strict path prefix of path.
// Both arguments must be canonical. "/" is an ancestor of everything but
// itself.
func IsAncestor(ancestor, path string) bool {
	if ancestor == path {
		return false
	}

	if ancestor == "/" {
		return true
	}

	return strings.HasPrefix(path, ancestor+"/")
}

// Join concatenates canonical path components, collapsing duplicate slashes.
// Unlike stdlib path.Join it never interprets ".." — callers are expected to
// have canonicalized the inputs already.
func Join(parts ...string) string {
	joined := strings.Join(parts, "/")

	var b strings.Builder

	prevSlash := false

	for _, r := range joined {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	out := b.String()
	if len(out) > 1 {
		out = strings.TrimSuffix(out, "/")
	}

	return out
}

// BaseName returns the final segment of a canonical path. The root path
// yields "".
func BaseName(p string) string {
	if p == "/" {
		return ""
	}

	idx := strings.LastIndexByte(p, '/')

	return p[idx+1:]
}

// ParentPath returns the canonical parent of p. The parent of "/" is "/".
func ParentPath(p string) string {
	if p == "/" {
		return "/"
	}

	idx := strings.LastIndexByte(p, '/')
	if idx <= 0 {
		return "/"
	}

	return p[:idx]
}
