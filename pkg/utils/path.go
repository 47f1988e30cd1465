package utils

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/donkomura/fsspec-chfs/pkg/errors"
)

// Root is the normalized root of every remote namespace.
const Root = "/"

const schemeSep = "://"

// SplitScheme separates a "scheme://rest" string. Strings without a scheme
// return an empty scheme and the input unchanged.
func SplitScheme(raw string) (scheme, rest string) {
	i := strings.Index(raw, schemeSep)
	if i <= 0 {
		return "", raw
	}
	scheme = raw[:i]
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '+' || r == '.') {
			return "", raw
		}
	}
	return strings.ToLower(scheme), raw[i+len(schemeSep):]
}

// Resolve normalizes a raw path string into the canonical remote form.
//
// The result is always absolute and slash separated. A recognized scheme
// prefix is stripped, backslashes become slashes, and redundant "/", "."
// and ".." segments are collapsed. A ".." that would climb above the root
// is rejected rather than clamped.
//
// Resolve is purely syntactic and never touches the storage client.
//
// Example usage:
//
//	p, err := Resolve("chfs://tmp\\cat//dog/./crow")
//	// p == "/tmp/cat/dog/crow"
func Resolve(raw string) (string, error) {
	_, rest := SplitScheme(raw)
	if rest == "" {
		return "", errors.NewError(errors.ErrCodePathInvalid, "path cannot be empty").WithOperation("resolve")
	}
	if strings.IndexByte(rest, 0) >= 0 {
		return "", errors.NewError(errors.ErrCodePathInvalid, "path contains NUL byte").WithOperation("resolve")
	}

	rest = strings.ReplaceAll(rest, `\`, "/")

	segments := make([]string, 0, strings.Count(rest, "/")+1)
	for _, seg := range strings.Split(rest, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(segments) == 0 {
				return "", errors.NewError(errors.ErrCodePathInvalid, "path escapes root").
					WithOperation("resolve").
					WithPath(raw)
			}
			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, seg)
		}
	}
	return Root + strings.Join(segments, "/"), nil
}

// MustResolve is Resolve for inputs known to be valid; it panics otherwise.
func MustResolve(raw string) string {
	p, err := Resolve(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// ParentOf returns the parent of a normalized path. The parent of the root
// is the root itself.
func ParentOf(p string) string {
	if p == Root || p == "" {
		return Root
	}
	return path.Dir(p)
}

// Base returns the last element of a normalized path.
func Base(p string) string {
	if p == Root {
		return Root
	}
	return path.Base(p)
}

// Join appends a child name to a normalized directory path.
func Join(dir, name string) string {
	if dir == Root {
		return Root + name
	}
	return dir + "/" + name
}

// Ancestors returns every proper ancestor of p from the shallowest down,
// excluding the root.
//
//	Ancestors("/a/b/c") == []string{"/a", "/a/b"}
func Ancestors(p string) []string {
	var out []string
	for parent := ParentOf(p); parent != Root; parent = ParentOf(parent) {
		out = append(out, parent)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Depth returns the number of segments in a normalized path.
func Depth(p string) int {
	if p == Root {
		return 0
	}
	return strings.Count(p, "/")
}

// ValidatePath validates that a local file path is safe and does not contain
// directory traversal attempts. It is used for local paths such as mount
// points and database directories, never for remote paths.
//
// Example usage:
//
//	if err := ValidatePath(cfg.FUSE.MountPoint, true); err != nil {
//		return fmt.Errorf("invalid mount point: %w", err)
//	}
func ValidatePath(p string, allowAbsolute bool) error {
	if p == "" {
		return errors.NewError(errors.ErrCodePathInvalid, "path cannot be empty")
	}

	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return errors.Newf(errors.ErrCodePathInvalid, "path contains directory traversal: %s", p)
		}
	}

	if !allowAbsolute && filepath.IsAbs(filepath.Clean(p)) {
		return errors.Newf(errors.ErrCodePathInvalid, "absolute paths not allowed: %s", p)
	}

	return nil
}
