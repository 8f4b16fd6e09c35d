package utils

import (
	"strings"
	"unicode/utf8"

	"github.com/agentharbor/agentfs/pkg/errors"
)

// MaxNameLength is the longest entry name accepted, in bytes.
const MaxNameLength = 255

// SplitPath validates an absolute engine path and returns its components.
// Empty and "." components are dropped; ".." is rejected because adapters
// hand the engine already-resolved paths. The root path yields no
// components.
//
// Example usage:
//
//	comps, err := SplitPath("/a/b.txt") // ["a", "b.txt"]
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "path cannot be empty")
	}
	if path[0] != '/' {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "path must be absolute: %q", path)
	}

	parts := strings.Split(path, "/")
	comps := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return nil, errors.Newf(errors.ErrCodeInvalidArgument, "path contains parent reference: %q", path)
		}
		if err := ValidateName(part); err != nil {
			return nil, err
		}
		comps = append(comps, part)
	}
	return comps, nil
}

// SplitParent returns the parent components and the final name of path.
// The root has no final name and yields InvalidArgument.
func SplitParent(path string) ([]string, string, error) {
	comps, err := SplitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(comps) == 0 {
		return nil, "", errors.NewError(errors.ErrCodeInvalidArgument, "operation not permitted on the root")
	}
	return comps[:len(comps)-1], comps[len(comps)-1], nil
}

// ValidateName checks a single directory entry name.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.Newf(errors.ErrCodeInvalidName, "reserved name %q", name)
	}
	if len(name) > MaxNameLength {
		return errors.Newf(errors.ErrCodeInvalidName, "name exceeds %d bytes", MaxNameLength)
	}
	if strings.ContainsAny(name, "/\x00") {
		return errors.Newf(errors.ErrCodeInvalidName, "name %q contains a separator or NUL", name)
	}
	if !utf8.ValidString(name) {
		return errors.NewError(errors.ErrCodeInvalidName, "name is not valid UTF-8")
	}
	return nil
}

// JoinPath renders components as an absolute path.
func JoinPath(comps []string) string {
	if len(comps) == 0 {
		return "/"
	}
	return "/" + strings.Join(comps, "/")
}

// HasPathPrefix reports whether comps starts with prefix.
func HasPathPrefix(comps, prefix []string) bool {
	if len(prefix) > len(comps) {
		return false
	}
	for i := range prefix {
		if comps[i] != prefix[i] {
			return false
		}
	}
	return true
}
