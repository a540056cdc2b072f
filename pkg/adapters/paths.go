package adapters

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// SafeJoin joins segments under root and rejects any result that
// escapes it. Used both when initializing writable storage and when
// resolving external assets against readable_storage roots.
func SafeJoin(root string, segments ...string) (string, error) {
	cleanRoot := filepath.Clean(root)
	joined := filepath.Join(append([]string{cleanRoot}, segments...)...)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root %q", strings.Join(segments, "/"), root)
	}
	return joined, nil
}

// PathIsWithin reports whether path lies under any of the given roots.
func PathIsWithin(path string, roots []string) bool {
	clean := filepath.Clean(path)
	for _, root := range roots {
		cleanRoot := filepath.Clean(root)
		if clean == cleanRoot || strings.HasPrefix(clean, cleanRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// FileURIToPath converts a file:// data URI into a filesystem path.
// Only the file scheme is implemented.
func FileURIToPath(dataURI string) (string, error) {
	u, err := url.Parse(dataURI)
	if err != nil {
		return "", fmt.Errorf("invalid data URI %q: %w", dataURI, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported data URI scheme %q (only file is implemented)", u.Scheme)
	}
	return u.Path, nil
}

// PathToFileURI converts a filesystem path into a file:// data URI.
func PathToFileURI(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// EncodeSegments percent-encodes path segments for use inside
// writable_storage paths, so keys with separators cannot change the
// directory layout.
func EncodeSegments(segments []string) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = url.PathEscape(s)
	}
	return out
}
