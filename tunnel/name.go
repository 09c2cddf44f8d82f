package tunnel

import (
	"path"
	"slices"
	"strings"
)

// configExtensions are the file extensions NormalizeName strips.
var configExtensions = []string{".conf", ".zip"}

// NormalizeName derives a record key from a file or entry name: the last
// path component (either separator) without surrounding whitespace and
// without .conf/.zip extensions, matched case-insensitively. Other dots
// are part of the name, so "us.east.conf" becomes "us.east".
// An empty result means the entry has no usable name.
//
// The stripping repeats until nothing changes, which makes NormalizeName
// idempotent.
func NormalizeName(raw string) string {
	name := raw
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	for {
		next := strings.TrimSpace(name)
		if ext := path.Ext(next); slices.Contains(configExtensions, strings.ToLower(ext)) {
			next = strings.TrimSpace(strings.TrimSuffix(next, ext))
		}
		if next == name {
			return name
		}
		name = next
	}
}

// ValidKey reports whether key is a name NormalizeName could produce.
func ValidKey(key string) bool {
	return key != "" && NormalizeName(key) == key
}
