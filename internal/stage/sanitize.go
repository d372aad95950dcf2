// SPDX-License-Identifier: MIT

// Package stage implements the File Stager: it downloads or links source
// media into a per-stream staging directory, validates each file, assembles
// a concat playlist when a stream has more than one source, and sweeps
// stale staging directories that no live stream references.
package stage

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxFilenameLen = 200

// SanitizeFilename maps name onto the alphabet [A-Za-z0-9._-], substituting
// '_' for every other byte, and truncates overlong names while preserving
// the extension (spec.md §4.3).
func SanitizeFilename(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	sanitizedExt := sanitizeExt(ext)

	clean := b.String()
	if clean == "" {
		clean = "file"
	}

	if len(clean)+len(sanitizedExt) > maxFilenameLen {
		keep := maxFilenameLen - len(sanitizedExt)
		if keep < 1 {
			keep = 1
		}
		clean = clean[:keep]
	}
	return clean + sanitizedExt
}

func sanitizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range ext {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// sourceFilename derives a staged filename from a source's URL or local
// path: the last path segment, sanitized, or a synthetic name keyed by
// index if the segment is empty.
func sourceFilename(rawURLOrPath string, index int) string {
	trimmed := strings.TrimRight(rawURLOrPath, "/")
	idx := strings.LastIndexAny(trimmed, "/\\")
	name := trimmed
	if idx >= 0 {
		name = trimmed[idx+1:]
	}
	if qi := strings.IndexByte(name, '?'); qi >= 0 {
		name = name[:qi]
	}
	if name == "" {
		name = fmt.Sprintf("source_%d", index)
	}
	return SanitizeFilename(name)
}
