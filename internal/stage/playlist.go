// SPDX-License-Identifier: MIT

package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WritePlaylist writes a concat demuxer playlist listing each of files once,
// in order, at {dir}/playlist_{unix_ts}.txt, and deletes any older playlist
// files for the same stream directory (spec.md §4.3, §5). It returns the
// absolute playlist path.
func WritePlaylist(dir string, files []string, now time.Time) (string, error) {
	if len(files) < 2 {
		return "", fmt.Errorf("write playlist: need at least 2 sources, got %d", len(files))
	}

	if err := removeOldPlaylists(dir); err != nil {
		return "", fmt.Errorf("write playlist: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("playlist_%d.txt", now.Unix()))

	var b strings.Builder
	for _, f := range files {
		b.WriteString("file '")
		b.WriteString(escapeSingleQuotes(f))
		b.WriteString("'\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil { // #nosec G306 -- playlist is read by ffmpeg, not a secret
		return "", fmt.Errorf("write playlist %s: %w", path, err)
	}
	return path, nil
}

// escapeSingleQuotes applies the concat demuxer's standard embedded-quote
// escape: close the quote, emit an escaped quote, reopen the quote.
func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

func removeOldPlaylists(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "playlist_") && strings.HasSuffix(name, ".txt") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
