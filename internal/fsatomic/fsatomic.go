// Package fsatomic provides crash-safe file writes and the ordered
// filename scheme used by every watched directory in the IPC fabric.
//
// A write is atomic from any observer's perspective: data lands in a
// sibling .tmp file first and is renamed into place afterwards. Watchers
// skip .tmp names, so a reader either sees the full payload or nothing.
package fsatomic

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TempSuffix marks in-progress writes. Files carrying it must be ignored
// by directory sweeps; a crash between write and rename leaves only the
// .tmp behind.
const TempSuffix = ".tmp"

// WriteFile atomically writes data to path. The temp file is created in
// the target directory so the final rename never crosses filesystems.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	// Remove the temp file on any failure path so aborted writes don't
	// accumulate.
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s → %s: %w", tmpName, path, err)
	}
	cleanup = false
	return nil
}

// WriteJSON atomically writes v as indented JSON to path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFile(path, data)
}

// Touch atomically creates an empty file at path (used for sentinel
// files). Creating via rename keeps the all-or-nothing property even for
// zero-byte files.
func Touch(path string) error {
	return WriteFile(path, nil)
}

// StreamName builds the ordered stream filename "<ms-epoch>-<6-hex>".
// Lexicographic sort of these names equals creation order; the hex suffix
// breaks same-millisecond ties across processes.
func StreamName(t time.Time, entropy string) string {
	return fmt.Sprintf("%013d-%s", t.UnixMilli(), entropy)
}

// NextStreamName returns a stream filename for the current instant with
// random tie-break entropy.
func NextStreamName() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Timestamp alone still orders; entropy only breaks ties.
		return StreamName(time.Now(), "000000")
	}
	return StreamName(time.Now(), hex.EncodeToString(b[:]))
}

// ParseStreamName extracts the millisecond timestamp from an ordered
// stream filename. The second return is false for names that don't follow
// the scheme.
func ParseStreamName(name string) (time.Time, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	idx := strings.IndexByte(base, '-')
	if idx <= 0 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(base[:idx], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// IsTemp reports whether a directory entry is an in-progress write or
// other non-payload file and must be skipped by sweeps.
func IsTemp(name string) bool {
	return strings.HasSuffix(name, TempSuffix) || strings.HasPrefix(name, ".")
}

// ListOrdered returns the payload filenames in dir sorted
// lexicographically, skipping temp files, dotfiles and subdirectories.
// A missing directory yields an empty list.
func ListOrdered(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || IsTemp(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
