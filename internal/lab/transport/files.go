package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PartSuffix marks a file that is still being written.
const PartSuffix = ".part"

var resultExtensions = map[string]bool{
	".hl7": true,
	".txt": true,
	".gl7": true,
	".dat": true,
}

// IsResultFile reports whether name carries a recognized result extension.
// Hidden files never qualify.
func IsResultFile(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return resultExtensions[strings.ToLower(filepath.Ext(name))]
}

// ScanDir lists the result files in dir in lexical order. Zero-length files
// are treated as still being written and left out.
func ScanDir(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Artifact
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsResultFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		if info.Size() == 0 {
			continue
		}
		out = append(out, Artifact{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Cap truncates artifacts to max and reports whether any were cut.
func Cap(artifacts []Artifact, max int) ([]Artifact, bool) {
	if max <= 0 || len(artifacts) <= max {
		return artifacts, false
	}
	return artifacts[:max], true
}

// ReadArtifact returns the bytes of a staged or dropped file.
func ReadArtifact(a Artifact) ([]byte, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, NewError(ErrRead, "read", a.Name, err)
	}
	if len(data) == 0 {
		return nil, NewError(ErrRead, "read", a.Name, errors.New("empty file"))
	}
	return data, nil
}

// WriteFileAtomic copies r into path through a sibling .part file, so a
// crash never leaves a partial file under a recognized name.
func WriteFileAtomic(path string, r io.Reader) (int64, error) {
	tmp := path + PartSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// MoveToBackup moves src into backupDir under the same name and stamps it
// with now, which is the time replay selects on. A stale backup of the same
// name is removed first so a retried acknowledgment cannot be confused with
// a duplicate. When rename is not possible (different filesystems) the file
// is copied and then removed; if the removal fails the error is ErrAck and
// the source is still in place.
func MoveToBackup(src, backupDir string, now time.Time) (string, error) {
	name := filepath.Base(src)
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return "", NewError(ErrAck, "backup", name, err)
	}
	dst := filepath.Join(backupDir, name)

	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, derr := os.Stat(dst); derr == nil {
				// A previous attempt already completed the move.
				return dst, nil
			}
		}
		return "", NewError(ErrAck, "backup", name, err)
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", NewError(ErrAck, "backup", name, fmt.Errorf("remove stale backup: %w", err))
	}

	if err := os.Rename(src, dst); err != nil {
		if err := copyFile(src, dst); err != nil {
			return "", NewError(ErrAck, "backup", name, err)
		}
		if err := os.Remove(src); err != nil {
			return dst, NewError(ErrAck, "backup", name, fmt.Errorf("archived but source not removed: %w", err))
		}
	}
	// The move is complete; a failed stamp only shifts the replay date.
	_ = os.Chtimes(dst, now, now)
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = WriteFileAtomic(dst, in)
	return err
}
