package fetcher

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Archive is the fetch tool's de-duplication ledger: one "<extractor> <id>"
// line per fetched video.
type Archive struct {
	path string
}

func NewArchive(path string) *Archive {
	return &Archive{path: path}
}

func (a *Archive) Path() string {
	return a.path
}

// Contains reports whether id is recorded. A missing ledger records nothing.
func (a *Archive) Contains(id string) (bool, error) {
	f, err := os.Open(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open download archive: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if archivedID(scanner.Text()) == id {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("read download archive: %w", err)
	}
	return false, nil
}

// Remove drops every line recording id so the next run fetches it again.
// The ledger is rewritten through a temp file and rename.
func (a *Archive) Remove(id string) (bool, error) {
	data, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read download archive: %w", err)
	}

	var kept bytes.Buffer
	removed := false
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line == "" {
			continue
		}
		if archivedID(line) == id {
			removed = true
			continue
		}
		kept.WriteString(line)
	}
	if !removed {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(a.path), ".archive-*")
	if err != nil {
		return false, fmt.Errorf("rewrite download archive: %w", err)
	}
	if _, err := tmp.Write(kept.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, fmt.Errorf("rewrite download archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("rewrite download archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), a.path); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("rewrite download archive: %w", err)
	}
	return true, nil
}

func archivedID(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
