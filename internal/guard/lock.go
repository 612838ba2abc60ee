package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// ErrLocked is returned when another download batch holds the lock marker.
var ErrLocked = errors.New("download batch already in progress")

// Lock is a filesystem lock marker created exclusively.
type Lock struct {
	path string
}

// Acquire creates the marker at path and fails with ErrLocked if it exists.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("create lock marker: %w", err)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock marker: %w", werr)
	}
	return &Lock{path: path}, nil
}

// Held reports whether a lock marker exists at path.
func Held(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Release removes the marker. Releasing twice is not an error.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Remove deletes a stale marker left behind by a batch that did not exit
// cleanly.
func Remove(path string) error {
	return (&Lock{path: path}).Release()
}
