// Package upload moves finished files to remote storage with rclone.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ytbackup/internal/process"
)

// Uploader drives rclone against a configured remote.
type Uploader struct {
	binary string
	target string
	base   string
	runner process.Runner
}

func New(binary, target, base string, runner process.Runner) *Uploader {
	if binary == "" {
		binary = "rclone"
	}
	if runner == nil {
		runner = process.Exec{}
	}
	return &Uploader{binary: binary, target: target, base: base, runner: runner}
}

// Remote is the rclone path files end up under.
func (u *Uploader) Remote() string {
	return u.target + ":" + u.base
}

// Move uploads everything under dir and deletes emptied source directories.
func (u *Uploader) Move(ctx context.Context, dir string) error {
	res, err := u.runner.Run(ctx, u.binary, "move", dir, u.Remote(), "--delete-empty-src-dirs")
	if err != nil {
		return fmt.Errorf("upload %s: %w", dir, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("upload %s: rclone exited %d: %s", dir, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Size returns the total bytes stored under the remote path.
func (u *Uploader) Size(ctx context.Context) (int64, error) {
	res, err := u.runner.Run(ctx, u.binary, "size", u.Remote(), "--json")
	if err != nil {
		return 0, fmt.Errorf("archive size: %w", err)
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("archive size: rclone exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	var out struct {
		Count int64 `json:"count"`
		Bytes int64 `json:"bytes"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return 0, fmt.Errorf("archive size: decode rclone output: %w", err)
	}
	return out.Bytes, nil
}
