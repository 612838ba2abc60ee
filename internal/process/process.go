// Package process runs the external tools the archive drives.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"ytbackup/internal/logging"
)

// Result is a finished process. A non-zero exit is not an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a command and waits for it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Exec runs commands with os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	logging.Debugf("exec %s %s", name, shellquote.Join(args...))
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("run %s: %w", name, err)
}

// RunLine splits a shell-quoted command line and runs it.
func RunLine(ctx context.Context, r Runner, line string) (Result, error) {
	words, err := shellquote.Split(strings.TrimSpace(line))
	if err != nil {
		return Result{}, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(words) == 0 {
		return Result{}, errors.New("empty command")
	}
	return r.Run(ctx, words[0], words[1:]...)
}
