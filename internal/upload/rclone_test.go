package upload

import (
	"context"
	"reflect"
	"testing"

	"ytbackup/internal/process"
)

type recordingRunner struct {
	calls  [][]string
	result process.Result
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) (process.Result, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.result, nil
}

func TestMove(t *testing.T) {
	runner := &recordingRunner{}
	u := New("", "gdrive", "youtube", runner)

	if err := u.Move(context.Background(), "/staging"); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	want := []string{"rclone", "move", "/staging", "gdrive:youtube", "--delete-empty-src-dirs"}
	if len(runner.calls) != 1 || !reflect.DeepEqual(runner.calls[0], want) {
		t.Fatalf("calls = %v", runner.calls)
	}

	runner.result = process.Result{ExitCode: 1, Stderr: "quota"}
	if err := u.Move(context.Background(), "/staging"); err == nil {
		t.Fatalf("expected error on non-zero exit")
	}
}

func TestSize(t *testing.T) {
	runner := &recordingRunner{result: process.Result{Stdout: `{"count":12,"bytes":123456789}`}}
	size, err := New("rclone", "gdrive", "youtube", runner).Size(context.Background())
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 123456789 {
		t.Fatalf("size = %d", size)
	}
}
