package fetcher

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ytbackup/internal/process"
)

// UserAgent is sent on every fetch.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/81.0.4044.122 Safari/537.36"

// Options configures the fetch tool invocation.
type Options struct {
	BinaryPath      string
	DownloadArchive string
	StagingDir      string
	NamingFormat    string
	VideoFormat     string
	ExtraArgs       []string
	Proxy           string
}

// Result describes one fetch attempt.
type Result struct {
	Outcome  Outcome
	File     string
	Warnings []string
	Stderr   string
}

// Fetcher downloads one video per call into <staging>/<channel>/.
type Fetcher struct {
	opts   Options
	runner process.Runner
}

func New(opts Options, runner process.Runner) *Fetcher {
	if runner == nil {
		runner = process.Exec{}
	}
	return &Fetcher{opts: opts, runner: runner}
}

// Args builds the tool's argument list for one video.
func (f *Fetcher) Args(videoID, channelName string) []string {
	output := filepath.Join(f.opts.StagingDir, channelName, f.opts.NamingFormat)
	args := []string{
		"--continue",
		"-4",
		"--download-archive", f.opts.DownloadArchive,
		"--output", output,
		"--ignore-config",
		"--ignore-errors",
		"--merge-output-format", "mkv",
		"--no-overwrites",
		"--restrict-filenames",
		"--format", f.opts.VideoFormat,
		"--user-agent", UserAgent,
	}
	args = append(args, f.opts.ExtraArgs...)
	if f.opts.Proxy != "" {
		args = append(args, "--proxy", f.opts.Proxy)
	}
	return append(args, "https://youtu.be/"+videoID)
}

// Fetch runs the tool and classifies the result. Only failures to start or
// wait for the process are returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, videoID, channelName string) (Result, error) {
	res, err := f.runner.Run(ctx, f.opts.BinaryPath, f.Args(videoID, channelName)...)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", videoID, err)
	}

	outcome, lookForFile := Classify(res.ExitCode, res.Stdout, res.Stderr)
	result := Result{Outcome: outcome, Warnings: SoftWarnings(res.Stderr), Stderr: res.Stderr}
	for _, w := range result.Warnings {
		log.Printf("fetch %s: %s, continuing", videoID, w)
	}
	if !lookForFile {
		return result, nil
	}

	if file := f.locate(res.Stdout, videoID, channelName); file != "" {
		result.Outcome = Success
		result.File = file
	}
	return result, nil
}

// locate finds the produced file, first from the tool's own output and then
// by looking in the channel's staging directory for a file named after the
// video (mkv before mp4).
func (f *Fetcher) locate(stdout, videoID, channelName string) string {
	for _, candidate := range reportedPaths(stdout) {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	dir := filepath.Join(f.opts.StagingDir, channelName)
	for _, ext := range []string{".mkv", ".mp4"} {
		matches, _ := filepath.Glob(filepath.Join(dir, "*"+videoID+"*"+ext))
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches[0]
		}
	}
	return ""
}

// reportedPaths returns merge targets before download destinations, each in
// reverse output order.
func reportedPaths(stdout string) []string {
	var merged, destinations []string
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "Merging formats into"); i >= 0 {
			merged = append([]string{trimPath(line[i+len("Merging formats into"):])}, merged...)
			continue
		}
		if i := strings.Index(line, "Destination:"); i >= 0 {
			destinations = append([]string{trimPath(line[i+len("Destination:"):])}, destinations...)
		}
	}
	return append(merged, destinations...)
}

func trimPath(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}
