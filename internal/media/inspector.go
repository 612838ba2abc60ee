// Package media reads duration and resolution of fetched files.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ytbackup/internal/process"
)

// Info is what inspection yields. Either field may be absent.
type Info struct {
	DurationSeconds *float64
	Resolution      string
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Inspector shells out to ffprobe.
type Inspector struct {
	binary string
	runner process.Runner
}

func NewInspector(binary string, runner process.Runner) *Inspector {
	if binary == "" {
		binary = "ffprobe"
	}
	if runner == nil {
		runner = process.Exec{}
	}
	return &Inspector{binary: binary, runner: runner}
}

// Inspect never fails on unreadable metadata; it returns whatever it could
// parse. Errors are reserved for the tool not running at all.
func (i *Inspector) Inspect(ctx context.Context, path string) (Info, error) {
	res, err := i.runner.Run(ctx, i.binary, "-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path)
	if err != nil {
		return Info{}, fmt.Errorf("inspect %s: %w", path, err)
	}
	return Parse([]byte(res.Stdout)), nil
}

// Parse extracts Info from ffprobe JSON output.
func Parse(data []byte) Info {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Info{}
	}
	var info Info
	if d, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64); err == nil && d >= 0 {
		info.DurationSeconds = &d
	}
	for _, s := range out.Streams {
		if s.CodecType == "video" && s.Width > 0 && s.Height > 0 {
			info.Resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
			break
		}
	}
	return info
}
