package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
)

// RemuxStream starts a copy-remux of the input interval to Matroska on the
// returned reader. No transcoding happens locally: -c copy repackages the
// source so a worker without filesystem access can ingest it over HTTP.
//
// Passing dur <= 0 remuxes to the end of the input. The returned cmd is
// already started; the caller must drain the reader and then Wait.
func (b *Binaries) RemuxStream(ctx context.Context, input string, seek, dur float64) (*exec.Cmd, io.ReadCloser, error) {
	ffmpeg, err := b.FFmpeg()
	if err != nil {
		return nil, nil, err
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if seek > 0 {
		args = append(args, "-ss", formatSeconds(seek))
	}
	args = append(args, "-i", input)
	if dur > 0 {
		args = append(args, "-t", formatSeconds(dur))
	}
	args = append(args,
		"-map", "0",
		"-c", "copy",
		"-f", "matroska",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating remux stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting remux: %w", err)
	}
	return cmd, stdout, nil
}

// formatSeconds renders a duration for the ffmpeg command line without
// trailing float noise.
func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
