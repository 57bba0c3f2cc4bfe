package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// ProbeResult is the subset of ffprobe output the coordinator needs.
type ProbeResult struct {
	Format ProbeFormat `json:"format"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// probeTimeout bounds a single ffprobe run. Network inputs can hang on a
// stalled origin; the dispatcher has fallbacks for unknown duration.
const probeTimeout = 15 * time.Second

// Duration returns the media duration in seconds, or an error when it cannot
// be determined.
func (b *Binaries) Duration(ctx context.Context, input string) (float64, error) {
	ffprobe, err := b.FFprobe()
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		input,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", input, err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return 0, fmt.Errorf("decoding probe output: %w", err)
	}

	if result.Format.Duration == "" {
		return 0, fmt.Errorf("probe of %s returned no duration", input)
	}
	d, err := strconv.ParseFloat(result.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", result.Format.Duration, err)
	}
	return d, nil
}
