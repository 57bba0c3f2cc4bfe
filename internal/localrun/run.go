package localrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// Runner executes the real transcoder in place of the coordinator.
type Runner struct {
	Transcoder string
	Logger     *slog.Logger
}

// Run executes the transcoder with the given argv, wiring through the
// coordinator's stdio so the media server sees the process it expected.
// It returns the child's exit code.
func (r *Runner) Run(ctx context.Context, argv []string) (int, error) {
	if r.Transcoder == "" {
		return 1, errors.New("no local transcoder available")
	}

	r.Logger.Info("running local transcoder",
		slog.String("binary", r.Transcoder),
		slog.Int("args", len(argv)),
	)

	cmd := exec.CommandContext(ctx, r.Transcoder, argv...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("running %s: %w", r.Transcoder, err)
	}
	return 0, nil
}
