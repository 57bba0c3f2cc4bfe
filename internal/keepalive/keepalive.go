// Package keepalive keeps the media server's session alive while remote
// workers encode: FFmpeg-shaped progress lines on stderr, and progress POSTs
// to the server's callback URL. The media server watches both channels and
// kills the session after ~60s of silence on either.
package keepalive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

// Snapshot is one progress observation.
type Snapshot struct {
	Frame     int64
	FPS       float64
	Speed     float64
	OutTimeUS int64
}

// Line renders the stderr progress line the media server's parser expects.
func (s Snapshot) Line() string {
	return fmt.Sprintf("frame=%5d fps=%.1f q=-1.0 size=N/A time=%s bitrate=N/A speed=%.1fx",
		s.Frame, s.FPS, formatClock(s.OutTimeUS), s.Speed)
}

// TerminalLine is the final progress line emitted once at termination.
func TerminalLine() string {
	return Snapshot{Frame: 9999, FPS: 0, Speed: 0, OutTimeUS: 0}.Line()
}

// formatClock renders microseconds as HH:MM:SS.ff.
func formatClock(us int64) string {
	if us < 0 {
		us = 0
	}
	totalSec := us / 1_000_000
	frac := (us % 1_000_000) / 10_000
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	sec := totalSec % 60
	return fmt.Sprintf("%02d:%02d:%02d.%02d", h, m, sec, frac)
}

// Reporter emits snapshots at ~1Hz to stderr and the progress callback.
type Reporter struct {
	Stderr      io.Writer
	ProgressURL string
	Client      *httpclient.Client
	Logger      *slog.Logger

	mu   sync.Mutex
	last Snapshot
}

// Update replaces the snapshot the ticker reports.
func (r *Reporter) Update(s Snapshot) {
	r.mu.Lock()
	r.last = s
	r.mu.Unlock()
}

// snapshot returns the current snapshot.
func (r *Reporter) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run ticks at 1Hz until ctx is cancelled, emitting the latest snapshot to
// both channels. The POST is sent even when OutTimeUS is zero: during seeks
// the media server still requires a heartbeat.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Emit(ctx, r.snapshot())
		}
	}
}

// Emit writes one progress report immediately.
func (r *Reporter) Emit(ctx context.Context, s Snapshot) {
	if r.Stderr != nil {
		fmt.Fprintln(r.Stderr, s.Line())
	}
	if err := r.Post(ctx, s, "continue"); err != nil {
		r.Logger.Debug("progress post failed", slog.String("error", err.Error()))
	}
}

// Finish emits the terminal stderr line and a final progress POST.
func (r *Reporter) Finish(ctx context.Context) {
	if r.Stderr != nil {
		fmt.Fprintln(r.Stderr, TerminalLine())
	}
	if err := r.Post(ctx, r.snapshot(), "end"); err != nil {
		r.Logger.Debug("final progress post failed", slog.String("error", err.Error()))
	}
}

// Post sends one form-encoded progress callback.
func (r *Reporter) Post(ctx context.Context, s Snapshot, progress string) error {
	if r.ProgressURL == "" {
		return nil
	}

	form := url.Values{}
	form.Set("frame", strconv.FormatInt(s.Frame, 10))
	form.Set("fps", strconv.FormatFloat(s.FPS, 'f', 1, 64))
	form.Set("speed", strconv.FormatFloat(s.Speed, 'f', 1, 64)+"x")
	form.Set("out_time_us", strconv.FormatInt(s.OutTimeUS, 10))
	form.Set("progress", progress)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.ProgressURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating progress post: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("posting progress: %w", err)
	}
	resp.Body.Close()
	return nil
}

// MultiWorkerOutTime computes the monotonic out_time_us approximation for
// multi-worker modes: completed chunks count in full, the earliest running
// chunk contributes wall-elapsed time capped at the chunk duration.
func MultiWorkerOutTime(completedChunks int, chunkDuration time.Duration, earliestRunningStart time.Time) int64 {
	total := time.Duration(completedChunks) * chunkDuration
	if !earliestRunningStart.IsZero() {
		elapsed := time.Since(earliestRunningStart)
		if elapsed > chunkDuration {
			elapsed = chunkDuration
		}
		if elapsed > 0 {
			total += elapsed
		}
	}
	return total.Microseconds()
}
