package beam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nodnarbrox/plexbeam/internal/ffmpeg"
	"github.com/nodnarbrox/plexbeam/internal/worker"
)

// Upload tracks one in-flight beam stream. The dispatcher promotes prefetch
// uploads to current-job uploads by swapping the job id it polls, so the
// handle carries no chunk semantics of its own.
type Upload struct {
	JobID string

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done returns a channel closed when the upload finishes or is cancelled.
func (u *Upload) Done() <-chan struct{} {
	return u.done
}

// Finished reports completion without blocking.
func (u *Upload) Finished() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// Err returns the terminal error, if any. Valid after Done is closed.
func (u *Upload) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Cancel aborts the upload and the remux feeding it.
func (u *Upload) Cancel() {
	u.cancel()
}

func (u *Upload) finish(err error) {
	u.mu.Lock()
	u.err = err
	u.mu.Unlock()
	close(u.done)
}

// Streamer starts beam uploads.
type Streamer struct {
	Binaries   *ffmpeg.Binaries
	UploadRate int64 // bytes/s, 0 = unlimited
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Stream copy-remuxes input[seek, seek+dur) and POSTs it to the worker's
// /beam/stream/<jobID> endpoint in the background. dur <= 0 streams to EOF.
func (s *Streamer) Stream(ctx context.Context, wc *worker.Client, jobID, input string, seek, dur float64) (*Upload, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout())

	cmd, pipe, err := s.Binaries.RemuxStream(ctx, input, seek, dur)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("starting remux for %s: %w", jobID, err)
	}

	u := &Upload{JobID: jobID, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer cancel()

		body := newRateLimitedReader(pipe, s.UploadRate)
		streamErr := wc.BeamStream(ctx, jobID, body)

		pipe.Close()
		waitErr := cmd.Wait()

		switch {
		case streamErr != nil:
			s.Logger.Warn("beam stream failed",
				slog.String("job_id", jobID),
				slog.String("error", streamErr.Error()),
			)
			u.finish(streamErr)
		case waitErr != nil && ctx.Err() == nil:
			err := fmt.Errorf("remux exited: %w", waitErr)
			s.Logger.Warn("beam remux failed",
				slog.String("job_id", jobID),
				slog.String("error", waitErr.Error()),
			)
			u.finish(err)
		default:
			s.Logger.Debug("beam stream finished", slog.String("job_id", jobID))
			u.finish(ctx.Err())
		}
	}()

	return u, nil
}

func (s *Streamer) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 2 * time.Hour
}
