package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nodnarbrox/plexbeam/internal/aggregate"
	"github.com/nodnarbrox/plexbeam/internal/cliargs"
	"github.com/nodnarbrox/plexbeam/internal/pool"
	"github.com/nodnarbrox/plexbeam/internal/session"
	"github.com/nodnarbrox/plexbeam/internal/worker"
)

// Single drives one job on one worker: submit, optionally beam the input,
// poll at the tick cadence, and progressively aggregate segments into the
// output directory.
type Single struct {
	Deps *Deps
	Agg  *aggregate.Aggregator
}

// Run dispatches the invocation to the worker and blocks until the job
// reaches a terminal state. It returns nil once a complete output has been
// emitted.
func (s *Single) Run(ctx context.Context, w *pool.Worker, inv *cliargs.Invocation) (err error) {
	d := s.Deps
	logger := d.Logger
	jobID := d.Session.JobID("", 0)

	var stagedID string
	defer func() {
		s.cleanup(w, jobID, stagedID)
	}()

	plan, err := planInput(ctx, d, w, inv, jobID, inv.SeekSec, 0)
	if err != nil {
		return fmt.Errorf("planning input: %w", err)
	}

	if d.Config.StagedUpload && plan.beamStream {
		// Optional optimization: push the whole file up front so the worker
		// seeks locally instead of consuming a live stream.
		stagedID = jobID
		if err := s.stageFull(ctx, w, stagedID, inv.InputPath); err != nil {
			logger.Warn("staged upload failed, falling back to beam stream",
				slog.String("error", err.Error()),
			)
			stagedID = ""
		} else {
			plan.beamStream = false
			plan.stagedInput = &stagedID
		}
	}

	job := buildJob(d, inv, jobID, plan, inv.SeekSec, 0, nil)
	if err := d.Session.CaptureJSON(session.JobRequestFile, job); err != nil {
		logger.Debug("job request capture failed", slog.String("error", err.Error()))
	}

	resp, err := w.Client.Submit(ctx, job)
	if err != nil {
		return fmt.Errorf("submitting to %s: %w", w.URL, err)
	}
	if capErr := d.Session.CaptureJSON(session.JobResponseFile, resp); capErr != nil {
		logger.Debug("job response capture failed", slog.String("error", capErr.Error()))
	}

	if plan.beamStream {
		u, err := d.Streamer.Stream(ctx, w.Client, jobID, inv.InputPath, inv.SeekSec, 0)
		if err != nil {
			return fmt.Errorf("starting beam stream: %w", err)
		}
		defer u.Cancel()
	}

	return s.pollLoop(ctx, w, jobID)
}

// pollLoop runs the 250ms status loop until the job terminates or the poll
// cap is reached.
func (s *Single) pollLoop(ctx context.Context, w *pool.Worker, jobID string) error {
	d := s.Deps
	logger := d.Logger
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()

	for polls := 0; polls < MaxPolls; polls++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		st, err := w.Client.Status(ctx, jobID)
		if err != nil {
			logger.Debug("status poll failed", slog.String("error", err.Error()))
			continue
		}

		switch st.Status {
		case worker.JobStateRunning:
			if polls%4 == 0 {
				// The reporter's own 1Hz ticker does the emitting; the poll
				// loop just keeps its snapshot fresh.
				d.Reporter.Update(snapshotFromStatus(st))
				if _, err := s.Agg.SweepDirect(ctx, w.Client, jobID); err != nil {
					logger.Debug("aggregation sweep failed", slog.String("error", err.Error()))
				}
			}

		case worker.JobStateCompleted:
			if _, err := s.Agg.SweepDirect(ctx, w.Client, jobID); err != nil {
				return fmt.Errorf("final aggregation sweep: %w", err)
			}
			if err := d.Session.CaptureJSON(session.JobCompletedFile, st); err != nil {
				logger.Debug("completion capture failed", slog.String("error", err.Error()))
			}
			d.Reporter.Finish(ctx)
			logger.Info("single-worker dispatch completed",
				slog.String("worker", w.URL),
				slog.String("job_id", jobID),
			)
			return nil

		case worker.JobStateFailed, worker.JobStateCancelled:
			if err := d.Session.CaptureJSON(session.JobFailedFile, st); err != nil {
				logger.Debug("failure capture failed", slog.String("error", err.Error()))
			}
			return s.failErr(fmt.Errorf("%w: job %s %s: %s", ErrDispatchFailed, jobID, st.Status, st.Error))
		}
	}

	return s.failErr(fmt.Errorf("%w: job %s exceeded poll budget", ErrDispatchFailed, jobID))
}

// failErr downgrades a terminal failure to ErrPartial when earlier sweeps
// already copied segments into the output directory.
func (s *Single) failErr(err error) error {
	if n := s.Agg.EmittedCount(); n > 0 {
		return fmt.Errorf("%w: %d files emitted: %v", ErrPartial, n, err)
	}
	return err
}

// stageFull streams the entire input file (copy-remuxed) to the worker's
// staging endpoint, under the staged-upload budget rather than the beam one.
func (s *Single) stageFull(ctx context.Context, w *pool.Worker, id, input string) error {
	d := s.Deps
	ctx, cancel := context.WithTimeout(ctx, stagedTimeout(d))
	defer cancel()

	cmd, pipe, err := d.Binaries.RemuxStream(ctx, input, 0, 0)
	if err != nil {
		return err
	}
	upErr := w.Client.StageUpload(ctx, id, pipe)
	pipe.Close()
	waitErr := cmd.Wait()
	if upErr != nil {
		return upErr
	}
	if waitErr != nil {
		return fmt.Errorf("staging remux exited: %w", waitErr)
	}
	return nil
}

// cleanup best-effort cancels the remote job and removes staged uploads.
// It runs on every exit path with a short independent context.
func (s *Single) cleanup(w *pool.Worker, jobID, stagedID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.Client.Cancel(ctx, jobID); err != nil {
		s.Deps.Logger.Debug("job cancel failed", slog.String("error", err.Error()))
	}
	if stagedID != "" {
		if err := w.Client.DeleteStage(ctx, stagedID); err != nil {
			s.Deps.Logger.Debug("stage delete failed", slog.String("error", err.Error()))
		}
	}
	if s.Deps.Proxy != nil {
		if err := s.Deps.Proxy.Delete(ctx, jobID); err == nil {
			s.Deps.Logger.Debug("pull proxy object removed", slog.String("id", jobID))
		}
		if err := s.Deps.Proxy.CleanSession(s.Deps.Session.ID); err != nil {
			s.Deps.Logger.Debug("pull dir cleanup failed", slog.String("error", err.Error()))
		}
	}
}
