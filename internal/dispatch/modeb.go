package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// calibrationBudget bounds the whole calibration phase. A worker that has
// reported no non-zero fps by the end of this window gets the default weight.
const calibrationBudget = 90 * time.Second

// calibrationDuration is the probe interval length in seconds.
const calibrationDuration = 15

// calibrateWithJobs submits a short calibration job to every worker and
// records the first non-zero fps each reports. Workers that never report a
// usable figure default to 30 fps. Used by the weighted big-split strategy;
// the swarm calibrates off its seed chunks instead.
func (m *Multi) calibrateWithJobs(ctx context.Context) error {
	d := m.Deps

	type calJob struct {
		w     *workerState
		jobID string
	}
	var jobs []calJob

	for i, w := range m.workers {
		if w.Dead {
			continue
		}
		jobID := d.Session.JobID("cal", i)

		plan, err := planInput(ctx, d, w.Worker, m.Inv, jobID, 0, calibrationDuration)
		if err != nil {
			d.Logger.Warn("calibration input plan failed",
				slog.String("worker", w.URL),
				slog.String("error", err.Error()),
			)
			w.CalibratedFPS = defaultCalibrationFPS
			continue
		}
		job := buildJob(d, m.Inv, jobID, plan, 0, calibrationDuration, nil)

		if _, err := w.Client.Submit(ctx, job); err != nil {
			d.Logger.Warn("calibration submit failed",
				slog.String("worker", w.URL),
				slog.String("error", err.Error()),
			)
			w.CalibratedFPS = defaultCalibrationFPS
			continue
		}
		m.track(w.Client, jobID)

		if plan.beamStream {
			u, err := d.Streamer.Stream(ctx, w.Client, jobID, m.Inv.InputPath, 0, calibrationDuration)
			if err != nil {
				d.Logger.Warn("calibration stream failed",
					slog.String("worker", w.URL),
					slog.String("error", err.Error()),
				)
				w.CalibratedFPS = defaultCalibrationFPS
				continue
			}
			defer u.Cancel()
		}
		jobs = append(jobs, calJob{w: w, jobID: jobID})
	}

	deadline := time.Now().Add(calibrationBudget)
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()

	outstanding := len(jobs)
	for outstanding > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, j := range jobs {
			if j.w.CalibratedFPS != 0 {
				continue
			}
			st, err := j.w.Client.Status(ctx, j.jobID)
			if err != nil {
				continue
			}
			switch {
			case st.FPS >= 1:
				j.w.CalibratedFPS = int(st.FPS)
			case st.FPS > 0:
				j.w.CalibratedFPS = 1
			case st.Status.IsTerminal():
				j.w.CalibratedFPS = defaultCalibrationFPS
			default:
				continue
			}
			outstanding--
		}
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, j := range jobs {
		if j.w.CalibratedFPS == 0 {
			j.w.CalibratedFPS = defaultCalibrationFPS
		}
		if err := j.w.Client.Cancel(cancelCtx, j.jobID); err != nil {
			d.Logger.Debug("calibration cancel failed", slog.String("error", err.Error()))
		}
		d.Logger.Info("worker calibrated",
			slog.String("worker", j.w.URL),
			slog.Int("fps", j.w.CalibratedFPS),
		)
	}

	alive := 0
	for _, w := range m.workers {
		if !w.Dead {
			alive++
		}
	}
	if alive == 0 {
		return fmt.Errorf("%w: every worker failed calibration", ErrNoWorkers)
	}
	return nil
}
