// Package dispatch submits transcode work to remote workers and drives it to
// completion: a single-worker streaming path and three multi-worker
// strategies over chunked timelines.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nodnarbrox/plexbeam/internal/beam"
	"github.com/nodnarbrox/plexbeam/internal/cliargs"
	"github.com/nodnarbrox/plexbeam/internal/config"
	"github.com/nodnarbrox/plexbeam/internal/ffmpeg"
	"github.com/nodnarbrox/plexbeam/internal/keepalive"
	"github.com/nodnarbrox/plexbeam/internal/pool"
	"github.com/nodnarbrox/plexbeam/internal/pullproxy"
	"github.com/nodnarbrox/plexbeam/internal/session"
	"github.com/nodnarbrox/plexbeam/internal/version"
	"github.com/nodnarbrox/plexbeam/internal/worker"
)

// Tick is the main-loop cadence shared by all dispatchers.
const Tick = 250 * time.Millisecond

// MaxPolls caps the single-worker poll loop (~2h at 250ms).
const MaxPolls = 28800

// Sentinel errors.
var (
	ErrDispatchFailed = errors.New("dispatch failed")
	ErrNoWorkers      = errors.New("no live workers")

	// ErrPartial marks a dispatch that failed after emitting output. The
	// media server tolerates a short stream far better than a dead
	// transcoder, so the coordinator reports these runs as success instead
	// of re-running the transcode over the already-numbered output.
	ErrPartial = errors.New("dispatch failed after emitting segments")
)

// Deps bundles everything a dispatcher needs.
type Deps struct {
	Config    *config.Config
	Session   *session.Session
	Events    *session.EventLog
	Logger    *slog.Logger
	Binaries  *ffmpeg.Binaries
	Streamer  *beam.Streamer
	Proxy     *pullproxy.Client
	Reporter  *keepalive.Reporter
	Duration  float64 // media duration in seconds, 0 if unknown
	ManifestN string  // manifest filename within the output dir

	// RealTranscoder is the path to the displaced transcoder binary, used by
	// the fast-start safety net. Empty disables fast-start.
	RealTranscoder string
}

// inputPlan describes how a particular worker receives the input.
type inputPlan struct {
	// beamStream means: submit with beam_stream=true, then POST the remuxed
	// interval to /beam/stream/<job>.
	beamStream bool
	// pullURL is the pre-signed GET URL for remote https workers, set after
	// staging through the pull proxy.
	pullURL *string
	// stagedInput is the staged upload id for the optional full-file mode.
	stagedInput *string
	// inputType/inputPath go into the job body.
	inputType string
	inputPath string
}

// planInput applies the tag/scheme decision table. For plans that stage
// through the pull proxy the upload happens here, before submission, because
// the job body must carry the resulting pull_url.
func planInput(ctx context.Context, d *Deps, w *pool.Worker, inv *cliargs.Invocation, uploadID string, seek, dur float64) (*inputPlan, error) {
	p := &inputPlan{inputType: "file", inputPath: inv.InputPath}
	if inv.InputIsURL() {
		p.inputType = "http"
	}

	switch {
	case w.Tag == pool.TagLocal:
		// Worker reads the input disk directly.
		return p, nil

	case w.Tag == pool.TagBeam:
		p.beamStream = true
		return p, nil

	case isHTTPS(w.URL):
		// Chunked POST bodies do not survive every TLS middlebox; stage the
		// interval through the S3 pull proxy instead.
		if d.Proxy == nil {
			return nil, fmt.Errorf("worker %s needs the pull proxy but none is configured", w.URL)
		}
		url, err := stageToProxy(ctx, d, uploadID, inv.InputPath, seek, dur)
		if err != nil {
			return nil, err
		}
		p.pullURL = &url
		return p, nil

	default:
		p.beamStream = true
		return p, nil
	}
}

func isHTTPS(url string) bool {
	return len(url) >= 8 && url[:8] == "https://"
}

// stagedTimeout returns the staged-upload budget, which is twice the live
// beam budget: a full-file push has no encoder pacing it.
func stagedTimeout(d *Deps) time.Duration {
	if t := d.Config.Timeouts.Staged; t > 0 {
		return t
	}
	return config.DefaultStagedTimeout
}

// stageToProxy remuxes the interval and PUTs it to the pull proxy, returning
// the pre-signed URL the worker will pull from.
func stageToProxy(ctx context.Context, d *Deps, id, input string, seek, dur float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, stagedTimeout(d))
	defer cancel()

	cmd, pipe, err := d.Binaries.RemuxStream(ctx, input, seek, dur)
	if err != nil {
		return "", fmt.Errorf("remuxing for pull proxy: %w", err)
	}
	url, upErr := d.Proxy.Upload(ctx, id, pipe)
	pipe.Close()
	waitErr := cmd.Wait()
	if upErr != nil {
		return "", upErr
	}
	if waitErr != nil {
		return "", fmt.Errorf("remux for pull proxy exited: %w", waitErr)
	}
	return url, nil
}

// buildJob assembles the POST /transcode body for one job.
func buildJob(d *Deps, inv *cliargs.Invocation, jobID string, plan *inputPlan, seek, dur float64, split *worker.SplitInfo) *worker.JobRequest {
	segDur := inv.SegmentDurationSec
	if segDur <= 0 {
		segDur = int(config.DefaultSegmentDuration / time.Second)
	}

	req := &worker.JobRequest{
		JobID: jobID,
		Input: worker.JobInput{Type: plan.inputType, Path: plan.inputPath},
		Output: worker.JobOutput{
			Type:            string(inv.OutputKind),
			Path:            inv.OutputTarget,
			SegmentDuration: segDur,
		},
		Arguments: worker.JobArguments{
			VideoCodec:   inv.VideoCodecOut,
			AudioCodec:   inv.AudioCodecOut,
			VideoBitrate: inv.Bitrate,
			Resolution:   inv.Resolution,
			Seek:         seek,
			Duration:     dur,
			ToneMapping:  inv.ToneMap,
			Subtitle:     worker.JobSubtitle{Mode: string(inv.SubtitleMode)},
			RawArgs:      inv.WorkerArgs(),
		},
		Source:      string(inv.Source),
		BeamStream:  plan.beamStream,
		PullURL:     plan.pullURL,
		StagedInput: plan.stagedInput,
		Metadata: worker.JobMetadata{
			CartridgeVersion: version.Version,
			SessionID:        d.Session.ID,
			SplitInfo:        split,
		},
	}
	if cb := d.Config.CallbackURL; cb != "" {
		req.CallbackURL = &cb
	}
	return req
}

// chunkJobDuration returns a chunk's encode duration, 0 meaning to-EOF.
func chunkJobDuration(t float64) float64 {
	if t <= 0 {
		return 0
	}
	return t
}

// snapshotFromStatus converts a worker status into a keepalive snapshot.
func snapshotFromStatus(st *worker.JobStatus) keepalive.Snapshot {
	return keepalive.Snapshot{
		Frame:     st.Frame,
		FPS:       st.FPS,
		Speed:     st.Speed,
		OutTimeUS: st.OutTimeMS * 1000,
	}
}
