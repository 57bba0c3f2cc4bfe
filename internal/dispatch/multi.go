package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nodnarbrox/plexbeam/internal/aggregate"
	"github.com/nodnarbrox/plexbeam/internal/beam"
	"github.com/nodnarbrox/plexbeam/internal/cliargs"
	"github.com/nodnarbrox/plexbeam/internal/config"
	"github.com/nodnarbrox/plexbeam/internal/keepalive"
	"github.com/nodnarbrox/plexbeam/internal/pool"
	"github.com/nodnarbrox/plexbeam/internal/session"
	"github.com/nodnarbrox/plexbeam/internal/worker"
)

// failedSentinel marks a staging dir whose background download failed. The
// main-loop tick turns it back into a pending chunk.
const failedSentinel = ".download_failed"

// ErrFallbackSingle tells the caller the timeline is too short to split and
// single-worker dispatch should run instead.
var ErrFallbackSingle = errors.New("timeline too short for multi-worker dispatch")

// workerState wraps a live pool worker with dispatch-time tracking. All
// fields are owned by the main loop; background tasks communicate only
// through Upload handles and staging-dir sentinels.
type workerState struct {
	*pool.Worker
	Idx int

	Busy         bool
	CurrentChunk int
	StartEpoch   time.Time

	CalibratedFPS int
	lastFPS       float64

	Upload *beam.Upload

	PrefetchChunk  int
	PrefetchJobID  string
	PrefetchUpload *beam.Upload

	Queue []int
	Dead  bool
}

func (w *workerState) beams() bool {
	return w.Tag == pool.TagBeam || (w.Tag == pool.TagRemote && !isHTTPS(w.URL))
}

// trackedJob records a job for exit-time cancellation.
type trackedJob struct {
	client *worker.Client
	jobID  string
}

// Multi coordinates chunked dispatch across two or more live workers.
type Multi struct {
	Deps *Deps
	Agg  *aggregate.Aggregator
	Inv  *cliargs.Invocation
	Mode config.MultiMode

	workers []*workerState
	chunks  []*Chunk
	pending []int

	failures         int
	failCap          int
	nextProcessable  int
	distributionDone bool
	seeded           int

	tracked     []trackedJob
	stagingRoot string

	faststart   *fastStart
	progressive *progressiveDone
}

// NewMulti builds the multi-worker dispatcher over the given live workers.
func NewMulti(d *Deps, agg *aggregate.Aggregator, inv *cliargs.Invocation, mode config.MultiMode, live []*pool.Worker) *Multi {
	m := &Multi{
		Deps:        d,
		Agg:         agg,
		Inv:         inv,
		Mode:        mode,
		stagingRoot: filepath.Join(d.Session.Dir, "staging"),
	}
	for i, w := range live {
		m.workers = append(m.workers, &workerState{
			Worker:        w,
			Idx:           i,
			CurrentChunk:  -1,
			PrefetchChunk: -1,
		})
	}
	return m
}

// Run executes the configured strategy and blocks until every chunk has been
// emitted or the dispatcher gives up.
func (m *Multi) Run(ctx context.Context) (err error) {
	d := m.Deps
	defer m.cleanup()

	if len(m.workers) < 2 {
		return fmt.Errorf("%w: need at least 2 workers", ErrNoWorkers)
	}

	if m.Mode == config.MultiModeBigSplit {
		if err := m.calibrateWithJobs(ctx); err != nil {
			return err
		}
		weights := make([]int, len(m.workers))
		for i, w := range m.workers {
			weights[i] = w.CalibratedFPS
		}
		m.chunks = PlanSlices(d.Duration, m.Inv.SeekSec, weights,
			config.DefaultMinSliceDuration.Seconds(), m.stagingRoot)
	} else {
		m.chunks = PlanChunks(d.Duration, m.Inv.SeekSec,
			d.Config.ChunkDuration.Seconds(), m.stagingRoot)
	}

	if len(m.chunks) <= 1 {
		return ErrFallbackSingle
	}
	m.failCap = 2 * len(m.chunks)
	for i := range m.chunks {
		m.pending = append(m.pending, i)
	}

	if err := d.Events.Record(session.EventDispatchMode, map[string]any{
		"mode":     string(m.Mode),
		"workers":  len(m.workers),
		"n_chunks": len(m.chunks),
	}); err != nil {
		d.Logger.Debug("event record failed", slog.String("error", err.Error()))
	}

	if m.Mode == config.MultiModeSwarm {
		// The media server times out a silent session in ~2 minutes. The
		// local transcoder races the swarm to put the first segments on disk.
		m.faststart = startFastStart(d, m.Inv)
	}

	return m.loop(ctx)
}

// loop is the cooperative main loop: one tick every 250ms. Status polls use
// the poll budget; submissions, and the pull-proxy staging upload for https
// workers, run inline in the tick under their own longer budgets.
func (m *Multi) loop(ctx context.Context) error {
	d := m.Deps
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()

	deadline := time.Now().Add(d.Config.Timeouts.Session)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return m.failErr(fmt.Errorf("%w: session cap exceeded", ErrDispatchFailed))
		}

		m.pollBusyWorkers(ctx)
		m.reapDownloads()
		m.emitReady(ctx)

		if m.allEmitted() {
			m.finish(ctx)
			return nil
		}
		if m.failures >= m.failCap {
			return m.failErr(fmt.Errorf("%w: %d chunk failures (cap %d)",
				ErrDispatchFailed, m.failures, m.failCap))
		}

		switch m.Mode {
		case config.MultiModeSwarm:
			m.tickSwarm(ctx)
		default:
			m.assignIdleFIFO(ctx)
		}

		m.reportProgress()
	}
}

// failErr downgrades a terminal dispatch error to ErrPartial when output has
// already reached the media server: in-order chunks were emitted, or the
// progressive chunk-0 path placed segments.
func (m *Multi) failErr(err error) error {
	if m.nextProcessable > 0 || m.Agg.EmittedCount() > 0 {
		return fmt.Errorf("%w: %d/%d chunks emitted: %v",
			ErrPartial, m.nextProcessable, len(m.chunks), err)
	}
	return err
}

// pollBusyWorkers polls the status of every busy worker's current job and
// every endgame duplicate.
func (m *Multi) pollBusyWorkers(ctx context.Context) {
	for _, w := range m.workers {
		if w.Dead || !w.Busy || w.CurrentChunk < 0 {
			continue
		}
		c := m.chunks[w.CurrentChunk]

		st, err := w.Client.Status(ctx, m.jobForWorker(w, c))
		if err != nil {
			m.probeOrBury(ctx, w, c)
			continue
		}

		if st.FPS > 0 {
			w.lastFPS = st.FPS
		}

		switch st.Status {
		case worker.JobStateCompleted:
			m.onChunkEncoded(ctx, w, c)
		case worker.JobStateFailed, worker.JobStateCancelled:
			m.onChunkFailed(w, c, st.Error)
		}
	}
}

// jobForWorker resolves which job id this worker runs for the chunk: the
// primary job or its endgame duplicate.
func (m *Multi) jobForWorker(w *workerState, c *Chunk) string {
	if c.DupWorkerIdx == w.Idx {
		return c.DupJobID
	}
	return c.JobID
}

// probeOrBury decides whether a failed status poll is transient or the
// worker is gone. One failed health probe during dispatch buries the worker.
func (m *Multi) probeOrBury(ctx context.Context, w *workerState, c *Chunk) {
	if _, err := w.Client.Health(ctx); err == nil {
		return // transient; the next tick re-polls
	}

	d := m.Deps
	d.Logger.Warn("worker died mid-dispatch", slog.String("worker", w.URL))
	if recErr := d.Events.Record(session.EventWorkerDead, map[string]any{
		"worker": w.URL, "chunk": c.Index,
	}); recErr != nil {
		d.Logger.Debug("event record failed", slog.String("error", recErr.Error()))
	}

	w.Dead = true
	w.Busy = false
	w.CurrentChunk = -1
	if w.Upload != nil {
		w.Upload.Cancel()
		w.Upload = nil
	}
	m.cancelPrefetch(w)
	// The queue stays in place: stealing drains it.

	if c.DupWorkerIdx == w.Idx {
		c.DupWorkerIdx = -1
		c.DupJobID = ""
		return
	}
	m.returnToPending(c)
}

// onChunkEncoded moves an encoded chunk into Downloading and spawns the
// background download task.
func (m *Multi) onChunkEncoded(ctx context.Context, w *workerState, c *Chunk) {
	jobID := m.jobForWorker(w, c)

	// The first chunk a worker completes calibrates it. An observed fps of
	// zero degrades to 1 so weighting never divides by nothing.
	if w.CalibratedFPS == 0 {
		switch {
		case w.lastFPS >= 1:
			w.CalibratedFPS = int(w.lastFPS)
		case w.lastFPS > 0:
			w.CalibratedFPS = 1
		default:
			w.CalibratedFPS = defaultCalibrationFPS
		}
	}

	if c.Index == 0 && m.progressive != nil {
		m.progressive.Stop()
	}

	// Endgame reconciliation: first completion wins, the loser's job is
	// cancelled and both workers go idle.
	if c.EndgameDuped && c.DupWorkerIdx >= 0 {
		m.settleEndgame(ctx, w, c, jobID)
	}

	c.State = ChunkDownloading
	c.JobID = jobID
	m.freeWorker(w)

	d := m.Deps
	d.Logger.Info("chunk encoded",
		slog.Int("chunk", c.Index),
		slog.String("worker", w.URL),
		slog.String("job_id", jobID),
	)

	client := w.Client
	staging := c.StagingDir
	go func() {
		counts, err := m.Agg.DownloadChunk(ctx, client, jobID, staging)
		if logErr := d.Session.AppendArtifact(session.ChunkDownloadLog, fmt.Sprintf(
			"chunk=%d job=%s vid=%d aud=%d err=%v",
			c.Index, jobID, counts.Vid(), counts.Aud(), err,
		)); logErr != nil {
			d.Logger.Debug("chunk download log failed", slog.String("error", logErr.Error()))
		}
		if err != nil {
			d.Logger.Warn("chunk download failed",
				slog.Int("chunk", c.Index),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, aggregate.ErrProtocol) {
				if recErr := d.Events.Record(session.EventProtocolAlert, map[string]any{
					"chunk": c.Index, "error": err.Error(),
				}); recErr != nil {
					d.Logger.Debug("event record failed", slog.String("error", recErr.Error()))
				}
			}
			if werr := os.WriteFile(filepath.Join(staging, failedSentinel), nil, 0o644); werr != nil {
				d.Logger.Debug("failure marker write failed", slog.String("error", werr.Error()))
			}
		}
	}()
}

// settleEndgame cancels the losing side of a duplicated chunk.
func (m *Multi) settleEndgame(ctx context.Context, winner *workerState, c *Chunk, winnerJob string) {
	loserIdx := c.WorkerIdx
	loserJob := c.JobID
	if winner.Idx == c.WorkerIdx {
		loserIdx = c.DupWorkerIdx
		loserJob = c.DupJobID
	}
	if loserIdx >= 0 && loserIdx < len(m.workers) {
		loser := m.workers[loserIdx]
		if err := loser.Client.Cancel(ctx, loserJob); err != nil {
			m.Deps.Logger.Debug("endgame loser cancel failed", slog.String("error", err.Error()))
		}
		if loser.CurrentChunk == c.Index {
			m.freeWorker(loser)
		}
	}
	c.WorkerIdx = winner.Idx
	c.JobID = winnerJob
	c.DupWorkerIdx = -1
	c.DupJobID = ""
}

// onChunkFailed returns a chunk to pending and counts the failure.
func (m *Multi) onChunkFailed(w *workerState, c *Chunk, errMsg string) {
	d := m.Deps
	d.Logger.Warn("chunk failed",
		slog.Int("chunk", c.Index),
		slog.String("worker", w.URL),
		slog.String("error", errMsg),
	)
	if recErr := d.Events.Record(session.EventChunkFailed, map[string]any{
		"chunk": c.Index, "worker": w.URL, "error": errMsg,
	}); recErr != nil {
		d.Logger.Debug("event record failed", slog.String("error", recErr.Error()))
	}

	if c.DupWorkerIdx == w.Idx {
		// Only the duplicate died; the primary encode continues.
		c.DupWorkerIdx = -1
		c.DupJobID = ""
		m.freeWorker(w)
		return
	}

	m.freeWorker(w)
	m.returnToPending(c)
}

func (m *Multi) returnToPending(c *Chunk) {
	c.State = ChunkPending
	c.WorkerIdx = -1
	c.JobID = ""
	m.failures++
	m.pending = append(m.pending, c.Index)
}

func (m *Multi) freeWorker(w *workerState) {
	w.Busy = false
	w.CurrentChunk = -1
	if w.Upload != nil && w.Upload.Finished() {
		w.Upload = nil
	}
}

// reapDownloads promotes downloaded chunks to Completed and recycles failed
// downloads. Sentinel files are the only channel from download tasks.
func (m *Multi) reapDownloads() {
	for _, c := range m.chunks {
		if c.State != ChunkDownloading {
			continue
		}
		if aggregate.ChunkDownloaded(c.StagingDir) {
			c.State = ChunkCompleted
			continue
		}
		if _, err := os.Stat(filepath.Join(c.StagingDir, failedSentinel)); err == nil {
			os.Remove(filepath.Join(c.StagingDir, failedSentinel))
			m.failures++
			c.State = ChunkPending
			c.WorkerIdx = -1
			c.JobID = ""
			m.pending = append(m.pending, c.Index)
		}
	}
}

// emitReady emits completed chunks to the output directory strictly in index
// order: chunk c moves only when c == nextProcessable.
func (m *Multi) emitReady(ctx context.Context) {
	d := m.Deps
	for m.nextProcessable < len(m.chunks) {
		c := m.chunks[m.nextProcessable]
		if c.State != ChunkCompleted || c.Emitted {
			return
		}
		counts, err := m.Agg.EmitChunk(ctx, c.StagingDir, c.Index == 0, d.ManifestN)
		if err != nil {
			d.Logger.Warn("chunk emit failed",
				slog.Int("chunk", c.Index),
				slog.String("error", err.Error()),
			)
			return
		}
		c.Emitted = true
		d.Logger.Info("chunk emitted",
			slog.Int("chunk", c.Index),
			slog.Int("vid_segs", counts.Vid()),
			slog.Int("aud_segs", counts.Aud()),
		)
		m.nextProcessable++
	}
}

func (m *Multi) allEmitted() bool {
	for _, c := range m.chunks {
		if !c.Emitted {
			return false
		}
	}
	return true
}

// finish tears down the safety nets and emits terminal progress.
func (m *Multi) finish(ctx context.Context) {
	if m.faststart != nil {
		m.faststart.Stop()
	}
	m.Deps.Reporter.Finish(ctx)
	m.Deps.Logger.Info("multi-worker dispatch completed",
		slog.Int("chunks", len(m.chunks)),
		slog.Int("failures", m.failures),
	)
}

// assignIdleFIFO is the Mode A / Mode B idle policy: hand any idle worker
// the lowest pending chunk (Mode B pre-shapes one slice per worker, so the
// FIFO degenerates to each worker taking its own slice).
func (m *Multi) assignIdleFIFO(ctx context.Context) {
	for _, w := range m.workers {
		if w.Dead || w.Busy {
			continue
		}
		idx, ok := m.popPending()
		if !ok {
			return
		}
		if err := m.assignChunk(ctx, w, m.chunks[idx], ""); err != nil {
			m.Deps.Logger.Warn("chunk assignment failed",
				slog.Int("chunk", idx),
				slog.String("worker", w.URL),
				slog.String("error", err.Error()),
			)
			m.failures++
			m.pending = append(m.pending, idx)
		}
	}
}

// popPending removes and returns the lowest pending chunk index.
func (m *Multi) popPending() (int, bool) {
	for len(m.pending) > 0 {
		idx := m.pending[0]
		m.pending = m.pending[1:]
		if m.chunks[idx].State == ChunkPending {
			return idx, true
		}
	}
	return 0, false
}

// assignChunk submits chunk c to worker w and starts the interval upload if
// the worker needs one. jobID may pre-exist (prefetch promotion); otherwise
// a fresh _c<index> id is minted.
func (m *Multi) assignChunk(ctx context.Context, w *workerState, c *Chunk, jobID string) error {
	d := m.Deps

	promote := jobID != ""
	if !promote {
		kind := "c"
		if m.Mode == config.MultiModeBigSplit {
			kind = "w"
		}
		jobID = d.Session.JobID(kind, c.Index)
	}

	if !promote {
		plan, err := planInput(ctx, d, w.Worker, m.Inv, jobID, c.SS, c.T)
		if err != nil {
			return err
		}
		split := &worker.SplitInfo{Index: c.Index, Of: len(m.chunks), Seek: c.SS, Dur: c.T}
		job := buildJob(d, m.Inv, jobID, plan, c.SS, chunkJobDuration(c.T), split)

		if _, err := w.Client.Submit(ctx, job); err != nil {
			return err
		}
		m.track(w.Client, jobID)

		if plan.beamStream {
			u, err := d.Streamer.Stream(ctx, w.Client, jobID, m.Inv.InputPath, c.SS, c.T)
			if err != nil {
				cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if cerr := w.Client.Cancel(cancelCtx, jobID); cerr != nil {
					d.Logger.Debug("cancel after failed stream start", slog.String("error", cerr.Error()))
				}
				cancel()
				return err
			}
			w.Upload = u
		}
	}

	c.State = ChunkEncoding
	c.WorkerIdx = w.Idx
	c.JobID = jobID
	c.StartEpoch = time.Now()
	w.Busy = true
	w.CurrentChunk = c.Index
	w.StartEpoch = c.StartEpoch

	d.Logger.Info("chunk assigned",
		slog.Int("chunk", c.Index),
		slog.String("worker", w.URL),
		slog.String("job_id", jobID),
		slog.Bool("promoted_prefetch", promote),
	)
	return nil
}

// track remembers a job for exit-time cancellation.
func (m *Multi) track(client *worker.Client, jobID string) {
	m.tracked = append(m.tracked, trackedJob{client: client, jobID: jobID})
}

// reportProgress updates the keepalive reporter with the monotonic
// multi-worker approximation.
func (m *Multi) reportProgress() {
	completed := 0
	var earliest time.Time
	var fps, speed float64
	for _, c := range m.chunks {
		if c.Emitted || c.State == ChunkCompleted || c.State == ChunkDownloading {
			completed++
			continue
		}
		if c.State == ChunkEncoding && (earliest.IsZero() || c.StartEpoch.Before(earliest)) {
			earliest = c.StartEpoch
		}
	}
	for _, w := range m.workers {
		if w.Busy && w.lastFPS > 0 {
			fps += w.lastFPS
			speed += w.lastFPS / 30.0
		}
	}

	outUS := keepalive.MultiWorkerOutTime(completed, m.Deps.Config.ChunkDuration, earliest)
	m.Deps.Reporter.Update(keepalive.Snapshot{
		Frame:     int64(completed*100 + 1),
		FPS:       fps,
		Speed:     speed,
		OutTimeUS: outUS,
	})
}

// cleanup cancels every tracked job and kills background helpers. Runs on
// every exit path.
func (m *Multi) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if m.faststart != nil {
		m.faststart.Stop()
	}
	if m.progressive != nil {
		m.progressive.Stop()
	}
	for _, w := range m.workers {
		if w.Upload != nil {
			w.Upload.Cancel()
		}
		m.cancelPrefetch(w)
	}
	for _, t := range m.tracked {
		if err := t.client.Cancel(ctx, t.jobID); err != nil {
			m.Deps.Logger.Debug("job cleanup cancel failed",
				slog.String("job_id", t.jobID),
				slog.String("error", err.Error()),
			)
		}
	}
	if m.Deps.Proxy != nil {
		if err := m.Deps.Proxy.CleanSession(m.Deps.Session.ID); err != nil {
			m.Deps.Logger.Debug("pull dir cleanup failed", slog.String("error", err.Error()))
		}
	}
}
