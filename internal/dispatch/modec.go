package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/nodnarbrox/plexbeam/internal/session"
	"github.com/nodnarbrox/plexbeam/internal/worker"
)

// defaultCalibrationFPS is assumed when a worker completes its seed chunk
// without ever reporting a usable fps.
const defaultCalibrationFPS = 30

// tickSwarm runs one tick of the BitTorrent-style strategy: seed, calibrate,
// distribute, then the steady-state idle rules with prefetch, stealing,
// endgame duplication, and the orphan sweep.
func (m *Multi) tickSwarm(ctx context.Context) {
	m.ensureProgressive(ctx)
	m.orphanSweep(ctx)

	if m.seeded < len(m.workers) {
		m.seedWorkers(ctx)
		return
	}

	if !m.distributionDone {
		m.maybeDistribute()
		if !m.distributionDone {
			// Calibration is still settling; keep idle workers fed from the
			// FIFO so a bounced seed chunk cannot stall the whole swarm.
			m.assignIdleFIFO(ctx)
			return
		}
	}

	m.startPrefetches(ctx)

	for _, w := range m.workers {
		if w.Dead || w.Busy {
			continue
		}
		if m.activatePrefetch(ctx, w) {
			continue
		}
		if m.popOwnQueue(ctx, w) {
			continue
		}
		if m.popGlobalPending(ctx, w) {
			continue
		}
		m.stealOrIdle(ctx, w)
	}

	m.maybeEndgame(ctx)
}

// popGlobalPending retries chunks that failed after distribution: they land
// back on the global pending list rather than in any queue.
func (m *Multi) popGlobalPending(ctx context.Context, w *workerState) bool {
	idx, ok := m.popPending()
	if !ok {
		return false
	}
	if err := m.assignChunk(ctx, w, m.chunks[idx], ""); err != nil {
		m.Deps.Logger.Warn("retry assignment failed",
			slog.Int("chunk", idx),
			slog.String("error", err.Error()),
		)
		m.failures++
		m.pending = append(m.pending, idx)
		return true
	}
	return true
}

// seedWorkers assigns chunks 0..min(W, n)-1 round-robin: worker i gets
// chunk i. The first chunk a worker completes doubles as its calibration.
func (m *Multi) seedWorkers(ctx context.Context) {
	for i, w := range m.workers {
		if i >= len(m.chunks) {
			m.seeded = len(m.workers) // nothing left to seed
			return
		}
		if w.Dead {
			m.seeded++
			continue
		}
		c := m.chunks[i]
		if c.State != ChunkPending {
			continue
		}
		if err := m.assignChunk(ctx, w, c, ""); err != nil {
			m.Deps.Logger.Warn("seed assignment failed",
				slog.Int("chunk", i),
				slog.String("worker", w.URL),
				slog.String("error", err.Error()),
			)
			m.failures++
			continue
		}
		m.removePending(i)
		m.seeded++
	}
}

// maybeDistribute splits the remaining pending chunks into per-worker queues
// proportional to calibrated fps once every live worker is calibrated and
// all seed chunks are past pending. The fastest worker receives the rounding
// leftover, and earlier chunks go to faster workers so emission order tracks
// encode order.
func (m *Multi) maybeDistribute() {
	var alive []*workerState
	for _, w := range m.workers {
		if w.Dead {
			continue
		}
		if w.CalibratedFPS == 0 {
			return // still calibrating
		}
		alive = append(alive, w)
	}
	if len(alive) == 0 {
		return
	}
	for i := 0; i < len(m.workers) && i < len(m.chunks); i++ {
		if m.chunks[i].State == ChunkPending {
			return // a seed chunk bounced back; wait for reassignment
		}
	}

	var rest []int
	for _, idx := range m.pending {
		if m.chunks[idx].State == ChunkPending {
			rest = append(rest, idx)
		}
	}
	m.pending = nil

	sort.SliceStable(alive, func(i, j int) bool {
		return alive[i].CalibratedFPS > alive[j].CalibratedFPS
	})

	total := 0
	for _, w := range alive {
		total += w.CalibratedFPS
	}

	counts := make([]int, len(alive))
	assigned := 0
	for i, w := range alive {
		counts[i] = len(rest) * w.CalibratedFPS / total
		assigned += counts[i]
	}
	counts[0] += len(rest) - assigned // fastest worker takes the leftover

	pos := 0
	detail := map[string]any{"chunks": len(rest)}
	for i, w := range alive {
		w.Queue = append([]int{}, rest[pos:pos+counts[i]]...)
		pos += counts[i]
		detail[w.URL] = map[string]any{
			"fps":   w.CalibratedFPS,
			"queue": len(w.Queue),
		}
	}

	m.distributionDone = true
	if err := m.Deps.Events.Record(session.EventDistribution, detail); err != nil {
		m.Deps.Logger.Debug("event record failed", slog.String("error", err.Error()))
	}
	m.Deps.Logger.Info("queues distributed",
		slog.Int("chunks", len(rest)),
		slog.Int("workers", len(alive)),
	)
}

// activatePrefetch promotes a worker's in-flight prefetch upload into its
// current assignment when the prefetched chunk is still pending.
func (m *Multi) activatePrefetch(ctx context.Context, w *workerState) bool {
	if w.PrefetchChunk < 0 || w.PrefetchUpload == nil {
		return false
	}
	c := m.chunks[w.PrefetchChunk]
	if c.State != ChunkPending {
		// Someone else took it (steal or reassignment); drop the prefetch.
		m.cancelPrefetch(w)
		return false
	}

	jobID := w.PrefetchJobID
	upload := w.PrefetchUpload
	w.PrefetchChunk = -1
	w.PrefetchJobID = ""
	w.PrefetchUpload = nil

	if err := m.assignChunk(ctx, w, c, jobID); err != nil {
		upload.Cancel()
		return false
	}
	w.Upload = upload
	m.dequeue(w, c.Index)
	return true
}

// popOwnQueue assigns the head of the worker's own queue.
func (m *Multi) popOwnQueue(ctx context.Context, w *workerState) bool {
	for len(w.Queue) > 0 {
		idx := w.Queue[0]
		w.Queue = w.Queue[1:]
		c := m.chunks[idx]
		if c.State != ChunkPending {
			continue
		}
		if err := m.assignChunk(ctx, w, c, ""); err != nil {
			m.Deps.Logger.Warn("queue assignment failed",
				slog.Int("chunk", idx),
				slog.String("error", err.Error()),
			)
			m.failures++
			m.pending = append(m.pending, idx)
			return true
		}
		return true
	}
	return false
}

// stealOrIdle steals the tail of the longest other queue. A stolen chunk
// that is no longer pending is silently discarded; the thief retries next
// tick.
func (m *Multi) stealOrIdle(ctx context.Context, thief *workerState) {
	var victim *workerState
	for _, w := range m.workers {
		if w == thief {
			continue
		}
		if victim == nil || len(w.Queue) > len(victim.Queue) {
			victim = w
		}
	}
	if victim == nil || len(victim.Queue) == 0 {
		return
	}

	idx := victim.Queue[len(victim.Queue)-1]
	victim.Queue = victim.Queue[:len(victim.Queue)-1]

	c := m.chunks[idx]
	if c.State != ChunkPending {
		return // already dequeued by the victim; idle one tick
	}

	if err := m.Deps.Events.Record(session.EventStolenChunk, map[string]any{
		"chunk": idx, "thief": thief.URL, "victim": victim.URL,
	}); err != nil {
		m.Deps.Logger.Debug("event record failed", slog.String("error", err.Error()))
	}

	if err := m.assignChunk(ctx, thief, c, ""); err != nil {
		m.Deps.Logger.Warn("steal assignment failed",
			slog.Int("chunk", idx),
			slog.String("error", err.Error()),
		)
		m.failures++
		m.pending = append(m.pending, idx)
	}
}

// startPrefetches begins the next interval upload for every running beam
// worker whose queue head has no upload in flight yet.
func (m *Multi) startPrefetches(ctx context.Context) {
	for _, w := range m.workers {
		if w.Dead || !w.Busy || !w.beams() || w.PrefetchChunk >= 0 {
			continue
		}

		head := -1
		for _, idx := range w.Queue {
			if m.chunks[idx].State == ChunkPending {
				head = idx
				break
			}
		}
		if head < 0 {
			continue
		}

		c := m.chunks[head]
		jobID := m.Deps.Session.JobID("pre", c.Index)

		plan, err := planInput(ctx, m.Deps, w.Worker, m.Inv, jobID, c.SS, c.T)
		if err != nil || !plan.beamStream {
			continue
		}
		split := &worker.SplitInfo{Index: c.Index, Of: len(m.chunks), Seek: c.SS, Dur: c.T}
		job := buildJob(m.Deps, m.Inv, jobID, plan, c.SS, chunkJobDuration(c.T), split)

		if _, err := w.Client.Submit(ctx, job); err != nil {
			m.Deps.Logger.Debug("prefetch submit failed",
				slog.Int("chunk", c.Index),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.track(w.Client, jobID)

		u, err := m.Deps.Streamer.Stream(ctx, w.Client, jobID, m.Inv.InputPath, c.SS, c.T)
		if err != nil {
			m.Deps.Logger.Debug("prefetch stream failed", slog.String("error", err.Error()))
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if cerr := w.Client.Cancel(cancelCtx, jobID); cerr != nil {
				m.Deps.Logger.Debug("prefetch cancel failed", slog.String("error", cerr.Error()))
			}
			cancel()
			continue
		}

		w.PrefetchChunk = c.Index
		w.PrefetchJobID = jobID
		w.PrefetchUpload = u
		m.Deps.Logger.Debug("prefetch started",
			slog.Int("chunk", c.Index),
			slog.String("worker", w.URL),
		)
	}
}

// cancelPrefetch aborts a worker's prefetch upload and cancels its job.
func (m *Multi) cancelPrefetch(w *workerState) {
	if w.PrefetchUpload != nil {
		w.PrefetchUpload.Cancel()
	}
	if w.PrefetchJobID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.Client.Cancel(ctx, w.PrefetchJobID); err != nil {
			m.Deps.Logger.Debug("prefetch cancel failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	w.PrefetchChunk = -1
	w.PrefetchJobID = ""
	w.PrefetchUpload = nil
}

// maybeEndgame duplicates the slowest in-flight chunk onto one idle worker
// when nothing is left to hand out. A chunk is duplicated at most once.
func (m *Multi) maybeEndgame(ctx context.Context) {
	if m.pendingWorkExists() {
		return
	}

	var idle *workerState
	for _, w := range m.workers {
		if !w.Dead && !w.Busy {
			idle = w
			break
		}
	}
	if idle == nil {
		return
	}

	// Pick the encoding chunk whose owner has the lowest calibrated fps.
	var target *Chunk
	slowest := int(^uint(0) >> 1)
	for _, c := range m.chunks {
		if c.State != ChunkEncoding || c.EndgameDuped || c.WorkerIdx < 0 || c.WorkerIdx == idle.Idx {
			continue
		}
		fps := m.workers[c.WorkerIdx].CalibratedFPS
		if fps < 1 {
			fps = 1
		}
		if fps < slowest {
			slowest = fps
			target = c
		}
	}
	if target == nil {
		return
	}

	jobID := m.Deps.Session.JobID("dup", target.Index)
	plan, err := planInput(ctx, m.Deps, idle.Worker, m.Inv, jobID, target.SS, target.T)
	if err != nil {
		m.Deps.Logger.Warn("endgame input plan failed", slog.String("error", err.Error()))
		return
	}
	split := &worker.SplitInfo{Index: target.Index, Of: len(m.chunks), Seek: target.SS, Dur: target.T}
	job := buildJob(m.Deps, m.Inv, jobID, plan, target.SS, chunkJobDuration(target.T), split)

	if _, err := idle.Client.Submit(ctx, job); err != nil {
		m.Deps.Logger.Warn("endgame submit failed", slog.String("error", err.Error()))
		return
	}
	m.track(idle.Client, jobID)

	if plan.beamStream {
		u, err := m.Deps.Streamer.Stream(ctx, idle.Client, jobID, m.Inv.InputPath, target.SS, target.T)
		if err != nil {
			m.Deps.Logger.Warn("endgame stream failed", slog.String("error", err.Error()))
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if cerr := idle.Client.Cancel(cancelCtx, jobID); cerr != nil {
				m.Deps.Logger.Debug("endgame cancel failed", slog.String("error", cerr.Error()))
			}
			cancel()
			return
		}
		idle.Upload = u
	}

	target.EndgameDuped = true
	target.DupWorkerIdx = idle.Idx
	target.DupJobID = jobID
	idle.Busy = true
	idle.CurrentChunk = target.Index
	idle.StartEpoch = time.Now()

	if err := m.Deps.Events.Record(session.EventEndgameDup, map[string]any{
		"chunk": target.Index, "worker": idle.URL, "job_id": jobID,
	}); err != nil {
		m.Deps.Logger.Debug("event record failed", slog.String("error", err.Error()))
	}
	m.Deps.Logger.Info("endgame duplicate submitted",
		slog.Int("chunk", target.Index),
		slog.String("worker", idle.URL),
	)
}

// pendingWorkExists reports whether any chunk can still be handed to an idle
// worker through the normal paths.
func (m *Multi) pendingWorkExists() bool {
	for _, idx := range m.pending {
		if m.chunks[idx].State == ChunkPending {
			return true
		}
	}
	for _, w := range m.workers {
		for _, idx := range w.Queue {
			if m.chunks[idx].State == ChunkPending {
				return true
			}
		}
	}
	return false
}

// orphanSweep re-links chunks whose owning worker lost track of them:
// defense-in-depth against races in the steal and prefetch paths.
func (m *Multi) orphanSweep(ctx context.Context) {
	for _, c := range m.chunks {
		if c.State != ChunkEncoding || c.WorkerIdx < 0 || c.DupWorkerIdx >= 0 {
			continue
		}
		owner := m.workers[c.WorkerIdx]
		if owner.Busy && owner.CurrentChunk == c.Index {
			continue
		}
		if owner.Dead {
			m.returnToPending(c)
			continue
		}

		st, err := owner.Client.Status(ctx, c.JobID)
		if err != nil {
			continue // retried next tick
		}

		if recErr := m.Deps.Events.Record(session.EventOrphanRecover, map[string]any{
			"chunk": c.Index, "worker": owner.URL, "status": string(st.Status),
		}); recErr != nil {
			m.Deps.Logger.Debug("event record failed", slog.String("error", recErr.Error()))
		}

		switch st.Status {
		case worker.JobStateCompleted:
			m.onChunkEncoded(ctx, owner, c)
		case worker.JobStateRunning:
			if !owner.Busy {
				owner.Busy = true
				owner.CurrentChunk = c.Index
			}
		case worker.JobStateFailed, worker.JobStateCancelled:
			m.returnToPending(c)
		}
	}
}

// dequeue removes a chunk index from a worker's queue if present.
func (m *Multi) dequeue(w *workerState, idx int) {
	for i, q := range w.Queue {
		if q == idx {
			w.Queue = append(w.Queue[:i], w.Queue[i+1:]...)
			return
		}
	}
}

// removePending removes a chunk index from the global pending list.
func (m *Multi) removePending(idx int) {
	for i, p := range m.pending {
		if p == idx {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}
