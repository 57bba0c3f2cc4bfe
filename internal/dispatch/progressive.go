package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// progressiveInterval is the chunk-0 poll cadence. Chunk 0 gates the whole
// session: the sooner its first segments land, the sooner the manifest posts.
const progressiveInterval = 2 * time.Second

// progressiveDone tracks the background chunk-0 downloader.
type progressiveDone struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop terminates the downloader. Idempotent.
func (p *progressiveDone) Stop() {
	if p == nil {
		return
	}
	p.cancel()
}

// ensureProgressive keeps the progressive chunk-0 downloader aligned with
// chunk 0's current job: started when chunk 0 first encodes, restarted if
// the chunk bounces to another worker, stopped once chunk 0 completes.
func (m *Multi) ensureProgressive(ctx context.Context) {
	if len(m.chunks) == 0 {
		return
	}
	c := m.chunks[0]
	if c.State != ChunkEncoding || c.WorkerIdx < 0 || c.JobID == "" {
		return
	}
	if m.progressive != nil && m.progressive.jobID == c.JobID {
		return
	}
	if m.progressive != nil {
		m.progressive.Stop()
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &progressiveDone{jobID: c.JobID, cancel: cancel, done: make(chan struct{})}
	m.progressive = p

	wc := m.workers[c.WorkerIdx].Client
	jobID := c.JobID
	d := m.Deps
	agg := m.Agg

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressiveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
			}
			// SweepDirect applies only the skip base; chunk 0's cumulative
			// offsets are zero, so numbering matches the ordered emission
			// path and the later EmitChunk simply skips what is already
			// there. Manifest fetch + offset rewrite + POST ride along.
			if _, err := agg.SweepDirect(pctx, wc, jobID); err != nil {
				d.Logger.Debug("progressive chunk-0 sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}()

	d.Logger.Info("progressive chunk-0 downloader started",
		slog.String("job_id", jobID),
	)
}
