package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodnarbrox/plexbeam/internal/aggregate"
	"github.com/nodnarbrox/plexbeam/internal/config"
	"github.com/nodnarbrox/plexbeam/internal/pool"
	"github.com/nodnarbrox/plexbeam/internal/session"
)

// newTestMulti builds a dispatcher with nWorkers calibrated workers and
// nChunks pending chunks, without touching the network.
func newTestMulti(t *testing.T, nWorkers, nChunks int, fps []int) *Multi {
	t.Helper()

	sess, err := session.New(t.TempDir())
	require.NoError(t, err)

	m := &Multi{
		Deps: &Deps{
			Session: sess,
			Events:  session.NewEventLog(sess),
			Logger:  slog.Default(),
		},
		Agg:         aggregate.New(t.TempDir(), 0, nil, slog.Default()),
		Mode:        config.MultiModeSwarm,
		stagingRoot: t.TempDir(),
	}
	for i := 0; i < nWorkers; i++ {
		w := &workerState{
			Worker:        &pool.Worker{URL: "http://w" + string(rune('0'+i)), Tag: pool.TagBeam},
			Idx:           i,
			CurrentChunk:  -1,
			PrefetchChunk: -1,
		}
		if i < len(fps) {
			w.CalibratedFPS = fps[i]
		}
		m.workers = append(m.workers, w)
	}
	m.chunks = PlanChunks(float64(nChunks)*300, 0, 300, m.stagingRoot)
	require.Len(t, m.chunks, nChunks)
	m.failCap = 2 * nChunks
	for i := range m.chunks {
		m.pending = append(m.pending, i)
	}
	return m
}

func TestMaybeDistribute_Proportional(t *testing.T) {
	m := newTestMulti(t, 2, 10, []int{200, 120})

	// Seed chunks 0 and 1 are already encoding.
	for i := 0; i < 2; i++ {
		m.chunks[i].State = ChunkEncoding
		m.chunks[i].WorkerIdx = i
		m.workers[i].Busy = true
		m.workers[i].CurrentChunk = i
		m.removePending(i)
	}

	m.maybeDistribute()
	require.True(t, m.distributionDone)

	// 8 remaining chunks split 200:120 -> 5:3, fastest takes the leftover.
	assert.Len(t, m.workers[0].Queue, 5)
	assert.Len(t, m.workers[1].Queue, 3)
	assert.Empty(t, m.pending)

	// Faster worker holds the earliest chunks.
	assert.Equal(t, []int{2, 3, 4, 5, 6}, m.workers[0].Queue)
	assert.Equal(t, []int{7, 8, 9}, m.workers[1].Queue)
}

func TestMaybeDistribute_WaitsForCalibration(t *testing.T) {
	m := newTestMulti(t, 2, 4, []int{200, 0}) // worker 1 uncalibrated
	for i := 0; i < 2; i++ {
		m.chunks[i].State = ChunkEncoding
		m.removePending(i)
	}

	m.maybeDistribute()
	assert.False(t, m.distributionDone)
}

func TestMaybeDistribute_WaitsForSeeds(t *testing.T) {
	m := newTestMulti(t, 2, 4, []int{200, 120})
	m.chunks[0].State = ChunkEncoding
	// Chunk 1 (a seed) is still pending.

	m.maybeDistribute()
	assert.False(t, m.distributionDone)
}

func TestStealOrIdle_StaleChunkDiscarded(t *testing.T) {
	m := newTestMulti(t, 2, 6, []int{100, 100})
	m.distributionDone = true
	m.pending = nil

	thief, victim := m.workers[0], m.workers[1]
	victim.Queue = []int{4, 5}
	// Chunk 5 was already taken elsewhere.
	m.chunks[5].State = ChunkEncoding

	m.stealOrIdle(nil, thief)

	// The stale tail is dropped from the victim's queue but the thief got
	// nothing; chunk 5 keeps its state.
	assert.Equal(t, []int{4}, victim.Queue)
	assert.False(t, thief.Busy)
	assert.Equal(t, ChunkEncoding, m.chunks[5].State)
}

func TestPendingWorkExists(t *testing.T) {
	m := newTestMulti(t, 2, 4, []int{100, 100})
	assert.True(t, m.pendingWorkExists())

	m.pending = nil
	assert.False(t, m.pendingWorkExists())

	m.workers[1].Queue = []int{2}
	assert.True(t, m.pendingWorkExists())

	m.chunks[2].State = ChunkEncoding
	assert.False(t, m.pendingWorkExists(), "queued but non-pending chunks are not work")
}

func TestDequeueAndRemovePending(t *testing.T) {
	m := newTestMulti(t, 1, 4, []int{100})
	w := m.workers[0]
	w.Queue = []int{1, 2, 3}

	m.dequeue(w, 2)
	assert.Equal(t, []int{1, 3}, w.Queue)
	m.dequeue(w, 99) // absent: no-op
	assert.Equal(t, []int{1, 3}, w.Queue)

	m.removePending(0)
	assert.Equal(t, []int{1, 2, 3}, m.pending)
}

func TestPopPending_SkipsNonPending(t *testing.T) {
	m := newTestMulti(t, 1, 3, []int{100})
	m.chunks[0].State = ChunkEncoding

	idx, ok := m.popPending()
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestFailErr_PartialAfterEmission(t *testing.T) {
	m := newTestMulti(t, 2, 4, []int{100, 100})
	base := errors.New("cap exceeded")

	// Nothing emitted yet: the error passes through untouched.
	assert.Equal(t, base, m.failErr(base))

	// In-order emission happened: downgrade to partial success.
	m.nextProcessable = 2
	err := m.failErr(base)
	assert.ErrorIs(t, err, ErrPartial)
	assert.Contains(t, err.Error(), "2/4 chunks emitted")

	// The progressive chunk-0 path counts too, even with nextProcessable 0.
	m2 := newTestMulti(t, 2, 4, []int{100, 100})
	m2.Agg = aggregateWithEmission(t)
	assert.ErrorIs(t, m2.failErr(base), ErrPartial)
}

// aggregateWithEmission returns an aggregator that has already placed files
// in its output directory, as the progressive chunk-0 downloader would.
func aggregateWithEmission(t *testing.T) *aggregate.Aggregator {
	t.Helper()
	agg := aggregate.New(t.TempDir(), 0, nil, slog.Default())

	staging := t.TempDir()
	for _, name := range []string{"init-stream0.m4s", "chunk-stream0-00001.m4s"} {
		require.NoError(t, os.WriteFile(filepath.Join(staging, name), []byte("x"), 0o644))
	}
	_, err := agg.EmitChunk(context.Background(), staging, true, "manifest.mpd")
	require.NoError(t, err)
	require.Positive(t, agg.EmittedCount())
	return agg
}

func TestReturnToPending_CountsFailure(t *testing.T) {
	m := newTestMulti(t, 1, 3, []int{100})
	c := m.chunks[1]
	c.State = ChunkEncoding
	c.WorkerIdx = 0
	c.JobID = "j"
	m.pending = nil

	m.returnToPending(c)

	assert.Equal(t, ChunkPending, c.State)
	assert.Equal(t, -1, c.WorkerIdx)
	assert.Empty(t, c.JobID)
	assert.Equal(t, 1, m.failures)
	assert.Equal(t, []int{1}, m.pending)
}
