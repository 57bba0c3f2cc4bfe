package aggregate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodnarbrox/plexbeam/internal/worker"
	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

// fakeWorker serves a fixed file set over the beam segment endpoints.
func fakeWorker(t *testing.T, files map[string][]byte) *worker.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/beam/segments/"):
			names := make([]string, 0, len(files))
			for n := range files {
				names = append(names, n)
			}
			_ = json.NewEncoder(w).Encode(worker.SegmentList{Files: names})
		case strings.HasPrefix(r.URL.Path, "/beam/segment/"):
			name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			data, ok := files[name]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(data)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return worker.NewClient(srv.URL, httpclient.NewSet("", slog.Default()))
}

func chunkFiles(vid, aud int) map[string][]byte {
	files := map[string][]byte{
		"init-stream0.m4s": []byte("init0"),
		"init-stream1.m4s": []byte("init1"),
		"manifest.mpd":     []byte(sampleMPD),
	}
	for i := 1; i <= vid; i++ {
		files[EmittedName(MediaSegment{Stream: 0, Number: i}, 0, 0)] = []byte("v")
	}
	for i := 1; i <= aud; i++ {
		files[EmittedName(MediaSegment{Stream: 1, Number: i}, 0, 0)] = []byte("a")
	}
	return files
}

func TestSweepDirect_EmitsWithSkipBase(t *testing.T) {
	out := t.TempDir()
	wc := fakeWorker(t, chunkFiles(2, 2))
	agg := New(out, 4, nil, slog.Default())

	counts, err := agg.SweepDirect(context.Background(), wc, "job1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Vid())
	assert.Equal(t, 2, counts.Aud())

	// skip_base=4: numbering starts at 5.
	assert.FileExists(t, filepath.Join(out, "init-stream0.m4s"))
	assert.FileExists(t, filepath.Join(out, "init-stream1.m4s"))
	assert.FileExists(t, filepath.Join(out, "chunk-stream0-00005.m4s"))
	assert.FileExists(t, filepath.Join(out, "chunk-stream0-00006.m4s"))
	assert.FileExists(t, filepath.Join(out, "chunk-stream1-00005.m4s"))
	assert.NoFileExists(t, filepath.Join(out, "chunk-stream0-00001.m4s"))
}

func TestSweepDirect_Incremental(t *testing.T) {
	out := t.TempDir()
	files := chunkFiles(1, 1)
	wc := fakeWorker(t, files)
	agg := New(out, 0, nil, slog.Default())

	_, err := agg.SweepDirect(context.Background(), wc, "job1")
	require.NoError(t, err)

	// Remove an emitted file; a re-sweep must not refetch what it already
	// handled for this job.
	require.NoError(t, os.Remove(filepath.Join(out, "chunk-stream0-00001.m4s")))
	_, err = agg.SweepDirect(context.Background(), wc, "job1")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(out, "chunk-stream0-00001.m4s"))
}

func TestDownloadChunk_SentinelAndEmitOrder(t *testing.T) {
	out := t.TempDir()
	staging := t.TempDir()
	agg := New(out, 0, nil, slog.Default())

	c0 := fakeWorker(t, chunkFiles(3, 3))
	c1 := fakeWorker(t, chunkFiles(2, 2))

	s0 := filepath.Join(staging, "chunk_0000")
	s1 := filepath.Join(staging, "chunk_0001")

	counts1, err := agg.DownloadChunk(context.Background(), c1, "job_c1", s1)
	require.NoError(t, err)
	assert.Equal(t, 2, counts1.Vid())
	assert.True(t, ChunkDownloaded(s1))

	counts0, err := agg.DownloadChunk(context.Background(), c0, "job_c0", s0)
	require.NoError(t, err)
	assert.Equal(t, 3, counts0.Vid())

	// Emit in index order regardless of download order.
	emitted0, err := agg.EmitChunk(context.Background(), s0, true, "manifest.mpd")
	require.NoError(t, err)
	assert.Equal(t, 3, emitted0.Vid())

	emitted1, err := agg.EmitChunk(context.Background(), s1, false, "manifest.mpd")
	require.NoError(t, err)
	assert.Equal(t, 2, emitted1.Vid())

	// Chunk 0 segments keep their numbers; chunk 1 renumbers after them.
	assert.FileExists(t, filepath.Join(out, "chunk-stream0-00001.m4s"))
	assert.FileExists(t, filepath.Join(out, "chunk-stream0-00003.m4s"))
	assert.FileExists(t, filepath.Join(out, "chunk-stream0-00004.m4s"))
	assert.FileExists(t, filepath.Join(out, "chunk-stream0-00005.m4s"))
	assert.NoFileExists(t, filepath.Join(out, "chunk-stream0-00006.m4s"))

	// Init segments and manifest come from chunk 0 only.
	data, err := os.ReadFile(filepath.Join(out, "init-stream0.m4s"))
	require.NoError(t, err)
	assert.Equal(t, "init0", string(data))
	assert.FileExists(t, filepath.Join(out, "manifest.mpd"))
}

func TestDownloadChunk_ProtocolViolation(t *testing.T) {
	staging := t.TempDir()
	agg := New(t.TempDir(), 0, nil, slog.Default())

	// Manifest but no media and no init.
	wc := fakeWorker(t, map[string][]byte{"manifest.mpd": []byte(sampleMPD)})
	_, err := agg.DownloadChunk(context.Background(), wc, "job", filepath.Join(staging, "c0"))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestEmittedCount(t *testing.T) {
	out := t.TempDir()
	wc := fakeWorker(t, chunkFiles(2, 2))
	agg := New(out, 0, nil, slog.Default())
	assert.Zero(t, agg.EmittedCount())

	_, err := agg.SweepDirect(context.Background(), wc, "job1")
	require.NoError(t, err)

	// 2 inits + 4 media segments reached the output dir.
	assert.Equal(t, 6, agg.EmittedCount())
}

func TestCommitCounts_AdvancesOffsets(t *testing.T) {
	agg := New(t.TempDir(), 0, nil, slog.Default())
	agg.CommitCounts(StreamCounts{0: 75, 1: 73})
	agg.CommitCounts(StreamCounts{0: 2, 1: 1})

	off := agg.Offsets()
	assert.Equal(t, 77, off[0])
	assert.Equal(t, 74, off[1])
}
