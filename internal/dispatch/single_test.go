package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodnarbrox/plexbeam/internal/aggregate"
	"github.com/nodnarbrox/plexbeam/internal/beam"
	"github.com/nodnarbrox/plexbeam/internal/cliargs"
	"github.com/nodnarbrox/plexbeam/internal/config"
	"github.com/nodnarbrox/plexbeam/internal/ffmpeg"
	"github.com/nodnarbrox/plexbeam/internal/keepalive"
	"github.com/nodnarbrox/plexbeam/internal/pool"
	"github.com/nodnarbrox/plexbeam/internal/session"
	"github.com/nodnarbrox/plexbeam/internal/worker"
	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

// singleHarness is an httptest worker that completes its job immediately.
type singleHarness struct {
	srv       *httptest.Server
	submitted atomic.Int64
	cancelled atomic.Int64
	jobBody   atomic.Value // *worker.JobRequest
}

func newSingleHarness(t *testing.T, files map[string][]byte) *singleHarness {
	t.Helper()
	h := &singleHarness{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/transcode":
			var req worker.JobRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			h.jobBody.Store(&req)
			h.submitted.Add(1)
			_, _ = w.Write([]byte(`{"job_id":"` + req.JobID + `","status":"pending"}`))
		case strings.HasPrefix(r.URL.Path, "/status/"):
			_, _ = w.Write([]byte(`{"status":"completed","fps":120,"speed":4,"out_time_ms":600000,"frame":14400,"progress":100}`))
		case strings.HasPrefix(r.URL.Path, "/beam/segments/"):
			names := make([]string, 0, len(files))
			for n := range files {
				names = append(names, n)
			}
			_ = json.NewEncoder(w).Encode(worker.SegmentList{Files: names})
		case strings.HasPrefix(r.URL.Path, "/beam/segment/"):
			name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			_, _ = w.Write(files[name])
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/job/"):
			h.cancelled.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func testDeps(t *testing.T) *Deps {
	t.Helper()
	sess, err := session.New(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		MultiMode:     config.MultiModeSwarm,
		ChunkDuration: 300 * time.Second,
		Timeouts: config.TimeoutsConfig{
			Poll:    5 * time.Second,
			Submit:  30 * time.Second,
			Session: time.Hour,
		},
	}
	return &Deps{
		Config:   cfg,
		Session:  sess,
		Events:   session.NewEventLog(sess),
		Logger:   slog.Default(),
		Binaries: ffmpeg.NewBinaries("", ""),
		Streamer: &beam.Streamer{
			Binaries: ffmpeg.NewBinaries("", ""),
			Logger:   slog.Default(),
		},
		Reporter: &keepalive.Reporter{
			Client: httpclient.New(httpclient.DefaultConfig()),
			Logger: slog.Default(),
		},
		ManifestN: "manifest.mpd",
	}
}

func TestSingle_HappyPathLocalWorker(t *testing.T) {
	files := map[string][]byte{
		"init-stream0.m4s":        []byte("i0"),
		"init-stream1.m4s":        []byte("i1"),
		"manifest.mpd":            []byte(`<MPD startNumber="1"/>`),
		"chunk-stream0-00001.m4s": []byte("v1"),
		"chunk-stream1-00001.m4s": []byte("a1"),
	}
	h := newSingleHarness(t, files)

	d := testDeps(t)
	out := t.TempDir()
	agg := aggregate.New(out, 0, nil, slog.Default())

	w := &pool.Worker{
		URL:    h.srv.URL,
		Tag:    pool.TagLocal,
		Client: worker.NewClient(h.srv.URL, httpclient.NewSet("", slog.Default())),
	}

	inv, err := cliargs.Parse([]string{
		"-i", "/m/film.mkv", "-codec:0", "h264", "-f", "dash", filepath.Join(out, "dash"),
	}, "/")
	require.NoError(t, err)

	s := &Single{Deps: d, Agg: agg}
	require.NoError(t, s.Run(context.Background(), w, inv))

	assert.Equal(t, int64(1), h.submitted.Load())

	// Local-tag workers read the input directly: no beam, no pull URL.
	job := h.jobBody.Load().(*worker.JobRequest)
	assert.False(t, job.BeamStream)
	assert.Nil(t, job.PullURL)
	assert.Equal(t, "file", job.Input.Type)
	assert.Equal(t, "/m/film.mkv", job.Input.Path)
	assert.Equal(t, "dash", job.Arguments.RawArgs[len(job.Arguments.RawArgs)-1])

	// Every segment landed in the output dir.
	for name := range files {
		assert.FileExists(t, filepath.Join(out, name))
	}

	// Exit cleanup cancelled the (already terminal) job.
	assert.GreaterOrEqual(t, h.cancelled.Load(), int64(1))

	// Session captured request and response.
	assert.FileExists(t, d.Session.Path(session.JobRequestFile))
	assert.FileExists(t, d.Session.Path(session.JobResponseFile))
	assert.FileExists(t, d.Session.Path(session.JobCompletedFile))
}

func TestSingle_FailureAfterEmissionIsPartial(t *testing.T) {
	files := map[string][]byte{
		"init-stream0.m4s":        []byte("i0"),
		"chunk-stream0-00001.m4s": []byte("v1"),
	}
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/transcode":
			_, _ = w.Write([]byte(`{"job_id":"x","status":"queued"}`))
		case strings.HasPrefix(r.URL.Path, "/status/"):
			// First poll: running, so the sweep emits segments. Then fail.
			if polls.Add(1) == 1 {
				_, _ = w.Write([]byte(`{"status":"running","fps":100,"speed":3,"out_time_ms":4000,"frame":100}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"failed","error":"encoder exploded"}`))
		case strings.HasPrefix(r.URL.Path, "/beam/segments/"):
			names := make([]string, 0, len(files))
			for n := range files {
				names = append(names, n)
			}
			_ = json.NewEncoder(w).Encode(worker.SegmentList{Files: names})
		case strings.HasPrefix(r.URL.Path, "/beam/segment/"):
			name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			_, _ = w.Write(files[name])
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	d := testDeps(t)
	out := t.TempDir()
	agg := aggregate.New(out, 0, nil, slog.Default())
	w := &pool.Worker{
		URL:    srv.URL,
		Tag:    pool.TagLocal,
		Client: worker.NewClient(srv.URL, httpclient.NewSet("", slog.Default())),
	}
	inv, err := cliargs.Parse([]string{"-i", "/m/film.mkv", filepath.Join(out, "dash")}, "/")
	require.NoError(t, err)

	s := &Single{Deps: d, Agg: agg}
	err = s.Run(context.Background(), w, inv)

	// Output already reached the media server: the failure is a partial
	// success, not a retryable dispatch failure.
	assert.ErrorIs(t, err, ErrPartial)
	assert.FileExists(t, filepath.Join(out, "init-stream0.m4s"))
	assert.FileExists(t, filepath.Join(out, "chunk-stream0-00001.m4s"))
	assert.Positive(t, agg.EmittedCount())
}

func TestSingle_FailedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/transcode":
			_, _ = w.Write([]byte(`{"job_id":"x","status":"queued"}`))
		case strings.HasPrefix(r.URL.Path, "/status/"):
			_, _ = w.Write([]byte(`{"status":"failed","error":"encoder exploded"}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	d := testDeps(t)
	agg := aggregate.New(t.TempDir(), 0, nil, slog.Default())
	w := &pool.Worker{
		URL:    srv.URL,
		Tag:    pool.TagLocal,
		Client: worker.NewClient(srv.URL, httpclient.NewSet("", slog.Default())),
	}
	inv, err := cliargs.Parse([]string{"-i", "/m/film.mkv", "/tmp/out/dash"}, "/")
	require.NoError(t, err)

	s := &Single{Deps: d, Agg: agg}
	err = s.Run(context.Background(), w, inv)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.Contains(t, err.Error(), "encoder exploded")
	assert.FileExists(t, d.Session.Path(session.JobFailedFile))
}
