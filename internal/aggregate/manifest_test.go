package aggregate

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

const sampleMPD = `<?xml version="1.0"?>
<MPD><Period><AdaptationSet>
<SegmentTemplate startNumber="1" media="chunk-stream$RepresentationID$-$Number%05d$.m4s"/>
</AdaptationSet></Period></MPD>`

func newPoster(t *testing.T, dir string, skipTo int, posts *atomic.Int64) *ManifestPoster {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/dash+xml", r.Header.Get("Content-Type"))
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return &ManifestPoster{
		CallbackURL: srv.URL,
		OutputDir:   dir,
		SkipTo:      skipTo,
		Client:      httpclient.New(httpclient.DefaultConfig()),
		Logger:      slog.Default(),
	}
}

func TestManifestPoster_GateRequiresInitAndMedia(t *testing.T) {
	dir := t.TempDir()
	var posts atomic.Int64
	p := newPoster(t, dir, 0, &posts)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.mpd"), []byte(sampleMPD), 0o644))

	// Manifest alone: gate closed.
	require.NoError(t, p.MaybePost(context.Background(), "manifest.mpd"))
	assert.Equal(t, int64(0), posts.Load())
	assert.Equal(t, ManifestNone, p.State())

	// Init without media: still closed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init-stream0.m4s"), []byte("i"), 0o644))
	require.NoError(t, p.MaybePost(context.Background(), "manifest.mpd"))
	assert.Equal(t, int64(0), posts.Load())

	// Init + media: gate opens.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chunk-stream0-00001.m4s"), []byte("m"), 0o644))
	require.NoError(t, p.MaybePost(context.Background(), "manifest.mpd"))
	assert.Equal(t, int64(1), posts.Load())
	assert.Equal(t, ManifestPosted, p.State())
	assert.True(t, p.Posted())
}

func TestManifestPoster_RepostOnlyOnChange(t *testing.T) {
	dir := t.TempDir()
	var posts atomic.Int64
	p := newPoster(t, dir, 0, &posts)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "init-stream0.m4s"), []byte("i"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chunk-stream0-00001.m4s"), []byte("m"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.mpd"), []byte(sampleMPD), 0o644))

	require.NoError(t, p.MaybePost(context.Background(), "manifest.mpd"))
	require.NoError(t, p.MaybePost(context.Background(), "manifest.mpd"))
	assert.Equal(t, int64(1), posts.Load(), "unchanged manifest must not repost")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.mpd"), []byte(sampleMPD+"<!-- -->"), 0o644))
	require.NoError(t, p.MaybePost(context.Background(), "manifest.mpd"))
	assert.Equal(t, int64(2), posts.Load(), "md5 change must repost")
	assert.Equal(t, ManifestPosted, p.State())
}

func TestManifestPoster_OnFirstPost(t *testing.T) {
	dir := t.TempDir()
	var posts atomic.Int64
	p := newPoster(t, dir, 0, &posts)

	fired := 0
	p.OnFirstPost(func() { fired++ })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "init-stream0.m4s"), []byte("i"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chunk-stream0-00001.m4s"), []byte("m"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.mpd"), []byte(sampleMPD), 0o644))

	require.NoError(t, p.MaybePost(context.Background(), "manifest.mpd"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.mpd"), []byte(sampleMPD+" "), 0o644))
	require.NoError(t, p.MaybePost(context.Background(), "manifest.mpd"))

	assert.Equal(t, 1, fired, "first-post callback fires exactly once")
}

func TestRewrite_StartNumber(t *testing.T) {
	p := &ManifestPoster{SkipTo: 5, Logger: slog.Default()}

	out := p.Rewrite([]byte(sampleMPD), "manifest.mpd")
	assert.Contains(t, string(out), `startNumber="5"`)
	assert.NotContains(t, string(out), `startNumber="1"`)

	// Idempotent: the rewritten value no longer matches.
	again := p.Rewrite(out, "manifest.mpd")
	assert.Equal(t, out, again)
}

func TestRewrite_NoSkip(t *testing.T) {
	p := &ManifestPoster{SkipTo: 1, Logger: slog.Default()}
	in := []byte(sampleMPD)
	assert.Equal(t, in, p.Rewrite(in, "manifest.mpd"))
}

func TestRewrite_HLSMediaSequence(t *testing.T) {
	playlist := "#EXTM3U\n" +
		"#EXT-X-VERSION:7\n" +
		"#EXT-X-TARGETDURATION:4\n" +
		"#EXT-X-MEDIA-SEQUENCE:1\n" +
		"#EXT-X-MAP:URI=\"init-stream0.m4s\"\n" +
		"#EXTINF:4.000000,\n" +
		"chunk-stream0-00001.m4s\n" +
		"#EXT-X-ENDLIST\n"

	p := &ManifestPoster{SkipTo: 5, Logger: slog.Default()}
	out := p.Rewrite([]byte(playlist), "media.m3u8")
	assert.Contains(t, string(out), "#EXT-X-MEDIA-SEQUENCE:5")

	again := p.Rewrite(out, "media.m3u8")
	assert.Equal(t, string(out), string(again))
}
