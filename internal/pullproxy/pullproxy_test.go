package pullproxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

func TestUpload(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		_, _ = w.Write([]byte(`{"url":"https://bucket.s3/presigned/abc.mkv?sig=x"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", httpclient.NewSet("", slog.Default()))
	url, err := c.Upload(context.Background(), "sess_c0", strings.NewReader("mkv"))
	require.NoError(t, err)

	assert.Equal(t, "/upload/sess_c0.mkv", gotPath)
	assert.Equal(t, "mkv", string(gotBody))
	assert.Equal(t, "https://bucket.s3/presigned/abc.mkv?sig=x", url)
}

func TestUpload_NoURLInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", httpclient.NewSet("", slog.Default()))
	_, err := c.Upload(context.Background(), "id", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestCleanSession(t *testing.T) {
	dir := t.TempDir()
	mine := filepath.Join(dir, "20260806T120000_7_c0.mkv")
	other := filepath.Join(dir, "20260101T000000_9_c0.mkv")
	require.NoError(t, os.WriteFile(mine, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("b"), 0o644))

	c := NewClient("http://localhost:1", dir, httpclient.NewSet("", slog.Default()))
	require.NoError(t, c.CleanSession("20260806T120000_7"))

	assert.NoFileExists(t, mine)
	assert.FileExists(t, other, "other sessions' staging is untouched")
}

func TestCleanSession_MissingDir(t *testing.T) {
	c := NewClient("http://localhost:1", filepath.Join(t.TempDir(), "nope"), httpclient.NewSet("", slog.Default()))
	assert.NoError(t, c.CleanSession("sess"))
}
