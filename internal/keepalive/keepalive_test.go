package keepalive

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

func TestSnapshot_Line(t *testing.T) {
	s := Snapshot{Frame: 1234, FPS: 187.5, Speed: 6.2, OutTimeUS: 3_723_450_000}
	line := s.Line()

	assert.Contains(t, line, "frame= 1234")
	assert.Contains(t, line, "fps=187.5")
	assert.Contains(t, line, "q=-1.0")
	assert.Contains(t, line, "size=N/A")
	assert.Contains(t, line, "time=01:02:03.45")
	assert.Contains(t, line, "bitrate=N/A")
	assert.Contains(t, line, "speed=6.2x")
}

func TestTerminalLine(t *testing.T) {
	line := TerminalLine()
	assert.Contains(t, line, "frame= 9999")
	assert.Contains(t, line, "speed=0.0x")
}

func TestFormatClock(t *testing.T) {
	tests := []struct {
		us       int64
		expected string
	}{
		{0, "00:00:00.00"},
		{1_500_000, "00:00:01.50"},
		{3_600_000_000, "01:00:00.00"},
		{-5, "00:00:00.00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, formatClock(tt.us))
	}
}

func TestReporter_PostFormBody(t *testing.T) {
	var got string
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, r.ParseForm())
		got = r.PostForm.Encode()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := &Reporter{
		ProgressURL: srv.URL,
		Client:      httpclient.New(httpclient.DefaultConfig()),
		Logger:      slog.Default(),
	}

	err := r.Post(context.Background(), Snapshot{Frame: 10, FPS: 30, Speed: 1.5, OutTimeUS: 0}, "continue")
	require.NoError(t, err)

	assert.Equal(t, "application/x-www-form-urlencoded", contentType)
	assert.Contains(t, got, "frame=10")
	assert.Contains(t, got, "fps=30.0")
	assert.Contains(t, got, "speed=1.5x")
	// A zero out_time_us is still sent: seeks must keep the heartbeat alive.
	assert.Contains(t, got, "out_time_us=0")
	assert.Contains(t, got, "progress=continue")
}

func TestReporter_PostNoURL(t *testing.T) {
	r := &Reporter{Logger: slog.Default()}
	assert.NoError(t, r.Post(context.Background(), Snapshot{}, "continue"))
}

func TestReporter_EmitWritesStderr(t *testing.T) {
	var buf strings.Builder
	r := &Reporter{Stderr: &buf, Logger: slog.Default()}

	r.Emit(context.Background(), Snapshot{Frame: 42, FPS: 24, Speed: 1, OutTimeUS: 0})
	assert.Contains(t, buf.String(), "frame=   42")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestMultiWorkerOutTime(t *testing.T) {
	chunk := 300 * time.Second

	// No running chunk: completed chunks only.
	assert.Equal(t, (600 * time.Second).Microseconds(), MultiWorkerOutTime(2, chunk, time.Time{}))

	// Running chunk contributes elapsed wall time.
	start := time.Now().Add(-10 * time.Second)
	got := MultiWorkerOutTime(1, chunk, start)
	assert.GreaterOrEqual(t, got, (310 * time.Second).Microseconds())
	assert.Less(t, got, (312 * time.Second).Microseconds())

	// Elapsed is capped at one chunk duration.
	old := time.Now().Add(-20 * time.Minute)
	assert.Equal(t, (600 * time.Second).Microseconds(), MultiWorkerOutTime(1, chunk, old))
}
