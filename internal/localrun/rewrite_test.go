package localrun

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func cpuArgv() []string {
	return []string{
		"-loglevel_plex", "debug",
		"-loglevel", "info",
		"-i", "/m/film.mkv",
		"-filter_complex", "[0:0]scale=w=1920:h=1080[1]",
		"-codec:0", "libx264",
		"-crf", "21",
		"-preset", "veryfast",
		"-x264opts", "subme=2",
		"-codec:1", "aac_lc",
		"-f", "dash",
		"/out/dash",
	}
}

func TestNeedsRewrite(t *testing.T) {
	assert.True(t, NeedsRewrite([]string{"-codec:0", "libx264"}))
	assert.True(t, NeedsRewrite([]string{"-codec:0", "libx265"}))
	assert.False(t, NeedsRewrite([]string{"-codec:0", "h264"}))
}

func TestRewrite_QSV(t *testing.T) {
	out := Rewrite(cpuArgv(), GPUQSV)
	joined := strings.Join(out, " ")

	assert.Equal(t, []string{"-loglevel", "warning", "-init_hw_device", "qsv=hw", "-filter_hw_device", "hw"}, out[:6])
	assert.Contains(t, out, "h264_qsv")
	assert.Contains(t, joined, "[0:0]format=nv12,hwupload=extra_hw_frames=64,scale_qsv=w=1920:h=1080[1]")

	// CRF 21 -> global_quality 23.
	assert.Contains(t, joined, "-global_quality 23")

	assert.NotContains(t, out, "-preset")
	assert.NotContains(t, out, "veryfast")
	assert.NotContains(t, out, "-x264opts")
	assert.NotContains(t, out, "-crf")
	assert.NotContains(t, out, "-loglevel_plex")
	assert.NotContains(t, out, "libx264")
	assert.NotContains(t, out, "aac_lc")
	assert.Contains(t, out, "aac")
}

func TestRewrite_NVENC(t *testing.T) {
	out := Rewrite(cpuArgv(), GPUNVENC)
	joined := strings.Join(out, " ")

	assert.Equal(t, []string{"-loglevel", "warning", "-hwaccel", "cuda", "-hwaccel_output_format", "cuda"}, out[:6])
	assert.Contains(t, out, "h264_nvenc")
	assert.Contains(t, joined, "[0:0]scale=w=1920:h=1080,format=nv12,hwupload_cuda[1]")
	assert.Contains(t, joined, "-qp 21")
}

func TestRewrite_HEVC(t *testing.T) {
	argv := []string{"-i", "in.mkv", "-codec:0", "libx265", "-x265-params", "log-level=error", "out"}
	out := Rewrite(argv, GPUNVENC)

	assert.Contains(t, out, "hevc_nvenc")
	assert.NotContains(t, out, "-x265-params")
	assert.NotContains(t, out, "log-level=error")
}

func TestClampQuality(t *testing.T) {
	tests := []struct {
		name     string
		crf      string
		gpu      GPU
		expected string
	}{
		{"nvenc passthrough", "21", GPUNVENC, "21"},
		{"qsv plus two", "21", GPUQSV, "23"},
		{"clamp high", "51", GPUQSV, "51"},
		{"clamp low", "-3", GPUNVENC, "1"},
		{"garbage defaults", "zzz", GPUNVENC, "23"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, clampQuality(tt.crf, tt.gpu))
		})
	}
}

func TestRewrite_NoGPUStripsDialectOnly(t *testing.T) {
	out := Rewrite(cpuArgv(), GPUNone)
	assert.Contains(t, out, "libx264")
	assert.NotContains(t, out, "-loglevel_plex")
	assert.Contains(t, out, "aac")
}
