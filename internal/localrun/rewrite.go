// Package localrun executes the transcode on the host when no remote
// capacity is available, rewriting CPU-encoder arguments for the local GPU
// first.
package localrun

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/nodnarbrox/plexbeam/internal/cliargs"
)

// GPU identifies the locally available encoder hardware.
type GPU int

const (
	GPUNone GPU = iota
	GPUNVENC
	GPUQSV
)

func (g GPU) String() string {
	switch g {
	case GPUNVENC:
		return "nvenc"
	case GPUQSV:
		return "qsv"
	default:
		return "none"
	}
}

// Device nodes checked for GPU presence.
const (
	nvidiaDevice = "/dev/nvidia0"
	qsvDevice    = "/dev/dri/renderD128"
)

// DetectGPU reports which GPU the host offers. NVENC wins when both exist.
func DetectGPU() GPU {
	if _, err := os.Stat(nvidiaDevice); err == nil {
		return GPUNVENC
	}
	if _, err := os.Stat(qsvDevice); err == nil {
		return GPUQSV
	}
	return GPUNone
}

// codec mappings for each GPU family.
var gpuCodec = map[GPU]map[string]string{
	GPUNVENC: {"libx264": "h264_nvenc", "libx265": "hevc_nvenc"},
	GPUQSV:   {"libx264": "h264_qsv", "libx265": "hevc_qsv"},
}

// softwareScaleRe matches the software scale filter inside a filter graph.
var softwareScaleRe = regexp.MustCompile(`\[0:0\]scale=w=(-?\d+):h=(-?\d+)`)

// NeedsRewrite reports whether the argv uses a CPU encoder the local GPU can
// replace.
func NeedsRewrite(argv []string) bool {
	for _, a := range argv {
		if a == "libx264" || a == "libx265" {
			return true
		}
	}
	return false
}

// Rewrite transforms a CPU-encoder argv into the local GPU pipeline:
// codec substitution, quality-flag translation, filter-graph hardware
// upload, and removal of flags the system encoder rejects. Plex dialect
// tokens are stripped in the same pass. With a GPU the result leads with
// "-loglevel warning"; with GPUNone only the Plex dialect is stripped.
func Rewrite(argv []string, gpu GPU) []string {
	if gpu == GPUNone {
		return cliargs.StripPlexDialect(argv)
	}

	codecs := gpuCodec[gpu]
	stripped := cliargs.StripPlexDialect(argv)

	out := make([]string, 0, len(stripped)+8)
	for i := 0; i < len(stripped); i++ {
		arg := stripped[i]
		switch {
		case arg == "-loglevel":
			i++ // replaced by the leading pair below
		case codecs[arg] != "":
			out = append(out, codecs[arg])
		case arg == "-crf":
			q := clampQuality(valueAt(stripped, i), gpu)
			if gpu == GPUNVENC {
				out = append(out, "-qp", q)
			} else {
				out = append(out, "-global_quality", q)
			}
			i++
		case strings.HasPrefix(arg, "-preset"),
			strings.HasPrefix(arg, "-x264opts"),
			strings.HasPrefix(arg, "-x265-params"):
			if i+1 < len(stripped) && !strings.HasPrefix(stripped[i+1], "-") {
				i++
			}
		case arg == "-filter_complex" || arg == "-vf":
			out = append(out, arg)
			if i+1 < len(stripped) {
				out = append(out, rewriteFilter(stripped[i+1], gpu))
				i++
			}
		default:
			out = append(out, arg)
		}
	}

	head := []string{"-loglevel", "warning"}
	switch gpu {
	case GPUQSV:
		head = append(head, "-init_hw_device", "qsv=hw", "-filter_hw_device", "hw")
	case GPUNVENC:
		head = append(head, "-hwaccel", "cuda", "-hwaccel_output_format", "cuda")
	}
	return append(head, out...)
}

// rewriteFilter moves the software scale into the GPU pipeline.
func rewriteFilter(graph string, gpu GPU) string {
	return softwareScaleRe.ReplaceAllStringFunc(graph, func(m string) string {
		sub := softwareScaleRe.FindStringSubmatch(m)
		w, h := sub[1], sub[2]
		switch gpu {
		case GPUQSV:
			return "[0:0]format=nv12,hwupload=extra_hw_frames=64,scale_qsv=w=" + w + ":h=" + h
		case GPUNVENC:
			return "[0:0]scale=w=" + w + ":h=" + h + ",format=nv12,hwupload_cuda"
		default:
			return m
		}
	})
}

// clampQuality translates a -crf value into the GPU's quality range. QSV
// tracks CRF about two points lower, hence the +2.
func clampQuality(crf string, gpu GPU) string {
	n, err := strconv.Atoi(crf)
	if err != nil {
		n = 23
	}
	if gpu == GPUQSV {
		n += 2
	}
	if n < 1 {
		n = 1
	}
	if n > 51 {
		n = 51
	}
	return strconv.Itoa(n)
}

func valueAt(argv []string, i int) string {
	if i+1 < len(argv) {
		return argv[i+1]
	}
	return ""
}
