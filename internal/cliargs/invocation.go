// Package cliargs parses the transcoder command line the media server hands
// to the interception point and normalizes it for dispatch.
package cliargs

import (
	"path/filepath"
	"strings"
)

// OutputKind classifies the streaming output format.
type OutputKind string

const (
	OutputDASH    OutputKind = "dash"
	OutputHLS     OutputKind = "hls"
	OutputUnknown OutputKind = "unknown"
)

// Source identifies which media server produced the argv dialect.
type Source string

const (
	SourcePlex     Source = "plex"
	SourceJellyfin Source = "jellyfin"
)

// SubtitleMode describes how subtitles are to be handled.
type SubtitleMode string

const (
	SubtitleNone SubtitleMode = "none"
	SubtitleBurn SubtitleMode = "burn"
	SubtitleCopy SubtitleMode = "copy"
)

// Invocation is the semantic view of a transcoder command line. RawArgs keeps
// the original argv verbatim (after hex-specifier decimalization and output
// path absolutization) so it can be forwarded to workers unchanged.
type Invocation struct {
	InputPath    string
	OutputTarget string
	OutputDir    string
	OutputKind   OutputKind
	Source       Source

	VideoCodecOut      string
	AudioCodecOut      string
	Bitrate            string
	Resolution         string
	SegmentDurationSec int
	SeekSec            float64
	SubtitleMode       SubtitleMode
	ToneMap            bool
	HWAccelHint        string

	ManifestCallbackURL string
	ProgressURL         string
	SkipToSegment       int

	RawArgs []string
}

// SkipBase is the numbering offset applied to every emitted media segment:
// the player-requested starting segment number minus one.
func (inv *Invocation) SkipBase() int {
	if inv.SkipToSegment > 1 {
		return inv.SkipToSegment - 1
	}
	return 0
}

// InputIsURL reports whether the input is an http(s) URL rather than a local
// file.
func (inv *Invocation) InputIsURL() bool {
	return strings.HasPrefix(inv.InputPath, "http://") ||
		strings.HasPrefix(inv.InputPath, "https://")
}

// WorkerArgs returns RawArgs with the trailing output target replaced by the
// "dash" sentinel. Workers resolve the sentinel to their own temp directory.
func (inv *Invocation) WorkerArgs() []string {
	if len(inv.RawArgs) == 0 {
		return nil
	}
	out := make([]string, len(inv.RawArgs))
	copy(out, inv.RawArgs)
	out[len(out)-1] = "dash"
	return out
}

// outputDirOf returns the directory holding the output target.
func outputDirOf(target string) string {
	return filepath.Dir(target)
}
