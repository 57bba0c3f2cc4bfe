package cliargs

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrEmptyArgs is returned when the argv carries nothing to parse.
var ErrEmptyArgs = errors.New("empty transcoder argument list")

// scaleFilterRe extracts the target resolution from a scale filter inside
// -filter_complex or -vf.
var scaleFilterRe = regexp.MustCompile(`scale(?:_[a-z0-9]+)?=w=(-?\d+):h=(-?\d+)`)

// Parse extracts the semantic fields of a transcoder invocation from argv.
// argv must not include the program name.
func Parse(argv []string, cwd string) (*Invocation, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyArgs
	}

	raw := Decimalize(argv)

	inv := &Invocation{
		Source:       SourceJellyfin,
		OutputKind:   OutputUnknown,
		SubtitleMode: SubtitleNone,
		RawArgs:      raw,
	}

	value := func(i int) string {
		if i+1 < len(raw) {
			return raw[i+1]
		}
		return ""
	}

	var sawFilter string
	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		switch {
		case arg == "-i":
			if inv.InputPath == "" {
				inv.InputPath = value(i)
			}
			i++
		case arg == "-ss":
			if s, err := strconv.ParseFloat(value(i), 64); err == nil {
				inv.SeekSec = s
			}
			i++
		case arg == "-c:v" || arg == "-codec:v" || arg == "-codec:0" || arg == "-c:0":
			inv.VideoCodecOut = value(i)
			i++
		case arg == "-c:a" || arg == "-codec:a" || arg == "-codec:1" || arg == "-c:1":
			inv.AudioCodecOut = value(i)
			i++
		case arg == "-b:v" || arg == "-maxrate:0" || arg == "-maxrate":
			if inv.Bitrate == "" {
				inv.Bitrate = value(i)
			}
			i++
		case arg == "-seg_duration" || arg == "-hls_time":
			if d, err := strconv.ParseFloat(value(i), 64); err == nil {
				inv.SegmentDurationSec = int(d)
			}
			if arg == "-hls_time" {
				inv.OutputKind = OutputHLS
			}
			i++
		case arg == "-f":
			switch value(i) {
			case "dash":
				inv.OutputKind = OutputDASH
			case "hls":
				inv.OutputKind = OutputHLS
			}
			i++
		case arg == "-hwaccel":
			inv.HWAccelHint = value(i)
			i++
		case arg == "-filter_complex" || arg == "-vf":
			sawFilter = value(i)
			i++
		case arg == "-progressurl":
			inv.ProgressURL = value(i)
			inv.Source = SourcePlex
			i++
		case arg == "-skip_to_segment":
			if n, err := strconv.Atoi(value(i)); err == nil && n >= 1 {
				inv.SkipToSegment = n
			}
			inv.Source = SourcePlex
			i++
		case arg == "-manifest_name":
			inv.ManifestCallbackURL = value(i)
			inv.Source = SourcePlex
			i++
		case arg == "-loglevel_plex":
			inv.Source = SourcePlex
			i++
		case arg == "-sn":
			inv.SubtitleMode = SubtitleNone
		case arg == "-c:s" || arg == "-codec:s":
			if value(i) == "copy" {
				inv.SubtitleMode = SubtitleCopy
			}
			i++
		}
	}

	if sawFilter != "" {
		if m := scaleFilterRe.FindStringSubmatch(sawFilter); m != nil {
			inv.Resolution = m[1] + "x" + m[2]
		}
		if strings.Contains(sawFilter, "tonemap") {
			inv.ToneMap = true
		}
		if strings.Contains(sawFilter, "subtitles=") || strings.Contains(sawFilter, "overlay") {
			inv.SubtitleMode = SubtitleBurn
		}
	}

	// The trailing positional is the output target. Relative targets are
	// resolved against the coordinator's working directory and the same
	// substitution is applied in RawArgs so workers and the local fallback
	// see one consistent path.
	last := raw[len(raw)-1]
	if strings.HasPrefix(last, "-") {
		return nil, fmt.Errorf("argv does not end with an output target: %q", last)
	}
	target := last
	if !filepath.IsAbs(target) && !isURL(target) {
		abs := filepath.Join(cwd, target)
		raw[len(raw)-1] = abs
		target = abs
	}
	inv.OutputTarget = target
	inv.OutputDir = outputDirOf(target)

	if inv.OutputKind == OutputUnknown {
		switch {
		case strings.HasSuffix(target, ".mpd") || filepath.Base(target) == "dash":
			inv.OutputKind = OutputDASH
		case strings.HasSuffix(target, ".m3u8"):
			inv.OutputKind = OutputHLS
		}
	}

	// The manifest callback may arrive as a bare name rather than a URL; in
	// that case it replaces the last path element of the progress URL.
	if inv.ManifestCallbackURL != "" && !isURL(inv.ManifestCallbackURL) && inv.ProgressURL != "" {
		inv.ManifestCallbackURL = siblingURL(inv.ProgressURL, inv.ManifestCallbackURL)
	}

	if inv.InputPath == "" {
		return nil, errors.New("argv carries no -i input")
	}

	return inv, nil
}

// siblingURL replaces the last path element of base with name.
func siblingURL(base, name string) string {
	u, err := url.Parse(base)
	if err != nil {
		return name
	}
	dir := strings.TrimRight(u.Path, "/")
	if idx := strings.LastIndex(dir, "/"); idx >= 0 {
		u.Path = dir[:idx+1] + name
	} else {
		u.Path = "/" + name
	}
	return u.String()
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Cwd returns the working directory, falling back to "/" when unavailable.
func Cwd() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "/"
}
