package cliargs

import (
	"regexp"
	"strconv"
	"strings"
)

// hexStreamRe matches hex stream specifiers of the form #0xNN anywhere in a
// token. Plex emits these for transport streams; workers and the system
// FFmpeg want decimal.
var hexStreamRe = regexp.MustCompile(`#0x([0-9a-fA-F]+)`)

// Decimalize returns a copy of argv with every #0xNN stream specifier
// rewritten to decimal #N. Applying it to already-decimal argv is a no-op.
func Decimalize(argv []string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = hexStreamRe.ReplaceAllStringFunc(arg, func(m string) string {
			n, err := strconv.ParseInt(m[len("#0x"):], 16, 64)
			if err != nil {
				return m
			}
			return "#" + strconv.FormatInt(n, 10)
		})
	}
	return out
}

// plexOnlyFlags are Plex dialect flags the system encoder does not recognize.
// The value maps to whether the flag consumes a following value token.
var plexOnlyFlags = map[string]bool{
	"-loglevel_plex":   true,
	"-progressurl":     true,
	"-time_delta":      true,
	"-delete_removed":  true,
	"-skip_to_segment": true,
	"-manifest_name":   true,
}

// StripPlexDialect removes Plex-only flags (and their values) from argv so
// the result can be fed to a stock FFmpeg. Codec name and filter parameter
// substitutions from the same dialect are applied in place.
func StripPlexDialect(argv []string) []string {
	out := make([]string, 0, len(argv))
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if takesValue, ok := plexOnlyFlags[arg]; ok {
			if takesValue && i+1 < len(argv) {
				i++
			}
			continue
		}
		out = append(out, substitutePlexNames(arg))
	}
	return out
}

// substitutePlexNames maps Plex-specific identifiers onto their stock FFmpeg
// equivalents. Unknown tokens pass through verbatim.
func substitutePlexNames(arg string) string {
	if arg == "aac_lc" {
		return "aac"
	}
	if strings.Contains(arg, "ochl=") {
		return strings.ReplaceAll(arg, "ochl=", "out_chlayout=")
	}
	return arg
}
