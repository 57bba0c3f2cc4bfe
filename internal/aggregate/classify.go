// Package aggregate downloads worker-produced segments, renumbers them
// across chunks, and emits them to the output directory the media server is
// watching. It also owns the manifest posting state machine.
package aggregate

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	initRe  = regexp.MustCompile(`^init-stream(\d+)\.m4s$`)
	mediaRe = regexp.MustCompile(`^chunk-stream(\d+)-(\d+)\.m4s$`)
)

// MediaSegment is one worker-local media segment name, decomposed.
type MediaSegment struct {
	Name   string
	Stream int
	Number int
}

// Listing is a worker's /beam/segments output classified by role.
type Listing struct {
	Manifests []string
	Inits     []string
	Media     []MediaSegment
}

// Classify splits a segment listing into manifests, init segments, and media
// segments. Media segments come back sorted by (number, stream) so audio
// interleaves with video; sorting by filename would list all of stream 0
// before any of stream 1.
func Classify(files []string) Listing {
	var l Listing
	for _, f := range files {
		switch {
		case strings.HasSuffix(f, ".mpd") || strings.HasSuffix(f, ".m3u8"):
			l.Manifests = append(l.Manifests, f)
		case initRe.MatchString(f):
			l.Inits = append(l.Inits, f)
		default:
			if m := mediaRe.FindStringSubmatch(f); m != nil {
				stream, _ := strconv.Atoi(m[1])
				number, _ := strconv.Atoi(m[2])
				l.Media = append(l.Media, MediaSegment{Name: f, Stream: stream, Number: number})
			}
		}
	}

	sort.Slice(l.Media, func(i, j int) bool {
		if l.Media[i].Number != l.Media[j].Number {
			return l.Media[i].Number < l.Media[j].Number
		}
		return l.Media[i].Stream < l.Media[j].Stream
	})
	sort.Strings(l.Inits)
	return l
}

// InitStream returns the stream id encoded in an init segment name, or -1.
func InitStream(name string) int {
	m := initRe.FindStringSubmatch(name)
	if m == nil {
		return -1
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// EmittedName renders the output-directory name for a media segment after
// applying the per-stream cumulative offset and the skip base.
func EmittedName(seg MediaSegment, streamOffset, skipBase int) string {
	n := seg.Number + streamOffset + skipBase
	return "chunk-stream" + strconv.Itoa(seg.Stream) + "-" + pad5(n) + ".m4s"
}

func pad5(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 5 {
		s = "0" + s
	}
	return s
}
