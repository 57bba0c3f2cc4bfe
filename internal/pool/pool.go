// Package pool parses the worker pool spec, health-probes each entry, and
// ranks the live workers by encoder class.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/nodnarbrox/plexbeam/internal/worker"
	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

// Tag describes how a worker reaches the input media.
type Tag string

const (
	// TagRemote workers choose stream-or-S3-pull by the worker URL scheme:
	// https workers pull through the proxy, others get a beam stream.
	TagRemote Tag = "remote"
	// TagBeam workers always receive a copy-remuxed byte stream.
	TagBeam Tag = "beam"
	// TagLocal workers read the input disk directly.
	TagLocal Tag = "local"
)

// EncoderClass ranks worker hardware. Chunk 0 carries the init segments and
// the base manifest, so the fastest class gets it.
type EncoderClass int

const (
	EncoderNVENC EncoderClass = iota
	EncoderQSV
	EncoderVAAPI
	EncoderUnknown
)

// String returns the encoder class name as reported by /health.
func (e EncoderClass) String() string {
	switch e {
	case EncoderNVENC:
		return "nvenc"
	case EncoderQSV:
		return "qsv"
	case EncoderVAAPI:
		return "vaapi"
	default:
		return "unknown"
	}
}

// classFromHealth maps the /health hw_accel field to an EncoderClass.
func classFromHealth(hw string) EncoderClass {
	switch strings.ToLower(hw) {
	case "nvenc", "cuda", "nvdec":
		return EncoderNVENC
	case "qsv":
		return EncoderQSV
	case "vaapi":
		return EncoderVAAPI
	default:
		return EncoderUnknown
	}
}

// Worker is one pool entry after probing.
type Worker struct {
	URL          string
	Tag          Tag
	EncoderClass EncoderClass
	Alive        bool
	Client       *worker.Client
}

// Entry is one parsed pool spec element before probing.
type Entry struct {
	URL string
	Tag Tag
}

// ErrEmptySpec is returned for a blank pool spec.
var ErrEmptySpec = errors.New("empty worker pool spec")

// ParseSpec parses "url1[@tag],url2[@tag],...". Untagged entries default to
// remote. Unknown tags are a config error: a typo here would silently change
// the upload path.
func ParseSpec(spec string) ([]Entry, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, ErrEmptySpec
	}

	var entries []Entry
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		raw := part
		tag := TagRemote
		if at := strings.LastIndex(part, "@"); at > strings.Index(part, "://") {
			switch Tag(part[at+1:]) {
			case TagLocal:
				tag = TagLocal
			case TagBeam:
				tag = TagBeam
			case TagRemote:
				tag = TagRemote
			default:
				return nil, fmt.Errorf("unknown worker tag %q in %q", part[at+1:], part)
			}
			raw = part[:at]
		}

		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid worker url %q", raw)
		}
		entries = append(entries, Entry{URL: strings.TrimRight(raw, "/"), Tag: tag})
	}

	if len(entries) == 0 {
		return nil, ErrEmptySpec
	}
	return entries, nil
}

// Probe health-checks every entry concurrently and returns the live workers
// ranked by encoder class (nvenc > qsv > vaapi > other). Order within a class
// follows the spec order, so operators can still bias placement.
func Probe(ctx context.Context, entries []Entry, clients *httpclient.Set, logger *slog.Logger) []*Worker {
	workers := make([]*Worker, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e Entry) {
			defer wg.Done()
			w := &Worker{
				URL:          e.URL,
				Tag:          e.Tag,
				EncoderClass: EncoderUnknown,
				Client:       worker.NewClient(e.URL, clients),
			}
			workers[i] = w

			h, err := w.Client.Health(ctx)
			if err != nil {
				logger.Warn("worker failed health probe",
					slog.String("worker", e.URL),
					slog.String("error", err.Error()),
				)
				return
			}
			w.Alive = true
			w.EncoderClass = classFromHealth(h.HWAccel)
			logger.Info("worker alive",
				slog.String("worker", e.URL),
				slog.String("tag", string(e.Tag)),
				slog.String("encoder", w.EncoderClass.String()),
			)
		}(i, e)
	}
	wg.Wait()

	live := make([]*Worker, 0, len(workers))
	for _, w := range workers {
		if w != nil && w.Alive {
			live = append(live, w)
		}
	}

	sort.SliceStable(live, func(i, j int) bool {
		return live[i].EncoderClass < live[j].EncoderClass
	})
	return live
}
