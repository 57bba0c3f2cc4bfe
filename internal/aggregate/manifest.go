package aggregate

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

// ManifestState tracks the first-POST gate.
type ManifestState int

const (
	// ManifestNone: no manifest has been seen on disk yet.
	ManifestNone ManifestState = iota
	// ManifestReadyNotPosted: manifest + init + media exist, POST pending.
	ManifestReadyNotPosted
	// ManifestPosted: at least one POST succeeded; re-POST only on md5 change.
	ManifestPosted
)

func (s ManifestState) String() string {
	switch s {
	case ManifestNone:
		return "no_manifest"
	case ManifestReadyNotPosted:
		return "manifest_ready_not_posted"
	case ManifestPosted:
		return "manifest_posted"
	default:
		return "unknown"
	}
}

// ManifestPoster POSTs the streaming manifest to the media server callback.
// The first POST is gated on both an init segment and at least one media
// segment existing in the output directory; later POSTs happen only when the
// on-disk md5 differs from the last POSTed one.
type ManifestPoster struct {
	CallbackURL string
	OutputDir   string
	SkipTo      int // skip_to_segment; <=1 means no rewrite
	Client      *httpclient.Client
	Logger      *slog.Logger

	mu         sync.Mutex
	state      ManifestState
	lastMD5    [md5.Size]byte
	hasPosted  bool
	notifyOnce func()
}

// State returns the current gate state.
func (p *ManifestPoster) State() ManifestState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Posted reports whether at least one POST has succeeded.
func (p *ManifestPoster) Posted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasPosted
}

// OnFirstPost registers a callback fired once, after the first successful
// POST. Used by dispatchers to flip download batches into the background.
func (p *ManifestPoster) OnFirstPost(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifyOnce = fn
}

// MaybePost inspects the output directory and POSTs the named manifest when
// the gate allows it. Safe to call on every tick; it is cheap when nothing
// changed.
func (p *ManifestPoster) MaybePost(ctx context.Context, manifestName string) error {
	if p.CallbackURL == "" {
		return nil
	}

	path := filepath.Join(p.OutputDir, manifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading manifest: %w", err)
	}

	data = p.Rewrite(data, manifestName)
	sum := md5.Sum(data)

	p.mu.Lock()
	switch p.state {
	case ManifestNone, ManifestReadyNotPosted:
		if !p.gateOpenLocked() {
			p.mu.Unlock()
			return nil
		}
		p.state = ManifestReadyNotPosted
	case ManifestPosted:
		if sum == p.lastMD5 {
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	if err := p.post(ctx, data, manifestName); err != nil {
		return err
	}

	p.mu.Lock()
	first := !p.hasPosted
	p.state = ManifestPosted
	p.hasPosted = true
	p.lastMD5 = sum
	notify := p.notifyOnce
	p.notifyOnce = nil
	p.mu.Unlock()

	if first {
		p.Logger.Info("manifest posted", slog.String("manifest", manifestName))
		if notify != nil {
			notify()
		}
	}
	return nil
}

// gateOpenLocked checks the init + media precondition. Caller holds mu.
func (p *ManifestPoster) gateOpenLocked() bool {
	entries, err := os.ReadDir(p.OutputDir)
	if err != nil {
		return false
	}
	var hasInit, hasMedia bool
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "init-stream") {
			hasInit = true
		}
		if mediaRe.MatchString(name) {
			hasMedia = true
		}
	}
	return hasInit && hasMedia
}

func (p *ManifestPoster) post(ctx context.Context, data []byte, manifestName string) error {
	contentType := "application/dash+xml"
	if strings.HasSuffix(manifestName, ".m3u8") {
		contentType = "application/vnd.apple.mpegurl"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.CallbackURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating manifest post: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("posting manifest: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("posting manifest: status %d", resp.StatusCode)
	}
	return nil
}

// Rewrite applies the skip_to_segment numbering offset to a manifest. DASH
// manifests get startNumber="1" replaced; applying it twice is a no-op
// because the rewritten value no longer matches. HLS media playlists get the
// corresponding media-sequence bump.
func (p *ManifestPoster) Rewrite(data []byte, manifestName string) []byte {
	if p.SkipTo <= 1 {
		return data
	}
	if strings.HasSuffix(manifestName, ".m3u8") {
		return p.rewriteHLS(data)
	}
	return bytes.ReplaceAll(data,
		[]byte(`startNumber="1"`),
		[]byte(`startNumber="`+strconv.Itoa(p.SkipTo)+`"`),
	)
}

// rewriteHLS bumps #EXT-X-MEDIA-SEQUENCE by the skip base so segment
// numbering matches the renamed files. On any parse failure the playlist is
// passed through untouched.
func (p *ManifestPoster) rewriteHLS(data []byte) []byte {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return data
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return data
	}
	if media.MediaSequence >= p.SkipTo {
		return data // already rewritten
	}
	media.MediaSequence += p.SkipTo - 1
	out, err := media.Marshal()
	if err != nil {
		return data
	}
	return out
}
