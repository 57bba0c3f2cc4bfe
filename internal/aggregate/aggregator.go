package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nodnarbrox/plexbeam/internal/worker"
)

// ErrProtocol marks worker output that violates the segment contract:
// missing segments, a manifest without an init, impossible numbering. The
// affected chunk goes back to pending.
var ErrProtocol = errors.New("segment protocol violation")

// DoneSentinel marks a chunk staging directory as fully downloaded. The file
// is created by atomic rename so the main loop never observes a half-written
// marker.
const DoneSentinel = ".download_done"

// StreamCounts maps stream id to the number of media segments a chunk
// produced for that stream.
type StreamCounts map[int]int

// Vid returns the video (stream 0) count.
func (c StreamCounts) Vid() int { return c[0] }

// Aud returns the audio (stream 1) count.
func (c StreamCounts) Aud() int { return c[1] }

// Aggregator emits worker segments into the output directory with cross-chunk
// renumbering. All writes to the output directory go through here.
type Aggregator struct {
	OutputDir string
	SkipBase  int
	Batch     int
	Logger    *slog.Logger
	Manifest  *ManifestPoster

	mu      sync.Mutex
	offsets map[int]int
	fetched map[string]map[string]bool
	inits   map[int]bool
	emitted int
}

// New creates an aggregator for the given output directory.
func New(outputDir string, skipBase int, poster *ManifestPoster, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		OutputDir: outputDir,
		SkipBase:  skipBase,
		Batch:     8,
		Logger:    logger,
		Manifest:  poster,
		offsets:   make(map[int]int),
		fetched:   make(map[string]map[string]bool),
		inits:     make(map[int]bool),
	}
}

// EmittedCount returns how many files have been placed in the output
// directory so far. A non-zero count after a failure means the media server
// already saw usable output, which the exit policy reports as success.
func (a *Aggregator) EmittedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emitted
}

func (a *Aggregator) countEmitted(n int) {
	a.mu.Lock()
	a.emitted += n
	a.mu.Unlock()
}

// Offsets returns a copy of the per-stream cumulative offsets.
func (a *Aggregator) Offsets() map[int]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]int, len(a.offsets))
	for k, v := range a.offsets {
		out[k] = v
	}
	return out
}

// CommitCounts advances the cumulative offsets after a chunk's segments have
// been emitted. Must be called in chunk-index order.
func (a *Aggregator) CommitCounts(counts StreamCounts) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for stream, n := range counts {
		a.offsets[stream] += n
	}
}

// markFetched records that a worker-local file was already handled for a job
// and reports whether it was new.
func (a *Aggregator) markFetched(jobID, name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.fetched[jobID]
	if m == nil {
		m = make(map[string]bool)
		a.fetched[jobID] = m
	}
	if m[name] {
		return false
	}
	m[name] = true
	return true
}

func (a *Aggregator) unmarkFetched(jobID, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m := a.fetched[jobID]; m != nil {
		delete(m, name)
	}
}

// claimInit records emission of an init segment for a stream and reports
// whether this caller won. Exactly one init-stream<S>.m4s is emitted per
// stream for the lifetime of a session.
func (a *Aggregator) claimInit(stream int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inits[stream] {
		return false
	}
	a.inits[stream] = true
	return true
}

func (a *Aggregator) releaseInit(stream int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inits, stream)
}

// download fetches one worker file to destPath via a temp file + rename so
// the media server never reads a partial segment.
func (a *Aggregator) download(ctx context.Context, wc *worker.Client, jobID, name, destPath string) error {
	tmp := destPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := wc.Segment(ctx, jobID, name, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// SweepDirect incrementally downloads a job's output straight into the output
// directory, applying only the skip base (single-worker dispatch and the
// progressive chunk-0 path, where cumulative offsets are zero). Init segments
// and the manifest are fetched synchronously; media segments are fetched in
// bounded batches, in the background once the manifest has been posted.
func (a *Aggregator) SweepDirect(ctx context.Context, wc *worker.Client, jobID string) (StreamCounts, error) {
	files, err := wc.Segments(ctx, jobID)
	if err != nil {
		return nil, err
	}
	listing := Classify(files)

	for _, name := range listing.Inits {
		if !a.markFetched(jobID, name) {
			continue
		}
		stream := InitStream(name)
		if stream < 0 || !a.claimInit(stream) {
			continue
		}
		if err := a.download(ctx, wc, jobID, name, filepath.Join(a.OutputDir, name)); err != nil {
			a.releaseInit(stream)
			a.unmarkFetched(jobID, name)
			return nil, err
		}
		a.countEmitted(1)
		a.Logger.Debug("init segment emitted", slog.String("name", name))
	}

	for _, name := range listing.Manifests {
		// The manifest is re-downloaded on every sweep: workers update it in
		// place while encoding. The poster decides whether it changed.
		dest := filepath.Join(a.OutputDir, name)
		if err := a.download(ctx, wc, jobID, name, dest); err != nil {
			a.Logger.Warn("manifest download failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if a.Manifest != nil {
			if err := a.Manifest.MaybePost(ctx, name); err != nil {
				a.Logger.Warn("manifest post failed", slog.String("error", err.Error()))
			}
		}
	}

	counts := make(StreamCounts)
	var batch []MediaSegment
	for _, seg := range listing.Media {
		counts[seg.Stream]++
		if a.markFetched(jobID, seg.Name) {
			batch = append(batch, seg)
		}
	}

	if len(batch) > 0 {
		background := a.Manifest != nil && a.Manifest.Posted()
		fetch := func() {
			a.fetchBatch(ctx, wc, jobID, batch, a.SkipBase)
		}
		if background {
			go fetch()
		} else {
			fetch()
		}
	}

	return counts, nil
}

// fetchBatch downloads media segments with bounded concurrency, renaming each
// by the given numbering base (no cumulative offset: callers on this path are
// chunk 0 or single-worker).
func (a *Aggregator) fetchBatch(ctx context.Context, wc *worker.Client, jobID string, segs []MediaSegment, base int) {
	limit := a.Batch
	if limit <= 0 {
		limit = 8
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, seg := range segs {
		wg.Add(1)
		sem <- struct{}{}
		go func(seg MediaSegment) {
			defer wg.Done()
			defer func() { <-sem }()

			dest := filepath.Join(a.OutputDir, EmittedName(seg, 0, base))
			if _, err := os.Stat(dest); err == nil {
				return
			}
			if err := a.download(ctx, wc, jobID, seg.Name, dest); err != nil {
				a.unmarkFetched(jobID, seg.Name)
				a.Logger.Warn("segment download failed",
					slog.String("name", seg.Name),
					slog.String("error", err.Error()),
				)
				return
			}
			a.countEmitted(1)
		}(seg)
	}
	wg.Wait()
}

// DownloadChunk fetches a completed chunk's entire output into stagingDir
// using the worker-local names, then drops the done sentinel. It returns the
// per-stream media counts. Runs as a background task; EmitChunk later moves
// the files into the output directory in chunk order.
func (a *Aggregator) DownloadChunk(ctx context.Context, wc *worker.Client, jobID, stagingDir string) (StreamCounts, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	files, err := wc.Segments(ctx, jobID)
	if err != nil {
		return nil, err
	}
	listing := Classify(files)
	if len(listing.Media) == 0 {
		return nil, fmt.Errorf("%w: job %s listed no media segments", ErrProtocol, jobID)
	}
	if len(listing.Inits) == 0 && len(listing.Manifests) > 0 {
		return nil, fmt.Errorf("%w: job %s has a manifest but no init segment", ErrProtocol, jobID)
	}

	counts := make(StreamCounts)
	for _, seg := range listing.Media {
		counts[seg.Stream]++
	}

	syncFiles := append([]string{}, listing.Inits...)
	syncFiles = append(syncFiles, listing.Manifests...)
	for _, name := range syncFiles {
		if err := a.download(ctx, wc, jobID, name, filepath.Join(stagingDir, name)); err != nil {
			return nil, err
		}
	}

	limit := a.Batch
	if limit <= 0 {
		limit = 8
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	errCh := make(chan error, len(listing.Media))

	for _, seg := range listing.Media {
		wg.Add(1)
		sem <- struct{}{}
		go func(seg MediaSegment) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := a.download(ctx, wc, jobID, seg.Name, filepath.Join(stagingDir, seg.Name)); err != nil {
				errCh <- err
			}
		}(seg)
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}

	// Atomic done marker: write aside, rename into place.
	marker := filepath.Join(stagingDir, DoneSentinel)
	tmp := marker + ".part"
	if err := os.WriteFile(tmp, []byte("done\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing done marker: %w", err)
	}
	if err := os.Rename(tmp, marker); err != nil {
		return nil, fmt.Errorf("renaming done marker: %w", err)
	}

	return counts, nil
}

// ChunkDownloaded reports whether a staging dir carries the done sentinel.
func ChunkDownloaded(stagingDir string) bool {
	_, err := os.Stat(filepath.Join(stagingDir, DoneSentinel))
	return err == nil
}

// EmitChunk moves a fully-downloaded chunk from its staging dir into the
// output directory. Init segments and the manifest are taken only from the
// first-emitting chunk; media segments are renumbered by the current
// cumulative offsets plus the skip base. On success the chunk's counts are
// committed so the next chunk's numbering follows on.
func (a *Aggregator) EmitChunk(ctx context.Context, stagingDir string, isFirst bool, manifestName string) (StreamCounts, error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return nil, fmt.Errorf("reading staging dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name() != DoneSentinel {
			names = append(names, e.Name())
		}
	}
	listing := Classify(names)
	offsets := a.Offsets()

	if isFirst {
		for _, name := range listing.Inits {
			stream := InitStream(name)
			if stream < 0 || !a.claimInit(stream) {
				continue
			}
			if err := os.Rename(filepath.Join(stagingDir, name), filepath.Join(a.OutputDir, name)); err != nil {
				a.releaseInit(stream)
				return nil, fmt.Errorf("emitting init %s: %w", name, err)
			}
			a.countEmitted(1)
		}
	}

	counts := make(StreamCounts)
	for _, seg := range listing.Media {
		counts[seg.Stream]++
		dest := filepath.Join(a.OutputDir, EmittedName(seg, offsets[seg.Stream], a.SkipBase))
		if _, err := os.Stat(dest); err == nil {
			continue // progressive chunk-0 path got there first
		}
		if err := os.Rename(filepath.Join(stagingDir, seg.Name), dest); err != nil {
			return nil, fmt.Errorf("emitting segment %s: %w", seg.Name, err)
		}
		a.countEmitted(1)
	}

	if isFirst {
		for _, name := range listing.Manifests {
			dest := filepath.Join(a.OutputDir, name)
			if _, err := os.Stat(dest); err != nil {
				if err := os.Rename(filepath.Join(stagingDir, name), dest); err != nil {
					return nil, fmt.Errorf("emitting manifest %s: %w", name, err)
				}
			}
		}
		if a.Manifest != nil {
			if err := a.Manifest.MaybePost(ctx, manifestName); err != nil {
				a.Logger.Warn("manifest post failed", slog.String("error", err.Error()))
			}
		}
	}

	a.CommitCounts(counts)
	return counts, nil
}
