// Package coordinator wires the whole interception flow: parse the argv the
// media server handed us, try the multi-worker dispatcher, fall back to a
// single worker, and finally run the transcode locally on the host GPU.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodnarbrox/plexbeam/internal/aggregate"
	"github.com/nodnarbrox/plexbeam/internal/beam"
	"github.com/nodnarbrox/plexbeam/internal/cliargs"
	"github.com/nodnarbrox/plexbeam/internal/config"
	"github.com/nodnarbrox/plexbeam/internal/dispatch"
	"github.com/nodnarbrox/plexbeam/internal/ffmpeg"
	"github.com/nodnarbrox/plexbeam/internal/keepalive"
	"github.com/nodnarbrox/plexbeam/internal/localrun"
	"github.com/nodnarbrox/plexbeam/internal/observability"
	"github.com/nodnarbrox/plexbeam/internal/pool"
	"github.com/nodnarbrox/plexbeam/internal/pullproxy"
	"github.com/nodnarbrox/plexbeam/internal/selfheal"
	"github.com/nodnarbrox/plexbeam/internal/session"
	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

// Coordinator owns one interception run.
type Coordinator struct {
	cfg     *config.Config
	sess    *session.Session
	events  *session.EventLog
	logger  *slog.Logger
	clients *httpclient.Set

	binaries *ffmpeg.Binaries
	real     string // real transcoder path, may be empty
}

// Run executes one transcoder invocation end to end and returns the process
// exit code.
func Run(argv []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "plexbeam: %v\n", err)
		return 1
	}

	logger := observability.NewLogger(cfg.Logging)

	sess, err := session.New(cfg.StateDir)
	if err != nil {
		logger.Error("session setup failed", slog.String("error", err.Error()))
		return 1
	}

	// Mirror everything into the session narrative log.
	if f, ferr := os.Create(sess.Path(session.NarrativeLog)); ferr == nil {
		narrative := observability.NewLoggerWithWriter(config.LoggingConfig{
			Level: "debug", Format: "text", TimeFormat: cfg.Logging.TimeFormat,
		}, f)
		logger = observability.Tee(logger, narrative)
		defer f.Close()
	}
	logger = observability.WithSession(logger, sess.ID)
	observability.SetDefault(logger)

	c := &Coordinator{
		cfg:      cfg,
		sess:     sess,
		events:   session.NewEventLog(sess),
		logger:   logger,
		clients:  httpclient.NewSet(cfg.APIKey, logger),
		binaries: ffmpeg.NewBinaries("", ""),
	}

	code := c.run(argv)

	if err := sess.AppendMaster(code, ""); err != nil {
		logger.Debug("master log append failed", slog.String("error", err.Error()))
	}
	if err := c.events.Record(session.EventSessionExit, map[string]any{"exit": code}); err != nil {
		logger.Debug("event record failed", slog.String("error", err.Error()))
	}
	return code
}

func (c *Coordinator) run(argv []string) int {
	if err := c.events.Record(session.EventSessionStart, map[string]any{
		"argc": len(argv),
	}); err != nil {
		c.logger.Debug("event record failed", slog.String("error", err.Error()))
	}

	inv, err := cliargs.Parse(argv, cliargs.Cwd())
	if err != nil {
		fmt.Fprintf(os.Stderr, "plexbeam: %v\n", err)
		c.logger.Error("argument parse failed", slog.String("error", err.Error()))
		return 1
	}
	c.logger.Info("invocation parsed",
		slog.String("input", inv.InputPath),
		slog.String("output", inv.OutputTarget),
		slog.String("kind", string(inv.OutputKind)),
		slog.String("source", string(inv.Source)),
		slog.Float64("seek", inv.SeekSec),
		slog.Int("skip_to_segment", inv.SkipToSegment),
	)

	c.heal(inv)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(inv.OutputDir, 0o755); err != nil {
		c.logger.Error("output dir setup failed", slog.String("error", err.Error()))
		return 1
	}

	deps, reporterStop := c.buildDeps(ctx, inv)
	defer reporterStop()

	if emitted := c.tryRemote(ctx, deps, inv); emitted {
		return 0
	}

	// The real transcoder writes its own progress from here on.
	reporterStop()
	return c.runLocal(ctx, inv)
}

// heal validates the interception point on Plex deployments and resolves the
// real transcoder path.
func (c *Coordinator) heal(inv *cliargs.Invocation) {
	backup := c.cfg.TranscoderBackup
	if backup == "" {
		if exe, err := os.Executable(); err == nil {
			backup = exe + ".real"
		}
	}

	if inv.Source != cliargs.SourcePlex {
		// Jellyfin intercepts via a separate shim; just remember the backup
		// path if it is usable.
		h := &selfheal.Healer{BackupPath: backup, StateDir: c.sess.StateDir, Logger: c.logger}
		if p, err := h.Resolve(); err == nil {
			c.real = p
		}
		return
	}

	h := &selfheal.Healer{BackupPath: backup, StateDir: c.sess.StateDir, Logger: c.logger}
	p, err := h.Resolve()
	if err != nil {
		c.logger.Warn("self-heal could not locate the real transcoder",
			slog.String("error", err.Error()),
		)
		if recErr := c.events.Record(session.EventSelfHeal, map[string]any{
			"resolved": false, "error": err.Error(),
		}); recErr != nil {
			c.logger.Debug("event record failed", slog.String("error", recErr.Error()))
		}
		return
	}
	c.real = p

	changed, err := h.CheckFingerprint(p)
	if err != nil {
		c.logger.Debug("fingerprint check failed", slog.String("error", err.Error()))
	}
	if changed {
		if recErr := c.events.Record(session.EventHostUpgrade, map[string]any{
			"binary": p,
		}); recErr != nil {
			c.logger.Debug("event record failed", slog.String("error", recErr.Error()))
		}
	}
}

// buildDeps assembles the dispatcher dependency bundle and starts the
// keepalive reporter.
func (c *Coordinator) buildDeps(ctx context.Context, inv *cliargs.Invocation) (*dispatch.Deps, func()) {
	reporter := &keepalive.Reporter{
		Stderr:      os.Stderr,
		ProgressURL: inv.ProgressURL,
		Client:      c.clients.Submit,
		Logger:      c.logger,
	}
	rctx, rcancel := context.WithCancel(ctx)
	go reporter.Run(rctx)

	var proxy *pullproxy.Client
	if c.cfg.PullProxyURL != "" {
		proxy = pullproxy.NewClient(c.cfg.PullProxyURL, c.cfg.PullDir, c.clients)
	}

	duration := c.probeDuration(ctx, inv)

	d := &dispatch.Deps{
		Config:   c.cfg,
		Session:  c.sess,
		Events:   c.events,
		Logger:   c.logger,
		Binaries: c.binaries,
		Streamer: &beam.Streamer{
			Binaries:   c.binaries,
			UploadRate: c.cfg.UploadRate,
			Timeout:    c.cfg.Timeouts.Upload,
			Logger:     c.logger,
		},
		Proxy:          proxy,
		Reporter:       reporter,
		Duration:       duration,
		ManifestN:      manifestFor(inv),
		RealTranscoder: c.real,
	}
	return d, rcancel
}

func manifestFor(inv *cliargs.Invocation) string {
	if inv.OutputKind == cliargs.OutputHLS {
		return "master.m3u8"
	}
	return "manifest.mpd"
}

// probeDuration learns the media duration, first with local ffprobe, then by
// asking a @local pool worker. Zero means unknown; the multi path needs a
// real figure and skips itself without one.
func (c *Coordinator) probeDuration(ctx context.Context, inv *cliargs.Invocation) float64 {
	if d, err := c.binaries.Duration(ctx, inv.InputPath); err == nil && d > 0 {
		return d
	} else if err != nil {
		c.logger.Debug("local probe failed", slog.String("error", err.Error()))
	}

	if !c.cfg.HasPool() {
		return 0
	}
	entries, err := pool.ParseSpec(c.cfg.WorkerPool)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if e.Tag != pool.TagLocal {
			continue
		}
		w := pool.Probe(ctx, []pool.Entry{e}, c.clients, c.logger)
		if len(w) == 0 {
			continue
		}
		if d, err := w[0].Client.Probe(ctx, inv.InputPath); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

// tryRemote runs the remote strategies in order: multi-worker when the pool
// has capacity, then single-worker. It reports whether output was emitted:
// a completed run, or one that ended early after segments had already reached
// the output directory.
func (c *Coordinator) tryRemote(ctx context.Context, d *dispatch.Deps, inv *cliargs.Invocation) bool {
	poster := &aggregate.ManifestPoster{
		CallbackURL: inv.ManifestCallbackURL,
		OutputDir:   inv.OutputDir,
		SkipTo:      inv.SkipToSegment,
		Client:      c.clients.Submit,
		Logger:      c.logger,
	}
	agg := aggregate.New(inv.OutputDir, inv.SkipBase(), poster, c.logger)

	var live []*pool.Worker
	if c.cfg.HasPool() {
		entries, err := pool.ParseSpec(c.cfg.WorkerPool)
		if err != nil {
			c.logger.Error("worker pool spec invalid", slog.String("error", err.Error()))
		} else {
			live = pool.Probe(ctx, entries, c.clients, c.logger)
		}
	}

	if len(live) >= 2 && d.Duration > 0 {
		m := dispatch.NewMulti(d, agg, inv, c.cfg.MultiMode, live)
		err := m.Run(ctx)
		if err == nil {
			return true
		}
		if errors.Is(err, dispatch.ErrPartial) {
			// Segments already reached the output directory; re-running
			// another strategy would duplicate or corrupt their numbering.
			c.logger.Warn("multi-worker dispatch ended early with output emitted",
				slog.String("error", err.Error()),
			)
			return true
		}
		if !errors.Is(err, dispatch.ErrFallbackSingle) {
			c.logger.Warn("multi-worker dispatch failed", slog.String("error", err.Error()))
		}
	}

	single := &dispatch.Single{Deps: d, Agg: agg}
	for _, w := range c.singleCandidates(ctx, live) {
		err := single.Run(ctx, w, inv)
		if err == nil {
			return true
		}
		if errors.Is(err, dispatch.ErrPartial) {
			c.logger.Warn("single-worker dispatch ended early with output emitted",
				slog.String("worker", w.URL),
				slog.String("error", err.Error()),
			)
			return true
		}
		c.logger.Warn("single-worker dispatch failed",
			slog.String("worker", w.URL),
			slog.String("error", err.Error()),
		)
	}
	return false
}

// singleCandidates returns workers to try for single dispatch: the dedicated
// single-worker URL first, then the ranked live pool.
func (c *Coordinator) singleCandidates(ctx context.Context, live []*pool.Worker) []*pool.Worker {
	var out []*pool.Worker
	if c.cfg.HasSingleWorker() {
		entries, err := pool.ParseSpec(c.cfg.RemoteWorkerURL)
		if err == nil {
			out = append(out, pool.Probe(ctx, entries, c.clients, c.logger)...)
		}
	}
	out = append(out, live...)
	return out
}

// runLocal is the last resort: rewrite for the host GPU and run in place.
func (c *Coordinator) runLocal(ctx context.Context, inv *cliargs.Invocation) int {
	if c.real == "" {
		fmt.Fprintln(os.Stderr, "plexbeam: no remote capacity and no local transcoder")
		c.logger.Error("no fallback transcoder available")
		return 1
	}

	gpu := localrun.DetectGPU()
	argv := inv.RawArgs
	if localrun.NeedsRewrite(argv) {
		argv = localrun.Rewrite(argv, gpu)
	} else {
		argv = cliargs.StripPlexDialect(argv)
	}

	if err := c.events.Record(session.EventLocalFallback, map[string]any{
		"gpu": gpu.String(),
	}); err != nil {
		c.logger.Debug("event record failed", slog.String("error", err.Error()))
	}

	runner := &localrun.Runner{Transcoder: c.real, Logger: c.logger}
	code, err := runner.Run(ctx, argv)
	if err != nil {
		c.logger.Error("local fallback failed", slog.String("error", err.Error()))
	}
	return code
}
