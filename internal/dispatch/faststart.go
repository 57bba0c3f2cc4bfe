package dispatch

import (
	"log/slog"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nodnarbrox/plexbeam/internal/cliargs"
)

// fastStart runs the real local transcoder with the unmodified argv so the
// first media-server-visible segments land on disk within seconds. It is a
// safety net against the session timeout, terminated once the swarm wins.
type fastStart struct {
	cmd  *exec.Cmd
	once sync.Once
}

// startFastStart spawns the local transcoder, or returns nil when no real
// transcoder is available (the swarm then relies on the progressive chunk-0
// downloader alone). SIGPIPE is masked so the media server closing stderr
// cannot take the coordinator down mid-swarm.
func startFastStart(d *Deps, inv *cliargs.Invocation) *fastStart {
	signal.Ignore(syscall.SIGPIPE)

	if d.RealTranscoder == "" {
		d.Logger.Debug("no real transcoder for fast-start")
		return nil
	}

	cmd := exec.Command(d.RealTranscoder, inv.RawArgs...)
	cmd.Dir = inv.OutputDir
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		d.Logger.Warn("fast-start spawn failed", slog.String("error", err.Error()))
		return nil
	}
	d.Logger.Info("fast-start transcoder running", slog.Int("pid", cmd.Process.Pid))

	fs := &fastStart{cmd: cmd}
	go func() {
		// Reap so a finished fast-start never lingers as a zombie.
		if err := cmd.Wait(); err != nil {
			d.Logger.Debug("fast-start exited", slog.String("error", err.Error()))
		}
	}()
	return fs
}

// Stop kills the fast-start transcoder. Idempotent.
func (f *fastStart) Stop() {
	if f == nil || f.cmd == nil || f.cmd.Process == nil {
		return
	}
	f.once.Do(func() {
		_ = f.cmd.Process.Kill()
	})
}
