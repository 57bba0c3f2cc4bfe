// Package session manages per-invocation identity and the on-disk capture
// layout: one directory per coordinator run plus a handful of append-only
// logs global to the install.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Artifact filenames inside a session directory.
const (
	NarrativeLog     = "00_session.log"
	JobRequestFile   = "01_job_request.json"
	JobResponseFile  = "02_job_response.json"
	JobCompletedFile = "03_job_completed.json"
	JobFailedFile    = "03_job_failed.json"
	StderrLog        = "stderr.log"
	ChunkDownloadLog = "chunk_download.log"
)

// Global (install-wide) artifact filenames under the state dir.
const (
	EventsLog          = "cartridge_events.log"
	MasterLog          = "master.log"
	FingerprintFile    = ".binary_fingerprint"
	InstallMetaFile    = ".install_meta"
	VersionHistoryFile = ".plex_version_history"
)

// Session identifies one coordinator run and owns its capture directory.
type Session struct {
	ID       string
	Dir      string
	StateDir string
	start    time.Time
}

// New creates a session rooted at stateDir. The id is the UTC start time in
// compact form joined with the pid, which makes re-invocations with identical
// argv produce distinct job ids on the workers.
func New(stateDir string) (*Session, error) {
	now := time.Now().UTC()
	id := fmt.Sprintf("%s_%d", now.Format("20060102T150405"), os.Getpid())

	dir := filepath.Join(stateDir, "sessions", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	return &Session{ID: id, Dir: dir, StateDir: stateDir, start: now}, nil
}

// Start returns the session start time.
func (s *Session) Start() time.Time {
	return s.start
}

// Path returns the absolute path of a session artifact.
func (s *Session) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// JobID derives a worker job id from the session id.
// Kinds used by the dispatchers:
//
//	media chunk    <session>_c<chunk>
//	calibration    <session>_cal<i>
//	prefetch       <session>_pre<chunk>
//	endgame dup    <session>_dup<chunk>
//	big split      <session>_w<i>
//	single worker  <session>
func (s *Session) JobID(kind string, n int) string {
	if kind == "" {
		return s.ID
	}
	return fmt.Sprintf("%s_%s%d", s.ID, kind, n)
}

// CaptureJSON writes v as indented JSON to the named session artifact.
// Capture failures are non-fatal for the run; callers log and continue.
func (s *Session) CaptureJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}
	if err := os.WriteFile(s.Path(name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// AppendArtifact appends one timestamped line to a session artifact, used
// for the multi-worker chunk-download debug log.
func (s *Session) AppendArtifact(name, line string) error {
	stamped := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), line)
	return appendLine(s.Path(name), stamped)
}

// AppendMaster appends the one-line summary for this run to master.log.
// Format: <RFC3339 time> <session_id> exit=<code> <note>.
func (s *Session) AppendMaster(exitCode int, note string) error {
	line := fmt.Sprintf("%s %s exit=%d %s\n",
		time.Now().UTC().Format(time.RFC3339), s.ID, exitCode, note)
	return appendLine(filepath.Join(s.StateDir, MasterLog), line)
}

// appendLine opens path in append mode and writes one line. A single write
// under O_APPEND keeps concurrent sessions line-atomic.
func appendLine(path string, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}
