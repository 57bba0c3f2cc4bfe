// Package selfheal guards the interception point: it verifies that the real
// transcoder backup still exists, recovers it from sibling locations after a
// host upgrade, and fingerprints it so upgrades are visible in the event
// log. Jellyfin deployments intercept via a separate shim file and need none
// of this.
package selfheal

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoBackup is returned when no real transcoder binary can be found
// anywhere. Without it neither fallback nor fast-start work. The coordinator
// does not stop on it: it logs the failure, records a self_heal event and
// goes on with remote dispatch.
var ErrNoBackup = errors.New("real transcoder backup not found")

// Sibling name patterns tried when the configured backup is missing.
var siblingNames = []string{
	"Plex Transcoder.real",
	"Plex Transcoder.backup",
}

// Healer locates and fingerprints the real transcoder.
type Healer struct {
	// BackupPath is the expected location of the displaced binary.
	BackupPath string
	// StateDir holds the fingerprint and version-history files.
	StateDir string
	Logger   *slog.Logger
}

// Resolve returns the path of a usable real transcoder, searching sibling
// locations when the configured backup is gone (a host upgrade replaces the
// whole install directory).
func (h *Healer) Resolve() (string, error) {
	if isExecutableBinary(h.BackupPath) {
		return h.BackupPath, nil
	}

	h.Logger.Warn("transcoder backup missing, searching siblings",
		slog.String("expected", h.BackupPath),
	)

	dir := filepath.Dir(h.BackupPath)
	for _, name := range siblingNames {
		p := filepath.Join(dir, name)
		if isExecutableBinary(p) {
			h.Logger.Info("recovered transcoder backup", slog.String("path", p))
			return p, nil
		}
	}

	// Last resort: scan the parent directory for any native executable that
	// is not the coordinator itself.
	self, _ := os.Executable()
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			p := filepath.Join(dir, e.Name())
			if p == self || e.IsDir() {
				continue
			}
			if strings.Contains(strings.ToLower(e.Name()), "transcoder") && isExecutableBinary(p) {
				h.Logger.Info("recovered transcoder backup", slog.String("path", p))
				return p, nil
			}
		}
	}

	return "", fmt.Errorf("%w: looked in %s", ErrNoBackup, dir)
}

// CheckFingerprint compares the backup's md5 against the stored fingerprint
// and records a new one. It returns true when the binary changed since the
// last run, which indicates a host upgrade.
func (h *Healer) CheckFingerprint(path string) (changed bool, err error) {
	sum, err := fileMD5(path)
	if err != nil {
		return false, fmt.Errorf("fingerprinting %s: %w", path, err)
	}

	fpPath := filepath.Join(h.StateDir, ".binary_fingerprint")
	prev, readErr := os.ReadFile(fpPath)
	prevSum := strings.TrimSpace(string(prev))

	if writeErr := os.WriteFile(fpPath, []byte(sum+"\n"), 0o644); writeErr != nil {
		h.Logger.Debug("fingerprint write failed", slog.String("error", writeErr.Error()))
	}

	if readErr != nil || prevSum == "" {
		return false, nil // first run
	}
	if prevSum == sum {
		return false, nil
	}

	h.Logger.Info("host transcoder upgraded",
		slog.String("old_md5", prevSum),
		slog.String("new_md5", sum),
	)
	h.appendVersionHistory(sum)
	return true, nil
}

// appendVersionHistory records an upgrade observation.
func (h *Healer) appendVersionHistory(sum string) {
	p := filepath.Join(h.StateDir, ".plex_version_history")
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		h.Logger.Debug("version history open failed", slog.String("error", err.Error()))
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s md5=%s\n", time.Now().UTC().Format(time.RFC3339), sum)
}

// isExecutableBinary reports whether path is an executable ELF or Mach-O
// file. Shell wrappers do not count: restoring one as "the real transcoder"
// would re-intercept ourselves.
func isExecutableBinary(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
		return false
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}

	switch {
	case bytes.Equal(magic, []byte{0x7f, 'E', 'L', 'F'}):
		return true
	case bytes.Equal(magic, []byte{0xfe, 0xed, 0xfa, 0xce}),
		bytes.Equal(magic, []byte{0xfe, 0xed, 0xfa, 0xcf}),
		bytes.Equal(magic, []byte{0xcf, 0xfa, 0xed, 0xfe}),
		bytes.Equal(magic, []byte{0xce, 0xfa, 0xed, 0xfe}),
		bytes.Equal(magic, []byte{0xca, 0xfe, 0xba, 0xbe}):
		return true
	}
	return false
}

// fileMD5 returns the hex md5 of a file's contents.
func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
