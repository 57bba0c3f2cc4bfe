package selfheal

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeELF drops a minimal ELF-magic executable at path.
func writeELF(t *testing.T, path string, body string) {
	t.Helper()
	data := append([]byte{0x7f, 'E', 'L', 'F'}, []byte(body)...)
	require.NoError(t, os.WriteFile(path, data, 0o755))
}

func TestResolve_BackupPresent(t *testing.T) {
	dir := t.TempDir()
	backup := filepath.Join(dir, "Plex Transcoder.real")
	writeELF(t, backup, "v1")

	h := &Healer{BackupPath: backup, StateDir: t.TempDir(), Logger: slog.Default()}
	p, err := h.Resolve()
	require.NoError(t, err)
	assert.Equal(t, backup, p)
}

func TestResolve_RecoverFromSibling(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "gone")
	sibling := filepath.Join(dir, "Plex Transcoder.backup")
	writeELF(t, sibling, "v1")

	h := &Healer{BackupPath: missing, StateDir: t.TempDir(), Logger: slog.Default()}
	p, err := h.Resolve()
	require.NoError(t, err)
	assert.Equal(t, sibling, p)
}

func TestResolve_RejectsShellWrapper(t *testing.T) {
	dir := t.TempDir()
	wrapper := filepath.Join(dir, "Plex Transcoder.real")
	require.NoError(t, os.WriteFile(wrapper, []byte("#!/bin/sh\nexec real\n"), 0o755))

	h := &Healer{BackupPath: wrapper, StateDir: t.TempDir(), Logger: slog.Default()}
	_, err := h.Resolve()
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestResolve_NothingFound(t *testing.T) {
	dir := t.TempDir()
	h := &Healer{BackupPath: filepath.Join(dir, "gone"), StateDir: t.TempDir(), Logger: slog.Default()}
	_, err := h.Resolve()
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestCheckFingerprint(t *testing.T) {
	dir := t.TempDir()
	state := t.TempDir()
	bin := filepath.Join(dir, "transcoder")
	writeELF(t, bin, "v1")

	h := &Healer{BackupPath: bin, StateDir: state, Logger: slog.Default()}

	// First run: baseline recorded, no change reported.
	changed, err := h.CheckFingerprint(bin)
	require.NoError(t, err)
	assert.False(t, changed)

	// Same content: no change.
	changed, err = h.CheckFingerprint(bin)
	require.NoError(t, err)
	assert.False(t, changed)

	// Host upgrade: binary replaced.
	writeELF(t, bin, "v2")
	changed, err = h.CheckFingerprint(bin)
	require.NoError(t, err)
	assert.True(t, changed)

	// Upgrade is recorded in the version history.
	history, err := os.ReadFile(filepath.Join(state, ".plex_version_history"))
	require.NoError(t, err)
	assert.Contains(t, string(history), "md5=")
}

func TestIsExecutableBinary(t *testing.T) {
	dir := t.TempDir()

	elf := filepath.Join(dir, "elf")
	writeELF(t, elf, "x")
	assert.True(t, isExecutableBinary(elf))

	nonExec := filepath.Join(dir, "nonexec")
	require.NoError(t, os.WriteFile(nonExec, []byte{0x7f, 'E', 'L', 'F'}, 0o644))
	assert.False(t, isExecutableBinary(nonExec))

	assert.False(t, isExecutableBinary(filepath.Join(dir, "missing")))
	assert.False(t, isExecutableBinary(""))
	assert.False(t, isExecutableBinary(dir))
}
