// Package bootid de-duplicates per-boot events using the kernel boot id.
package bootid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	// KernelPath is where Linux exposes the random id of the current boot
	KernelPath = "/proc/sys/kernel/random/boot_id"

	// StateFile is the name of the file holding the last tracked boot id
	StateFile = "last_tracked_boot_id"
)

// Read returns the boot id stored at path in its canonical 36-character form
func Read(fs afero.Fs, path string) (string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", fmt.Errorf("failed to read boot id: %w", err)
	}
	return Normalize(string(data))
}

// Normalize validates a boot id
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) != 36 {
		return "", fmt.Errorf("invalid boot id %q: want 36 characters, got %d", s, len(s))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid boot id %q: %w", s, err)
	}
	return id.String(), nil
}

// Tracker remembers the last boot id an event was reported for
type Tracker struct {
	fs     afero.Fs
	path   string
	logger *zap.Logger
}

// NewTracker creates a tracker persisting to path
func NewTracker(fs afero.Fs, path string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{fs: fs, path: path, logger: logger.Named("bootid")}
}

// LastTracked returns the persisted boot id, or "" when none is usable
func (t *Tracker) LastTracked() string {
	data, err := afero.ReadFile(t.fs, t.path)
	if err != nil {
		return ""
	}
	id, err := Normalize(string(data))
	if err != nil {
		t.logger.Warn("Ignoring corrupt boot id state",
			zap.String("path", t.path),
			zap.Error(err))
		return ""
	}
	return id
}

// Track reports whether current has not been tracked yet and, if so, records
// it. A failure to persist is returned together with isNew=true: the caller
// still reports the event, at the risk of reporting it again next start.
func (t *Tracker) Track(current string) (isNew bool, err error) {
	id, err := Normalize(current)
	if err != nil {
		return false, err
	}

	if t.LastTracked() == id {
		t.logger.Debug("Boot already tracked", zap.String("boot_id", id))
		return false, nil
	}

	if err := afero.WriteFile(t.fs, t.path, []byte(id), 0o644); err != nil {
		return true, fmt.Errorf("failed to persist boot id: %w", err)
	}
	return true, nil
}
