package bootid

import (
	"errors"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	bootA = "2d4e8b9c-7f3a-4c1e-9b2d-0a1b2c3d4e5f"
	bootB = "9f8e7d6c-5b4a-4392-8170-fedcba987654"
)

func TestTrackReportsOncePerBoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	tracker := NewTracker(fs, "/data/last_tracked_boot_id", zaptest.NewLogger(t))

	isNew, err := tracker.Track(bootA)
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = tracker.Track(bootA)
	require.NoError(t, err)
	assert.False(t, isNew)

	isNew, err = tracker.Track(bootB)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, bootB, tracker.LastTracked())
}

func TestTrackSameBootLeavesFileUntouched(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/last_tracked_boot_id", []byte(bootA+"\n"), 0o600))
	before, err := fs.Stat("/data/last_tracked_boot_id")
	require.NoError(t, err)

	tracker := NewTracker(fs, "/data/last_tracked_boot_id", zaptest.NewLogger(t))
	isNew, err := tracker.Track(bootA)
	require.NoError(t, err)
	assert.False(t, isNew)

	data, err := afero.ReadFile(fs, "/data/last_tracked_boot_id")
	require.NoError(t, err)
	assert.Equal(t, bootA+"\n", string(data))
	after, err := fs.Stat("/data/last_tracked_boot_id")
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestTrackCorruptStateCountsAsUntracked(t *testing.T) {
	for _, content := range []string{"", "not-a-boot-id", bootA[:20], "\xff\xfe"} {
		t.Run(content, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/last", []byte(content), 0o644))

			tracker := NewTracker(fs, "/last", zaptest.NewLogger(t))
			isNew, err := tracker.Track(bootA)
			require.NoError(t, err)
			assert.True(t, isNew)
		})
	}
}

type readOnlyFs struct {
	afero.Fs
}

func (f readOnlyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, errors.New("read-only file system")
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func TestTrackPersistFailureStillReportsEvent(t *testing.T) {
	tracker := NewTracker(readOnlyFs{Fs: afero.NewMemMapFs()}, "/last", zaptest.NewLogger(t))

	isNew, err := tracker.Track(bootA)
	assert.Error(t, err)
	assert.True(t, isNew)
}

func TestReadBootID(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, KernelPath, []byte(bootA+"\n"), 0o444))

	id, err := Read(fs, KernelPath)
	require.NoError(t, err)
	assert.Equal(t, bootA, id)

	_, err = Read(fs, "/missing")
	assert.Error(t, err)

	_, err = trackOnce(t, "garbage")
	assert.Error(t, err)
}

func trackOnce(t *testing.T, id string) (bool, error) {
	t.Helper()
	return NewTracker(afero.NewMemMapFs(), "/last", zaptest.NewLogger(t)).Track(id)
}
