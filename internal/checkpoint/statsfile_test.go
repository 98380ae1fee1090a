package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"carsoccer-ppo/internal/stats"
)

func TestStatsFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	skill := 1500.5
	want := Stats{
		CumulativeTimesteps:    123456,
		CumulativeModelUpdates: 42,
		Epoch:                  3,
		RewardRunningStats:     SnapshotFrom(stats.Snapshot{Count: 10, Mean: 0.5, M2: 2.0}),
		SkillRating:            &skill,
		RunID:                  "run-1",
	}

	require.NoError(t, writeStatsFile(dir, want))
	got, err := readStatsFile(dir)
	require.NoError(t, err)
	require.Equal(t, want.CumulativeTimesteps, got.CumulativeTimesteps)
	require.Equal(t, want.CumulativeModelUpdates, got.CumulativeModelUpdates)
	require.Equal(t, want.Epoch, got.Epoch)
	require.Equal(t, want.RewardRunningStats, got.RewardRunningStats)
	require.NotNil(t, got.SkillRating)
	require.InDelta(t, *want.SkillRating, *got.SkillRating, 1e-9)
	require.Equal(t, want.RunID, got.RunID)
}

func TestStatsFileOverwriteLeavesBackup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeStatsFile(dir, Stats{CumulativeTimesteps: 1}))
	require.NoError(t, writeStatsFile(dir, Stats{CumulativeTimesteps: 2}))

	got, err := readStatsFile(dir)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.CumulativeTimesteps)

	_, err = os.Stat(filepath.Join(dir, "stats.json~"))
	require.NoError(t, err, "expected a backup file left behind by the second write")
}

func TestSnapshotRoundTrip(t *testing.T) {
	original := stats.Snapshot{Count: 50, Mean: 1.25, M2: 8.0}
	restored := SnapshotFrom(original).ToRunningSnapshot()
	require.InDelta(t, original.Count, restored.Count, 1e-9)
	require.InDelta(t, original.Mean, restored.Mean, 1e-9)
	require.InDelta(t, original.M2, restored.M2, 1e-9)
}

func TestListCheckpointDirsSortsNumerically(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"200", "1000", "50", "not-a-number"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
	}
	dirs, err := listCheckpointDirs(root)
	require.NoError(t, err)
	require.Equal(t, []int64{50, 200, 1000}, dirs)
}

func TestListCheckpointDirsMissingRoot(t *testing.T) {
	dirs, err := listCheckpointDirs(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Empty(t, dirs)
}

func TestPruneKeepsMostRecent(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"100", "200", "300", "400"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
	}
	m := &Manager{saveRoot: root, checkpointsToKeep: 2}
	require.NoError(t, m.prune())

	dirs, err := listCheckpointDirs(root)
	require.NoError(t, err)
	require.Equal(t, []int64{300, 400}, dirs)
}

func TestPruneDisabledWhenNonPositive(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"100", "200"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
	}
	m := &Manager{saveRoot: root, checkpointsToKeep: 0}
	require.NoError(t, m.prune())

	dirs, err := listCheckpointDirs(root)
	require.NoError(t, err)
	require.Equal(t, []int64{100, 200}, dirs)
}
