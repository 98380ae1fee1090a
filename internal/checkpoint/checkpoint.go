// Package checkpoint persists policy/value network weights, optimizer state and running
// statistics to disk, and restores them on load. Each checkpoint is a directory holding a
// policy/ and value/ gomlx checkpoint plus a JSON stats side-car.
package checkpoint

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"carsoccer-ppo/internal/model"
	"carsoccer-ppo/internal/stats"
)

// Stats is the JSON side-car persisted alongside every checkpoint's model binaries.
type Stats struct {
	CumulativeTimesteps    int64         `json:"cumulative_timesteps"`
	CumulativeModelUpdates int           `json:"cumulative_model_updates"`
	Epoch                  int           `json:"epoch"`
	RewardRunningStats     StatsSnapshot `json:"reward_running_stats"`
	SkillRating            *float64      `json:"skill_rating,omitempty"`
	RunID                  string        `json:"run_id,omitempty"`
}

// StatsSnapshot is the on-disk running-stats shape: {mean, var, shape, count}. This engine
// standardizes a single scalar return stream, so mean/var are length-1 slices; the shape field is
// kept for forward compatibility with a per-dimension normalizer.
type StatsSnapshot struct {
	Mean  []float64 `json:"mean"`
	Var   []float64 `json:"var"`
	Shape []int     `json:"shape"`
	Count float64   `json:"count"`
}

// SnapshotFrom converts a running-statistics snapshot into its checkpoint representation.
func SnapshotFrom(s stats.Snapshot) StatsSnapshot {
	variance := 0.0
	if s.Count > 0 {
		variance = s.M2 / s.Count
	}
	return StatsSnapshot{Mean: []float64{s.Mean}, Var: []float64{variance}, Shape: []int{1}, Count: s.Count}
}

// ToRunningSnapshot converts a checkpoint's stats snapshot back into stats.Snapshot for
// stats.RunningMeanStd.Restore.
func (s StatsSnapshot) ToRunningSnapshot() stats.Snapshot {
	var mean, variance float64
	if len(s.Mean) > 0 {
		mean = s.Mean[0]
	}
	if len(s.Var) > 0 {
		variance = s.Var[0]
	}
	return stats.Snapshot{Count: s.Count, Mean: mean, M2: variance * s.Count}
}

// Manager saves and loads checkpoint directories rooted at saveRoot, using a
// `<saveRoot>/<cumulativeTimesteps>/` layout: one subdirectory per checkpoint, holding a
// `policy/` and `value/` gomlx checkpoint each (weights and optimizer state bundled together,
// since gomlx's checkpoints.Handler manages both as one unit) plus a `stats.json` side-car.
type Manager struct {
	saveRoot          string
	checkpointsToKeep int
	policy            *model.Policy
	value             *model.Value
}

// New creates a checkpoint manager. checkpointsToKeep <= 0 disables retention pruning.
func New(saveRoot string, checkpointsToKeep int, policy *model.Policy, value *model.Value) *Manager {
	return &Manager{saveRoot: saveRoot, checkpointsToKeep: checkpointsToKeep, policy: policy, value: value}
}

// Save writes a full checkpoint at <saveRoot>/<stats.CumulativeTimesteps>/, then prunes the
// oldest checkpoint directory if more than checkpointsToKeep remain.
func (m *Manager) Save(s Stats) error {
	dir := filepath.Join(m.saveRoot, strconv.FormatInt(s.CumulativeTimesteps, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "checkpoint: failed to create directory %q", dir)
	}

	if err := buildHandler(m.policy.Context(), filepath.Join(dir, "policy"), m.checkpointsToKeep); err != nil {
		return errors.Wrap(err, "checkpoint: saving policy")
	}
	if err := buildHandler(m.value.Context(), filepath.Join(dir, "value"), m.checkpointsToKeep); err != nil {
		return errors.Wrap(err, "checkpoint: saving value")
	}
	if err := writeStatsFile(dir, s); err != nil {
		return errors.Wrap(err, "checkpoint: saving stats.json")
	}

	klog.Infof("checkpoint: saved %q", dir)
	return m.prune()
}

// Load restores the numerically-highest-named checkpoint directory under saveRoot into the
// manager's policy and value networks, returning the recovered stats. If saveRoot has no
// checkpoint directories, it returns os.ErrNotExist.
func (m *Manager) Load() (Stats, error) {
	dirs, err := listCheckpointDirs(m.saveRoot)
	if err != nil {
		return Stats{}, err
	}
	if len(dirs) == 0 {
		return Stats{}, errors.Wrapf(os.ErrNotExist, "checkpoint: no checkpoints under %q", m.saveRoot)
	}
	latest := dirs[len(dirs)-1]
	dir := filepath.Join(m.saveRoot, strconv.FormatInt(latest, 10))

	if err := loadNetwork(m.policy.Context(), filepath.Join(dir, "policy"), "policy"); err != nil {
		return Stats{}, errors.Wrap(err, "checkpoint: loading policy")
	}
	if err := loadNetwork(m.value.Context(), filepath.Join(dir, "value"), "value"); err != nil {
		return Stats{}, errors.Wrap(err, "checkpoint: loading value")
	}

	s, err := readStatsFile(dir)
	if err != nil {
		return Stats{}, errors.Wrap(err, "checkpoint: reading stats.json")
	}

	if err := verifyShapes(m.policy, m.value, s); err != nil {
		return Stats{}, err
	}

	klog.Infof("checkpoint: loaded %q", dir)
	return s, nil
}

// buildHandler creates (or overwrites) a checkpoint directory holding ctx's current variable
// values. Build(ctx).Dir(path).Immediate().Keep(n).Done() both wires ctx to the directory and,
// since the directory starts out empty, performs the initial save of ctx's current state.
func buildHandler(ctx *context.Context, dir string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	_, err := checkpoints.Build(ctx).Dir(dir).Immediate().Keep(keep).Done()
	return err
}

// loadNetwork restores ctx's variables from an existing checkpoint directory. A missing or empty
// directory is non-fatal: we warn and leave the network's freshly initialized (or
// previously-loaded) optimizer state in place rather than treating it as a hard error, since a
// checkpoint saved before the optimizer took its first step never wrote optimizer variables.
func loadNetwork(ctx *context.Context, dir, label string) error {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		klog.Warningf("checkpoint: no %s state found at %q, keeping current optimizer state", label, dir)
		return nil
	}
	_, err = checkpoints.Build(ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return err
	}
	return nil
}

// verifyShapes checks that the loaded policy and value networks agree on observation size, the
// only shape mismatch this manager can detect after a load.
func verifyShapes(policy *model.Policy, value *model.Value, s Stats) error {
	// The observation size is implied by policy/value agreement rather than stored separately:
	// both networks were built against the same environment, so a mismatch between them is the
	// only shape error this manager can detect without threading extra metadata through Stats.
	if policy.ObsSize() != value.ObsSize() {
		return errors.Errorf(
			"checkpoint: shape mismatch after load: policy obsSize=%d, value obsSize=%d",
			policy.ObsSize(), value.ObsSize())
	}
	return nil
}

// listCheckpointDirs returns the numeric names of every checkpoint subdirectory under root, in
// ascending order.
func listCheckpointDirs(root string) ([]int64, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// prune deletes the smallest-named checkpoint directories until at most checkpointsToKeep
// remain. A non-positive checkpointsToKeep disables pruning.
func (m *Manager) prune() error {
	if m.checkpointsToKeep <= 0 {
		return nil
	}
	dirs, err := listCheckpointDirs(m.saveRoot)
	if err != nil {
		return err
	}
	for len(dirs) > m.checkpointsToKeep {
		victim := filepath.Join(m.saveRoot, strconv.FormatInt(dirs[0], 10))
		if err := os.RemoveAll(victim); err != nil {
			return errors.Wrapf(err, "checkpoint: failed to prune %q", victim)
		}
		klog.V(1).Infof("checkpoint: pruned %q", victim)
		dirs = dirs[1:]
	}
	return nil
}
