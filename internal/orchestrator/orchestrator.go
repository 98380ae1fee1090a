// Package orchestrator drives the training engine's iteration loop: collect trajectories, turn
// them into GAE-augmented experience, feed the learner, and handle checkpointing. It exclusively
// owns the learner, buffer, collector pool and checkpoint writer for the duration of a run.
package orchestrator

import (
	"context"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"carsoccer-ppo/internal/buffer"
	"carsoccer-ppo/internal/checkpoint"
	"carsoccer-ppo/internal/collector"
	"carsoccer-ppo/internal/gae"
	"carsoccer-ppo/internal/generics"
	"carsoccer-ppo/internal/model"
	"carsoccer-ppo/internal/ppo"
	"carsoccer-ppo/internal/simif"
	"carsoccer-ppo/internal/stats"
)

// SkillTracker is an optional external rating pass over the iteration's report. Left as an
// interface since the actual rating algorithm (e.g. a TrueSkill-style pairwise rating update) is
// not owned by this package.
type SkillTracker interface {
	Update(report ppo.Report) float64
}

// Config holds every numeric knob the iteration loop needs. It's a plain struct populated by the
// embedding application; no flag parsing happens in this package.
type Config struct {
	TimestepsPerIteration int64
	TimestepLimit         int64 // 0 means unbounded.

	// GAEChunkSize bounds how many rows are sent to the value network per inference call while
	// computing bootstrap values for AddNewExperience, keeping a single iteration's inference
	// batch from growing unboundedly with collector throughput.
	GAEChunkSize int

	Gamma          float32
	Lambda         float32
	RewardClip     float32
	ReturnStdFloor float32

	StandardizeReturns    bool
	MaxReturnsPerStatsInc int

	NormalizeAdvantages bool
	AdvantageStdFloor   float32

	// CollectionDuringLearn, when false, freezes every collector for the duration of the learn
	// phase. It is forced to false regardless of this setting when the learner runs on an
	// accelerator device, since that device needs exclusive use during the learn phase.
	CollectionDuringLearn bool

	SaveRoot          string // empty disables checkpointing.
	CheckpointsToKeep int
	TimestepsPerSave  int64

	Seed uint64
}

func (c Config) validate() error {
	if c.TimestepsPerIteration <= 0 {
		return errors.New("orchestrator: TimestepsPerIteration must be positive")
	}
	if c.GAEChunkSize <= 0 {
		return errors.New("orchestrator: GAEChunkSize must be positive")
	}
	if c.Gamma <= 0 || c.Gamma > 1 {
		return errors.New("orchestrator: Gamma must be in (0, 1]")
	}
	return nil
}

// Dependencies bundles the components the orchestrator drives. All are constructed by the
// embedding application; the orchestrator merely coordinates them.
type Dependencies struct {
	Pool    *collector.Pool
	Buffer  *buffer.Buffer
	Learner *ppo.Learner
	Policy  *model.Policy
	Value   *model.Value

	ReturnStats  *stats.RunningMeanStd
	Checkpoints  *checkpoint.Manager // nil disables checkpointing.
	MetricsSink  simif.MetricsSink   // nil disables metrics reporting.
	SkillTracker SkillTracker        // nil disables the skill-rating pass.
}

// Orchestrator runs the collect/GAE/learn/checkpoint loop.
type Orchestrator struct {
	cfg  Config
	deps Dependencies

	rng   *rand.Rand
	runID string

	cumulativeTimesteps    int64
	cumulativeSinceSave    int64
	epoch                  int
	lastSkillRating        *float64
}

// New validates cfg, initializes the run ID (from the metrics sink if one is configured,
// otherwise a freshly generated UUID), and returns a ready-to-run Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Pool == nil || deps.Buffer == nil || deps.Learner == nil || deps.Policy == nil || deps.Value == nil {
		return nil, errors.New("orchestrator: Pool, Buffer, Learner, Policy and Value are required")
	}

	runID := uuid.New().String()
	if deps.MetricsSink != nil {
		id, err := deps.MetricsSink.Init()
		if err != nil {
			return nil, errors.Wrap(err, "orchestrator: metrics sink init")
		}
		if id != "" {
			runID = id
		}
	}

	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		rng:   rand.New(rand.NewPCG(cfg.Seed, 1)),
		runID: runID,
	}, nil
}

// RunID returns the identifier stamped into every checkpoint this orchestrator writes.
func (o *Orchestrator) RunID() string { return o.runID }

// Run drives iterations until ctx is cancelled or the configured timestep limit is reached.
// Panics raised anywhere in an iteration (a tensor/backend exception, most likely) are recovered
// here and turned into a fatal error.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if o.cfg.TimestepLimit > 0 && o.cumulativeTimesteps >= o.cfg.TimestepLimit {
			return nil
		}
		if err := o.runIterationRecovered(); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) runIterationRecovered() error {
	err := exceptions.TryCatch[error](func() {
		if runErr := o.runIteration(); runErr != nil {
			panic(runErr)
		}
	})
	if err != nil {
		return errors.Wrap(err, "orchestrator: fatal error during iteration")
	}
	return nil
}

func (o *Orchestrator) runIteration() error {
	traj := o.deps.Pool.Collect(o.cfg.TimestepsPerIteration)
	o.cumulativeTimesteps += int64(traj.Len())
	o.cumulativeSinceSave += int64(traj.Len())

	if !o.deps.Learner.LearningEnabled() {
		klog.V(1).Infof("orchestrator: learning disabled (both LRs zero), skipping learn phase")
		return o.housekeeping(ppo.Report{})
	}

	freezeCollectors := !o.cfg.CollectionDuringLearn || o.deps.Learner.Device() == ppo.DeviceAccelerator
	if freezeCollectors {
		o.deps.Pool.SetDisableCollection(true)
		defer o.deps.Pool.SetDisableCollection(false)
	}

	if err := o.addNewExperience(traj); err != nil {
		return errors.Wrap(err, "orchestrator: AddNewExperience")
	}

	var report ppo.Report
	if err := o.deps.Learner.Learn(o.deps.Buffer, &report); err != nil {
		return errors.Wrap(err, "orchestrator: learn")
	}
	o.epoch++

	return o.housekeeping(report)
}

// addNewExperience turns one harvested trajectory into experience the buffer can train on:
// batched value inference, GAE, optional return standardization and advantage normalization,
// then submission to the buffer.
func (o *Orchestrator) addNewExperience(traj collector.GameTrajectory) error {
	n := traj.Len()
	if n == 0 {
		return nil
	}

	values := chunkedValues(o.deps.Value, traj.States, o.cfg.GAEChunkSize)
	bootstraps := segmentBootstrapValues(o.deps.Value, traj, o.cfg.GAEChunkSize)

	retStd := float32(1)
	if o.cfg.StandardizeReturns {
		retStd = o.deps.ReturnStats.Std(o.cfg.ReturnStdFloor)
	}
	gaeCfg := gae.Config{Gamma: o.cfg.Gamma, Lambda: o.cfg.Lambda, RewardClip: o.cfg.RewardClip, ReturnStd: retStd}

	advantages := make([]float32, n)
	valueTargets := make([]float32, n)
	returns := make([]float32, n)

	offset := 0
	for segIdx, segLen := range traj.SegmentLengths {
		segValues := make([]float32, segLen+1)
		copy(segValues, values[offset:offset+segLen])
		segValues[segLen] = bootstraps[segIdx]

		res := gae.Compute(
			traj.Rewards[offset:offset+segLen],
			traj.Dones[offset:offset+segLen],
			traj.Truncateds[offset:offset+segLen],
			segValues,
			gaeCfg,
		)
		copy(advantages[offset:offset+segLen], res.Advantages)
		copy(valueTargets[offset:offset+segLen], res.ValueTargets)
		copy(returns[offset:offset+segLen], res.Returns)

		// A segment only represents a complete episode when it ends in a genuine terminal (not a
		// harvest-time truncation); fixFinalTruncation guarantees the two are mutually exclusive at
		// the segment's last row.
		if traj.Dones[offset+segLen-1] {
			var episodeReward float32
			for _, r := range traj.Rewards[offset : offset+segLen] {
				episodeReward += r
			}
			o.deps.Pool.RecordEpisodeReward(float64(episodeReward), segLen)
		}
		offset += segLen
	}

	if o.cfg.StandardizeReturns {
		o.deps.ReturnStats.Update(sampleReturns(returns, o.cfg.MaxReturnsPerStatsInc, o.rng))
	}
	if o.cfg.NormalizeAdvantages {
		gae.NormalizeAdvantages(advantages, o.cfg.AdvantageStdFloor)
	}

	batch := buffer.ExperienceTensors{
		States:     traj.States,
		NextStates: traj.NextStates,
		Actions:    traj.Actions,
		LogProbs:   traj.LogProbs,
		Rewards:    traj.Rewards,
		Dones:      traj.Dones,
		Truncateds: traj.Truncateds,
		Values:     valueTargets,
		Advantages: advantages,
	}
	return o.deps.Buffer.Submit(batch)
}

// chunkedValues runs V(s) over every state in states, dispatching in chunks of at most chunkSize
// rows so a single iteration's inference batch stays bounded regardless of collector throughput.
func chunkedValues(value *model.Value, states [][]float32, chunkSize int) []float32 {
	out := make([]float32, 0, len(states))
	for i := 0; i < len(states); i += chunkSize {
		hi := min(i+chunkSize, len(states))
		out = append(out, value.GetValues(states[i:hi])...)
	}
	return out
}

// segmentBootstrapValues computes V(s_N) for every segment's final next-state in one batched
// pass (chunked the same way as chunkedValues).
func segmentBootstrapValues(value *model.Value, traj collector.GameTrajectory, chunkSize int) []float32 {
	lastNextStates := make([][]float32, len(traj.SegmentLengths))
	offset := 0
	for i, segLen := range traj.SegmentLengths {
		lastNextStates[i] = traj.NextStates[offset+segLen-1]
		offset += segLen
	}
	return chunkedValues(value, lastNextStates, chunkSize)
}

// sampleReturns returns up to maxSamples entries from returns, chosen uniformly at random without
// replacement, so a single iteration's Welford update never processes more than maxSamples
// values. maxSamples <= 0 means no cap.
func sampleReturns(returns []float32, maxSamples int, rng *rand.Rand) []float32 {
	if maxSamples <= 0 || len(returns) <= maxSamples {
		return returns
	}
	perm := rng.Perm(len(returns))
	out := make([]float32, maxSamples)
	for i := 0; i < maxSamples; i++ {
		out[i] = returns[perm[i]]
	}
	return out
}

// housekeeping runs after every learn phase: metrics aggregation, the optional skill-tracker
// pass, the optional metrics-sink push, and checkpoint save/prune.
func (o *Orchestrator) housekeeping(report ppo.Report) error {
	poolMetrics := o.deps.Pool.GetMetrics()

	if o.deps.SkillTracker != nil {
		rating := o.deps.SkillTracker.Update(report)
		o.lastSkillRating = &rating
	}

	if o.deps.MetricsSink != nil {
		m := report.ToMap()
		m["cumulative_timesteps"] = float64(o.cumulativeTimesteps)
		m["average_episode_reward"] = poolMetrics.AverageEpisodeReward
		m["average_step_reward"] = poolMetrics.AverageStepReward
		m["iteration_time_seconds"] = poolMetrics.IterationTime.Seconds()
		o.deps.MetricsSink.Report(m)

		if klog.V(2).Enabled() {
			for k, v := range generics.SortedKeysAndValues(m) {
				klog.V(2).Infof("orchestrator: metric %s=%v", k, v)
			}
		}
	}

	if o.deps.Checkpoints != nil && o.cfg.SaveRoot != "" && o.cumulativeSinceSave >= o.cfg.TimestepsPerSave {
		if err := o.saveCheckpoint(report); err != nil {
			return errors.Wrap(err, "orchestrator: checkpoint save")
		}
		o.cumulativeSinceSave = 0
	}
	return nil
}

func (o *Orchestrator) saveCheckpoint(report ppo.Report) error {
	snap := checkpoint.SnapshotFrom(o.deps.ReturnStats.Save())
	s := checkpoint.Stats{
		CumulativeTimesteps:    o.cumulativeTimesteps,
		CumulativeModelUpdates: report.CumulativeUpdates,
		Epoch:                  o.epoch,
		RewardRunningStats:     snap,
		SkillRating:            o.lastSkillRating,
		RunID:                  o.runID,
	}
	return o.deps.Checkpoints.Save(s)
}
