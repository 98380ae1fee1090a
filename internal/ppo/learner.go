// Package ppo implements the clipped-surrogate policy-gradient learner: it draws shuffled
// mini-batches from the experience buffer, computes the PPO objective and the value loss, and
// applies gradient updates to both networks. Each network's context owns its hyperparameters and
// variables; its Exec owns the compiled forward+backward+optimizer-step graph.
package ppo

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"carsoccer-ppo/internal/buffer"
	"carsoccer-ppo/internal/model"
)

// Device records which accelerator class the learner's networks run on. Learn issues exactly one
// forward+backward+optimizer-step call per batch regardless of Device; the distinction only
// matters to the orchestrator (whether collectors may keep running during Learn) and to
// AutocastLearn (only meaningful off the CPU).
type Device int

const (
	// DeviceCPU runs the networks on the host. Collectors may keep sampling concurrently during
	// Learn as long as the caller opted into CollectionDuringLearn; the write-lock each network
	// holds for the duration of its train-exec call keeps that safe.
	DeviceCPU Device = iota
	// DeviceAccelerator runs the networks on a GPU/TPU backend.
	DeviceAccelerator
)

// Config holds the PPO learner's hyperparameters.
type Config struct {
	Epochs    int
	BatchSize int
	// MiniBatchSize must evenly divide BatchSize. It no longer sizes a separate optimizer step:
	// gradients accumulate over the whole batch and exactly one Adam step is taken per batch. Its
	// remaining role is the chunk size the gradient-noise-scale estimator uses to pair a
	// small-batch measurement against the full-batch one.
	MiniBatchSize int
	ClipRange     float32
	EntCoef       float32
	PolicyLR      float32
	CriticLR      float32
	// GradClipNorm requests gradient-norm clipping. Left at zero: no gomlx primitive for clipping
	// a context's accumulated gradients before the optimizer step is wired into this codebase, so
	// a nonzero value would silently do nothing. validate rejects it instead.
	GradClipNorm float32

	HalfPrecModels       bool
	AutocastLearn        bool
	MeasureGradientNoise bool

	Device Device
}

func (c Config) validate() error {
	if c.MiniBatchSize <= 0 || c.BatchSize <= 0 {
		return errors.New("ppo: BatchSize and MiniBatchSize must be positive")
	}
	if c.BatchSize%c.MiniBatchSize != 0 {
		return errors.Errorf("ppo: BatchSize (%d) must be a multiple of MiniBatchSize (%d)", c.BatchSize, c.MiniBatchSize)
	}
	if c.AutocastLearn && c.Device != DeviceAccelerator {
		return errors.New("ppo: autocastLearn requires an accelerator device")
	}
	if c.GradClipNorm != 0 {
		return errors.New("ppo: GradClipNorm is not implemented; no gradient-norm clip is applied before the optimizer step, so a nonzero value would silently do nothing")
	}
	return nil
}

// Report is the per-iteration output of Learn, forwarded to the metrics sink as a
// map[string]float64.
type Report struct {
	MeanEntropy      float64
	MeanKLDivergence float64
	MeanValueLoss    float64
	MeanRatio        float64
	ClipFraction     float64
	// PolicyUpdateNorm and ValueUpdateNorm are left at zero: computing a parameter-space L2 norm
	// needs enumerating a context's trainable variables, which the checkpoint-and-executor idiom
	// this package is built on never exposes.
	PolicyUpdateNorm   float64
	ValueUpdateNorm    float64
	CumulativeUpdates  int
	GradientNoiseScale float64
}

// ToMap renders the report as the labeled-scalar map the metrics sink boundary expects.
func (r Report) ToMap() map[string]float64 {
	m := map[string]float64{
		"entropy":            r.MeanEntropy,
		"kl_divergence":      r.MeanKLDivergence,
		"value_loss":         r.MeanValueLoss,
		"mean_ratio":         r.MeanRatio,
		"clip_fraction":      r.ClipFraction,
		"policy_update_norm": r.PolicyUpdateNorm,
		"value_update_norm":  r.ValueUpdateNorm,
		"cumulative_updates": float64(r.CumulativeUpdates),
	}
	if r.GradientNoiseScale != 0 {
		m["gradient_noise_scale"] = r.GradientNoiseScale
	}
	return m
}

// Learner owns both networks' optimizers and compiled train-step executors.
type Learner struct {
	policy *model.Policy
	value  *model.Value
	cfg    Config

	policyOptimizer optimizers.Interface
	valueOptimizer  optimizers.Interface

	policyTrainExec *context.Exec
	valueTrainExec  *context.Exec

	cumulativeUpdates int
	bounds            clipBounds

	noise *gradientNoiseTracker
}

// New builds a learner for the given networks and configuration.
func New(policy *model.Policy, value *model.Value, cfg Config) (*Learner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.AutocastLearn {
		klog.Warningf("ppo: autocastLearn requested but not implemented; training runs in plain float32 with no mixed-precision forward pass or gradient scaler")
	}

	l := &Learner{policy: policy, value: value, cfg: cfg}

	if cfg.HalfPrecModels {
		policy.EnableHalfPrecisionMirror()
		value.EnableHalfPrecisionMirror()
	}

	policy.Context().SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: cfg.PolicyLR,
	})
	l.policyOptimizer = optimizers.FromContext(policy.Context())

	value.Context().SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: cfg.CriticLR,
	})
	l.valueOptimizer = optimizers.FromContext(value.Context())

	l.createExecutors()
	if cfg.MeasureGradientNoise {
		l.noise = newGradientNoiseTracker(100)
	}
	return l, nil
}

// LearningEnabled reports whether either network has a nonzero learning rate. The orchestrator
// skips the learn phase entirely when this is false.
func (l *Learner) LearningEnabled() bool {
	return l.cfg.PolicyLR > 0 || l.cfg.CriticLR > 0
}

// Device returns the dispatch device the learner was configured with, used by the orchestrator to
// decide whether to freeze collectors during the learn phase.
func (l *Learner) Device() Device { return l.cfg.Device }

// clipBounds are constant tensors, shaped like a batch's per-row ratio, holding (1-clipRange) and
// (1+clipRange). Since BatchSize is fixed for the lifetime of a Learner, these are built once and
// reused every call instead of being reconstructed in-graph.
type clipBounds struct {
	low, high *tensors.Tensor
}

func newClipBounds(size int, clipRange float32) clipBounds {
	build := func(v float32) *tensors.Tensor {
		t := tensors.FromShape(shapes.Make(dtypes.Float32, size))
		tensors.MutableFlatData(t, func(flat []float32) {
			for i := range flat {
				flat[i] = v
			}
		})
		return t
	}
	return clipBounds{low: build(1 - clipRange), high: build(1 + clipRange)}
}

// createExecutors builds one fused forward+backward+optimizer-step graph per network. Each covers
// a full BatchSize batch: gomlx's optimizer.UpdateGraph/ExecPerStepUpdateGraphFn pairing is the
// only train-step primitive this backend exposes, so gradient accumulation across a batch is
// achieved by computing the batch's mean loss in a single call rather than by taking one step per
// mini-batch and averaging the resulting weights.
func (l *Learner) createExecutors() {
	bounds := newClipBounds(l.cfg.BatchSize, l.cfg.ClipRange)

	l.policyTrainExec = context.NewExec(model.Backend(), l.policy.Context(),
		func(ctx *context.Context, inputs []*Node) []*Node {
			obs, actionsOneHot, oldLogProbs, advantages := inputs[0], inputs[1], inputs[2], inputs[3]
			lowClip, highClip := inputs[4], inputs[5]
			g := obs.Graph()
			ctx.SetTraining(g, true)

			logProbsAll := l.policy.LogProbsGraph(ctx, obs)
			newLogProbs := ReduceSum(Mul(logProbsAll, actionsOneHot), -1)

			logRatio := Sub(newLogProbs, oldLogProbs)
			ratio := Exp(logRatio)
			clipped := Min(Max(ratio, lowClip), highClip)

			surrogate1 := Mul(ratio, advantages)
			surrogate2 := Mul(clipped, advantages)
			policyLoss := Neg(ReduceAllMean(Min(surrogate1, surrogate2)))

			entropy := l.policy.EntropyGraph(ctx, obs)
			combined := Sub(policyLoss, MulScalar(entropy, l.cfg.EntCoef))

			l.policyOptimizer.UpdateGraph(ctx, g, combined)
			train.ExecPerStepUpdateGraphFn(ctx, g)

			return []*Node{combined, entropy, ratio, logRatio}
		})

	l.valueTrainExec = context.NewExec(model.Backend(), l.value.Context(),
		func(ctx *context.Context, inputs []*Node) []*Node {
			obs, targets := inputs[0], inputs[1]
			g := obs.Graph()
			ctx.SetTraining(g, true)

			predicted := l.value.ForwardGraph(ctx, obs)
			loss := losses.MeanSquaredError([]*Node{targets}, []*Node{predicted})

			l.valueOptimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return []*Node{loss}
		})

	l.bounds = bounds
}

func (l *Learner) obsTensor(obsSize int, obs [][]float32) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(obs), obsSize))
	tensors.MutableFlatData(t, func(flat []float32) {
		for i, row := range obs {
			copy(flat[i*obsSize:], row)
		}
	})
	return t
}

func actionsOneHotTensor(actions []int, actionAmount int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(actions), actionAmount))
	tensors.MutableFlatData(t, func(flat []float32) {
		for i, a := range actions {
			flat[i*actionAmount+a] = 1
		}
	})
	return t
}

func vectorTensor(xs []float32) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(xs)))
	tensors.MutableFlatData(t, func(flat []float32) {
		copy(flat, xs)
	})
	return t
}

// Learn runs Epochs passes over the buffer, taking exactly one optimizer step per batch, and
// aggregates diagnostics into report.
func (l *Learner) Learn(buf *buffer.Buffer, report *Report) error {
	var (
		entropySum, klSum, valueLossSum, ratioSum, clipFracSum float64
		batchCount                                             int
	)

	for epoch := 0; epoch < l.cfg.Epochs; epoch++ {
		batches := buf.ShuffledBatches(l.cfg.BatchSize)
		for _, batch := range batches {
			r, err := l.trainOneBatch(batch)
			if err != nil {
				return errors.Wrap(err, "ppo: learn")
			}
			entropySum += r.entropy
			klSum += r.kl
			valueLossSum += r.valueLoss
			ratioSum += r.meanRatio
			clipFracSum += r.clipFrac
			batchCount++

			if l.noise != nil && r.bigN > 0 && r.smallCount > 0 {
				bigG := r.bigSqDevSum / float64(r.bigN)
				smallG := r.smallSqDevSum / float64(r.smallCount)
				l.noise.Observe(smallG, bigG, l.cfg.MiniBatchSize, l.cfg.BatchSize)
			}

			l.cumulativeUpdates++
			l.policy.RefreshHalfPrecisionMirror()
			l.value.RefreshHalfPrecisionMirror()
		}
		klog.V(1).Infof("ppo: epoch %d/%d complete, cumulative updates=%d", epoch+1, l.cfg.Epochs, l.cumulativeUpdates)
	}

	if batchCount > 0 {
		report.MeanEntropy = entropySum / float64(batchCount)
		report.MeanKLDivergence = klSum / float64(batchCount)
		report.MeanValueLoss = valueLossSum / float64(batchCount)
		report.MeanRatio = ratioSum / float64(batchCount)
		report.ClipFraction = clipFracSum / float64(batchCount)
	}
	report.CumulativeUpdates = l.cumulativeUpdates
	if l.noise != nil {
		report.GradientNoiseScale = l.noise.Estimate()
	}
	return nil
}

type batchResult struct {
	entropy, kl, valueLoss, meanRatio, clipFrac float64
	// bigSqDevSum/bigN are the sum (and count) of squared deviations of the per-row policy ratio
	// from 1 across the whole batch; smallSqDevSum/smallCount pool the same quantity computed per
	// MiniBatchSize-sized chunk of that same batch. Both feed the gradient-noise-scale estimator's
	// paired big-batch/small-batch measurement. Zero when the policy wasn't trained this step
	// (PolicyLR <= 0).
	bigSqDevSum, smallSqDevSum float64
	bigN, smallCount           int
}

// trainOneBatch runs the fused forward+backward+optimizer-step exec for both networks over one
// full BatchSize batch, taking exactly one Adam step each.
func (l *Learner) trainOneBatch(batch buffer.MiniBatch) (batchResult, error) {
	obsSize := l.policy.ObsSize()
	obsT := l.obsTensor(obsSize, batch.States)
	actionsT := actionsOneHotTensor(batch.Actions, l.policy.ActionAmount())
	oldLogProbsT := vectorTensor(batch.LogProbs)
	advantagesT := vectorTensor(batch.Advantages)

	var (
		entropy, meanRatio, kl, clipFrac float64
		bigSqDevSum, smallSqDevSum       float64
		bigN, smallCount                 int
	)
	if l.cfg.PolicyLR > 0 {
		var outs []*tensors.Tensor
		l.policy.WithWriteLock(func() {
			outs = l.policyTrainExec.Call(obsT, actionsT, oldLogProbsT, advantagesT, l.bounds.low, l.bounds.high)
		})

		entropy = float64(tensors.CopyFlatData[float32](outs[1])[0])
		ratios := tensors.CopyFlatData[float32](outs[2])
		logRatios := tensors.CopyFlatData[float32](outs[3])
		meanRatio, kl, clipFrac = ratioDiagnostics(ratios, logRatios, l.cfg.ClipRange)

		bigSqDevSum, bigN = ratioSquaredDeviation(ratios)
		smallSqDevSum, smallCount = pooledChunkedSquaredDeviation(ratios, l.cfg.MiniBatchSize)
	}

	valuesT := vectorTensor(batch.Values)
	var valueLoss float64
	if l.cfg.CriticLR > 0 {
		var outs []*tensors.Tensor
		l.value.WithWriteLock(func() {
			outs = l.valueTrainExec.Call(obsT, valuesT)
		})
		valueLoss = float64(tensors.CopyFlatData[float32](outs[0])[0])
	}

	return batchResult{
		entropy: entropy, kl: kl, valueLoss: valueLoss, meanRatio: meanRatio, clipFrac: clipFrac,
		bigSqDevSum: bigSqDevSum, bigN: bigN,
		smallSqDevSum: smallSqDevSum, smallCount: smallCount,
	}, nil
}

// ratioSquaredDeviation returns the sum (and count) of squared deviations of the policy ratio from
// 1 across a set of rows, the gradient-magnitude proxy the noise-scale tracker consumes.
func ratioSquaredDeviation(ratios []float32) (sum float64, n int) {
	for _, r := range ratios {
		d := float64(r) - 1
		sum += d * d
	}
	return sum, len(ratios)
}

// pooledChunkedSquaredDeviation splits ratios into chunkSize-sized groups and returns the sum (and
// count) of each group's mean squared ratio deviation, the small-batch half of the
// gradient-noise-scale estimator's paired measurement.
func pooledChunkedSquaredDeviation(ratios []float32, chunkSize int) (sum float64, count int) {
	n := len(ratios) / chunkSize
	for i := 0; i < n; i++ {
		chunk := ratios[i*chunkSize : (i+1)*chunkSize]
		chunkSum, chunkN := ratioSquaredDeviation(chunk)
		if chunkN == 0 {
			continue
		}
		sum += chunkSum / float64(chunkN)
		count++
	}
	return sum, count
}

func ratioDiagnostics(ratios, logRatios []float32, clipRange float32) (meanRatio, kl, clipFrac float64) {
	n := len(ratios)
	if n == 0 {
		return
	}
	var ratioSum, klSum float64
	var outside int
	for i := range ratios {
		ratioSum += float64(ratios[i])
		klSum += float64(ratios[i]) - 1 - float64(logRatios[i])
		if abs32(ratios[i]-1) > clipRange {
			outside++
		}
	}
	meanRatio = ratioSum / float64(n)
	kl = klSum / float64(n)
	clipFrac = float64(outside) / float64(n)
	return
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
