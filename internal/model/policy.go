package model

import (
	"math/rand/v2"
	"sync"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Policy is a feed-forward categorical policy: it maps a fixed-length observation vector to a
// distribution over actionAmount discrete actions.
//
// It owns its parameter tensors in a GoMLX context, and builds them the same way as Value,
// generalized from a single scalar output to a logits vector.
type Policy struct {
	ctx          *context.Context
	obsSize      int
	actionAmount int

	forwardExec    *context.Exec // obs -> logits
	actionExec     *context.Exec // obs -> probs, logProbs (temperature read from the context)
	actionExecHalf *context.Exec // obs (round-tripped through float16) -> probs, logProbs

	mu sync.RWMutex // read during inference, write while the learner mutates weights.

	half *HalfPrecisionMirror
}

// WithWriteLock runs fn while holding the network's write lock, serializing it against every
// inference call. The learner calls this around its train-exec calls: gomlx's context mutates
// variables in place, so a concurrent inference read during that call would race.
func (p *Policy) WithWriteLock(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// NewPolicy creates a policy network for the given observation size and discrete action amount.
//
// Hyperparameters (hidden layers/nodes, residual connections, layer normalization, L1/L2
// regularization, temperature) are set to defaults in the context. NewPolicy itself runs a probe
// inference, so the network's variables are created with these defaults before it returns.
func NewPolicy(obsSize, actionAmount int) *Policy {
	if actionAmount <= 0 {
		exceptions.Panicf("model: actionAmount must be positive, got %d", actionAmount)
	}
	p := &Policy{
		ctx:          context.New(),
		obsSize:      obsSize,
		actionAmount: actionAmount,
	}
	p.ctx.RngStateReset()
	p.ctx.SetParams(map[string]any{
		"batch_size":                   256,
		activations.ParamActivation:    "relu",
		fnnLayer.ParamNumHiddenLayers:  2,
		fnnLayer.ParamNumHiddenNodes:   256,
		fnnLayer.ParamResidual:         false,
		fnnLayer.ParamNormalization:    "none",
		regularizers.ParamL2:           0.0,
		regularizers.ParamL1:           0.0,
		"temperature":                  float32(1.0),
	})
	p.ctx = p.ctx.Checked(false)
	p.createExecutors()
	return p
}

// Context returns the network's parameter/hyperparameter context.
func (p *Policy) Context() *context.Context { return p.ctx }

// ObsSize returns the expected observation vector length.
func (p *Policy) ObsSize() int { return p.obsSize }

// ActionAmount returns the number of discrete actions the policy can emit.
func (p *Policy) ActionAmount() int { return p.actionAmount }

// ForwardGraph computes raw logits (pre-temperature, pre-softmax) for a batch of observations.
// obsNode must be shaped [batch, obsSize]. Returned node is shaped [batch, actionAmount].
func (p *Policy) ForwardGraph(ctx *context.Context, obsNode *Node) *Node {
	logits := fnnLayer.New(ctx.In("fnn"), obsNode, p.actionAmount).Done()
	logits.AssertDims(-1, p.actionAmount)
	return logits
}

// LogProbsGraph returns log-softmax(logits/T), shaped [batch, actionAmount].
func (p *Policy) LogProbsGraph(ctx *context.Context, obsNode *Node) *Node {
	logits := p.ForwardGraph(ctx, obsNode)
	temperature := context.GetParamOr(ctx, "temperature", float32(1.0))
	scaled := DivScalar(logits, temperature)
	return LogSoftmax(scaled, -1)
}

// EntropyGraph returns the mean Shannon entropy of the categorical distribution over the batch,
// a scalar node.
func (p *Policy) EntropyGraph(ctx *context.Context, obsNode *Node) *Node {
	logProbs := p.LogProbsGraph(ctx, obsNode)
	probs := Exp(logProbs)
	perRow := Neg(ReduceSum(Mul(probs, logProbs), -1))
	return ReduceAllMean(perRow)
}

func (p *Policy) createExecutors() {
	p.forwardExec = context.NewExec(Backend(), p.ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return p.ForwardGraph(ctx, inputs[0])
	})
	p.actionExec = context.NewExec(Backend(), p.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		logProbs := p.LogProbsGraph(ctx, inputs[0])
		return []*Node{Exp(logProbs), logProbs}
	})
	p.actionExecHalf = context.NewExec(Backend(), p.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		logProbs := p.LogProbsGraph(ctx, Cast16(inputs[0]))
		return []*Node{Exp(logProbs), logProbs}
	})

	// Force variable creation deterministically before any concurrent inference/training starts.
	probe := make([]float32, p.obsSize)
	_ = p.GetActionProbs([][]float32{probe})
}

// createObsTensor packs a batch of observation vectors into a single [batch, obsSize] tensor.
func (p *Policy) createObsTensor(obsBatch [][]float32) *tensors.Tensor {
	batch := len(obsBatch)
	t := tensors.FromShape(shapes.Make(dtypes.Float32, batch, p.obsSize))
	tensors.MutableFlatData(t, func(flat []float32) {
		for i, obs := range obsBatch {
			if len(obs) != p.obsSize {
				exceptions.Panicf("policy: expected observation of size %d, got %d", p.obsSize, len(obs))
			}
			copy(flat[i*p.obsSize:], obs)
		}
	})
	return t
}

// GetAction samples (or, if deterministic, argmaxes) one action per row of obsBatch, returning
// the chosen action and the log-probability of that action under the current policy.
//
// Sampling happens on the host once probabilities have been pulled out of the compiled graph.
func (p *Policy) GetAction(obsBatch [][]float32, deterministic bool, rng *rand.Rand) (actions []int, logProbs []float32) {
	probs, logProbsMat := p.GetActionProbsAndLogProbs(obsBatch)
	actions = make([]int, len(obsBatch))
	logProbs = make([]float32, len(obsBatch))
	for row := range obsBatch {
		rowProbs := probs[row]
		var action int
		if deterministic {
			action = argmax(rowProbs)
		} else {
			action = sampleCategorical(rowProbs, rng)
		}
		actions[row] = action
		logProbs[row] = logProbsMat[row][action]
	}
	return
}

// GetActionProbs returns the softmax action probabilities for a batch of observations, used by
// external inference tooling (spec: Policy.GetActionProbs).
func (p *Policy) GetActionProbs(obsBatch [][]float32) [][]float32 {
	probs, _ := p.GetActionProbsAndLogProbs(obsBatch)
	return probs
}

// GetActionProbsAndLogProbs runs the inference-only exec, returning both the probabilities and
// their logs so callers avoid a redundant Log call.
func (p *Policy) GetActionProbsAndLogProbs(obsBatch [][]float32) (probs, logProbs [][]float32) {
	inputT := p.createObsTensor(obsBatch)
	exec := p.actionExec
	if p.half != nil {
		exec = p.actionExecHalf
	}
	p.mu.RLock()
	outs := exec.Call(DonateTensorBuffer(inputT, Backend()))
	p.mu.RUnlock()
	probsFlat := tensors.CopyFlatData[float32](outs[0])
	logProbsFlat := tensors.CopyFlatData[float32](outs[1])
	probs = make([][]float32, len(obsBatch))
	logProbs = make([][]float32, len(obsBatch))
	for i := range obsBatch {
		probs[i] = probsFlat[i*p.actionAmount : (i+1)*p.actionAmount]
		logProbs[i] = logProbsFlat[i*p.actionAmount : (i+1)*p.actionAmount]
	}
	return
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func sampleCategorical(probs []float32, rng *rand.Rand) int {
	target := rng.Float32()
	var cum float32
	for i, p := range probs {
		cum += p
		if target <= cum {
			return i
		}
	}
	return len(probs) - 1
}

// EnableHalfPrecisionMirror creates the fp16 inference mirror used by collectors during rollout
// collection, keeping the fp32 weights as the training source of truth.
func (p *Policy) EnableHalfPrecisionMirror() {
	p.half = NewHalfPrecisionMirror(p.ctx)
}

// RefreshHalfPrecisionMirror calls the mirror's Sync hook. Called by the learner after every
// optimizer step. It copies no weights: the mirror keeps no fp16 weight copy and reads the live
// fp32 context on every inference call.
func (p *Policy) RefreshHalfPrecisionMirror() {
	if p.half == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.half.Sync(p.ctx)
}
