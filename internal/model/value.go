package model

import (
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

// Value is the scalar state-value network. It shares the same FNN-building idiom as Policy.
type Value struct {
	ctx     *context.Context
	obsSize int

	forwardExec     *context.Exec // obs -> value
	forwardExecHalf *context.Exec // obs (round-tripped through float16) -> value

	mu sync.RWMutex // read during inference, write while the learner mutates weights.

	half *HalfPrecisionMirror
}

// WithWriteLock runs fn while holding the network's write lock, serializing it against every
// inference call. The learner calls this around its train-exec calls: gomlx's context mutates
// variables in place, so a concurrent inference read during that call would race.
func (v *Value) WithWriteLock(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn()
}

// NewValue creates a value network for the given observation size.
func NewValue(obsSize int) *Value {
	v := &Value{
		ctx:     context.New(),
		obsSize: obsSize,
	}
	v.ctx.RngStateReset()
	v.ctx.SetParams(map[string]any{
		"batch_size":                  256,
		activations.ParamActivation:   "relu",
		fnnLayer.ParamNumHiddenLayers: 2,
		fnnLayer.ParamNumHiddenNodes:  256,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "none",
		regularizers.ParamL2:          0.0,
		regularizers.ParamL1:          0.0,
	})
	v.ctx = v.ctx.Checked(false)
	v.createExecutors()
	return v
}

// Context returns the network's parameter/hyperparameter context.
func (v *Value) Context() *context.Context { return v.ctx }

// ObsSize returns the expected observation vector length.
func (v *Value) ObsSize() int { return v.obsSize }

// ForwardGraph computes the scalar value estimate for a batch of observations. obsNode must be
// shaped [batch, obsSize]; the returned node is shaped [batch].
func (v *Value) ForwardGraph(ctx *context.Context, obsNode *Node) *Node {
	out := fnnLayer.New(ctx.In("fnn"), obsNode, 1).Done()
	return Reshape(out, -1)
}

func (v *Value) createExecutors() {
	v.forwardExec = context.NewExec(Backend(), v.ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return v.ForwardGraph(ctx, inputs[0])
	})
	v.forwardExecHalf = context.NewExec(Backend(), v.ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return v.ForwardGraph(ctx, Cast16(inputs[0]))
	})

	probe := make([]float32, v.obsSize)
	_ = v.GetValues([][]float32{probe})
}

func (v *Value) createObsTensor(obsBatch [][]float32) *tensors.Tensor {
	batch := len(obsBatch)
	t := tensors.FromShape(shapes.Make(dtypes.Float32, batch, v.obsSize))
	tensors.MutableFlatData(t, func(flat []float32) {
		for i, obs := range obsBatch {
			if len(obs) != v.obsSize {
				exceptions.Panicf("value: expected observation of size %d, got %d", v.obsSize, len(obs))
			}
			copy(flat[i*v.obsSize:], obs)
		}
	})
	return t
}

// GetValues runs inference for a batch of observations, returning one scalar per row.
func (v *Value) GetValues(obsBatch [][]float32) []float32 {
	inputT := v.createObsTensor(obsBatch)
	exec := v.forwardExec
	if v.half != nil {
		exec = v.forwardExecHalf
	}
	v.mu.RLock()
	out := exec.Call(DonateTensorBuffer(inputT, Backend()))[0]
	v.mu.RUnlock()
	return tensors.CopyFlatData[float32](out)
}

// EnableHalfPrecisionMirror creates the fp16 inference mirror used by collectors.
func (v *Value) EnableHalfPrecisionMirror() {
	v.half = NewHalfPrecisionMirror(v.ctx)
}

// RefreshHalfPrecisionMirror calls the mirror's Sync hook. Called by the learner after every
// optimizer step. It copies no weights: the mirror keeps no fp16 weight copy and reads the live
// fp32 context on every inference call.
func (v *Value) RefreshHalfPrecisionMirror() {
	if v.half == nil {
		return
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	v.half.Sync(v.ctx)
}
