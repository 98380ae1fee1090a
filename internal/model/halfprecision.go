package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// HalfPrecisionMirror marks a network as eligible for reduced-precision collector-side inference.
//
// Rather than keeping a second, physically distinct copy of every weight tensor that would need
// explicit copying on every optimizer step, the mirror round-trips the observation input through
// float16 at the graph boundary on every forward call (Cast16 down, then back up to float32 so the
// rest of the network's ops stay in a single dtype). This rounds activations to float16 resolution
// without requiring the FNN's variables themselves to be duplicated in a second dtype. The learner
// keeps training in float32 against the same context the mirror reads from, so there is no
// separate buffer that can fall out of sync with it.
type HalfPrecisionMirror struct {
	ctx *context.Context
}

// NewHalfPrecisionMirror attaches a mirror to ctx.
func NewHalfPrecisionMirror(ctx *context.Context) *HalfPrecisionMirror {
	return &HalfPrecisionMirror{ctx: ctx}
}

// Sync is the explicit hook the learner calls after every optimizer step. It is a no-op here:
// since the mirror casts per forward call against the live context rather than through a persisted
// buffer, there is nothing to copy. Kept so callers don't need to know which strategy is in effect.
func (h *HalfPrecisionMirror) Sync(ctx *context.Context) {}

// Cast16 round-trips a float32 graph node through float16 and back, used at collector-side
// inference forward-graph boundaries when a mirror is enabled.
func Cast16(n *Node) *Node {
	half := ConvertDType(n, dtypes.Float16)
	return ConvertDType(half, dtypes.Float32)
}
