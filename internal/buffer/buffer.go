// Package buffer implements the fixed-capacity, ring-shaped experience store the PPO learner
// draws shuffled mini-batches from. Rows arrive in bulk from the orchestrator's GAE pass and are
// compacted FIFO-style so the oldest experience falls off once the buffer is full.
package buffer

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// ExperienceTensors is one submission's worth of rows: a GameTrajectory plus the learner-facing
// fields computed by the GAE engine (values, advantages). All slices must share the same leading
// dimension.
type ExperienceTensors struct {
	States     [][]float32
	NextStates [][]float32
	Actions    []int
	LogProbs   []float32
	Rewards    []float32
	Dones      []bool
	Truncateds []bool
	Values     []float32
	Advantages []float32
}

// Len returns the leading dimension (number of rows) of the tensors, or -1 if fields disagree.
func (e ExperienceTensors) Len() int {
	n := len(e.States)
	for _, l := range []int{len(e.NextStates), len(e.Actions), len(e.LogProbs), len(e.Rewards), len(e.Dones),
		len(e.Truncateds), len(e.Values), len(e.Advantages)} {
		if l != n {
			return -1
		}
	}
	return n
}

// MiniBatch is the subset of fields ShuffledBatches exposes to the learner: the buffer's other
// fields aren't needed to compute the PPO surrogate or value loss.
type MiniBatch struct {
	Actions    []int
	LogProbs   []float32
	States     [][]float32
	Values     []float32
	Advantages []float32
}

// Buffer is the fixed-capacity experience store. It is not safe for concurrent use; the
// orchestrator is the sole writer and the learner is the sole reader, and the two never overlap.
type Buffer struct {
	maxSize int
	curSize int
	seed    uint64
	rng     *rand.Rand

	states     [][]float32
	nextStates [][]float32
	actions    []int
	logProbs   []float32
	rewards    []float32
	dones      []bool
	truncateds []bool
	values     []float32
	advantages []float32

	totalSubmitted int
}

// New creates an empty buffer with the given capacity and RNG seed. The seed is retained so
// Clear() can reset the shuffle sequence deterministically.
func New(maxSize int, seed uint64) *Buffer {
	if maxSize <= 0 {
		panic(errors.Errorf("buffer: maxSize must be positive, got %d", maxSize))
	}
	b := &Buffer{maxSize: maxSize, seed: seed}
	b.reset()
	return b
}

func (b *Buffer) reset() {
	b.curSize = 0
	b.rng = rand.New(rand.NewPCG(b.seed, 0))
	b.states = make([][]float32, 0, b.maxSize)
	b.nextStates = make([][]float32, 0, b.maxSize)
	b.actions = make([]int, 0, b.maxSize)
	b.logProbs = make([]float32, 0, b.maxSize)
	b.rewards = make([]float32, 0, b.maxSize)
	b.dones = make([]bool, 0, b.maxSize)
	b.truncateds = make([]bool, 0, b.maxSize)
	b.values = make([]float32, 0, b.maxSize)
	b.advantages = make([]float32, 0, b.maxSize)
}

// CurSize returns the number of rows currently stored.
func (b *Buffer) CurSize() int { return b.curSize }

// MaxSize returns the buffer's fixed capacity.
func (b *Buffer) MaxSize() int { return b.maxSize }

// Metrics reports lightweight introspection about the buffer via a small accessor rather than
// exposing raw internal fields.
type Metrics struct {
	FillRatio        float64
	TotalSubmissions int
}

// Metrics returns the current fill ratio and the lifetime number of submitted rows (rows later
// evicted or dropped on overflow included; Clear does not reset it).
func (b *Buffer) Metrics() Metrics {
	return Metrics{
		FillRatio:        float64(b.curSize) / float64(b.maxSize),
		TotalSubmissions: b.totalSubmitted,
	}
}

// Submit appends batch to the buffer, dropping the oldest rows on overflow so that, after the
// call, rows [0, curSize) equal the last curSize rows of the naive concatenation of every
// historical submission.
func (b *Buffer) Submit(batch ExperienceTensors) error {
	n := batch.Len()
	if n < 0 {
		return errors.New("buffer: submit: mismatched field lengths in ExperienceTensors")
	}
	if n == 0 {
		return nil
	}
	b.totalSubmitted += n

	if n > b.maxSize {
		drop := n - b.maxSize
		batch = sliceExperience(batch, drop, n)
		n = b.maxSize
	}

	overflow := b.curSize + n - b.maxSize
	if overflow > 0 {
		b.compactShift(overflow)
	}

	b.states = append(b.states, batch.States...)
	b.nextStates = append(b.nextStates, batch.NextStates...)
	b.actions = append(b.actions, batch.Actions...)
	b.logProbs = append(b.logProbs, batch.LogProbs...)
	b.rewards = append(b.rewards, batch.Rewards...)
	b.dones = append(b.dones, batch.Dones...)
	b.truncateds = append(b.truncateds, batch.Truncateds...)
	b.values = append(b.values, batch.Values...)
	b.advantages = append(b.advantages, batch.Advantages...)

	b.curSize = min(b.curSize+n, b.maxSize)
	return nil
}

// compactShift drops the oldest `overflow` rows by cloning the retained tail into fresh slices,
// avoiding aliasing between the retained and dropped regions.
func (b *Buffer) compactShift(overflow int) {
	b.states = cloneShift(b.states, overflow)
	b.nextStates = cloneShift(b.nextStates, overflow)
	b.actions = cloneShift(b.actions, overflow)
	b.logProbs = cloneShift(b.logProbs, overflow)
	b.rewards = cloneShift(b.rewards, overflow)
	b.dones = cloneShift(b.dones, overflow)
	b.truncateds = cloneShift(b.truncateds, overflow)
	b.values = cloneShift(b.values, overflow)
	b.advantages = cloneShift(b.advantages, overflow)
	b.curSize -= overflow
}

func cloneShift[T any](s []T, drop int) []T {
	if drop <= 0 {
		return s
	}
	if drop >= len(s) {
		return s[:0]
	}
	out := make([]T, 0, cap(s))
	out = append(out, s[drop:]...)
	return out
}

func sliceExperience(e ExperienceTensors, from, to int) ExperienceTensors {
	return ExperienceTensors{
		States:     e.States[from:to],
		NextStates: e.NextStates[from:to],
		Actions:    e.Actions[from:to],
		LogProbs:   e.LogProbs[from:to],
		Rewards:    e.Rewards[from:to],
		Dones:      e.Dones[from:to],
		Truncateds: e.Truncateds[from:to],
		Values:     e.Values[from:to],
		Advantages: e.Advantages[from:to],
	}
}

// ShuffledBatches returns disjoint mini-batches of exactly batchSize rows each, drawn from a
// permutation of [0, curSize) produced by the buffer's seeded RNG. The trailing remainder
// (curSize mod batchSize) is dropped.
func (b *Buffer) ShuffledBatches(batchSize int) []MiniBatch {
	if batchSize <= 0 {
		panic(errors.Errorf("buffer: batchSize must be positive, got %d", batchSize))
	}
	numBatches := b.curSize / batchSize
	if numBatches == 0 {
		return nil
	}
	perm := b.rng.Perm(b.curSize)

	batches := make([]MiniBatch, numBatches)
	for bi := 0; bi < numBatches; bi++ {
		idx := perm[bi*batchSize : (bi+1)*batchSize]
		mb := MiniBatch{
			Actions:    make([]int, batchSize),
			LogProbs:   make([]float32, batchSize),
			States:     make([][]float32, batchSize),
			Values:     make([]float32, batchSize),
			Advantages: make([]float32, batchSize),
		}
		for row, srcIdx := range idx {
			mb.Actions[row] = b.actions[srcIdx]
			mb.LogProbs[row] = b.logProbs[srcIdx]
			mb.States[row] = b.states[srcIdx]
			mb.Values[row] = b.values[srcIdx]
			mb.Advantages[row] = b.advantages[srcIdx]
		}
		batches[bi] = mb
	}
	return batches
}

// Clear resets all stored tensors and reseeds the RNG to the original seed, so a fresh run over
// the same submission sequence reproduces the same shuffle.
func (b *Buffer) Clear() {
	b.reset()
}
