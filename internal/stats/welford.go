// Package stats implements running mean/variance tracking used to standardize returns before
// they're fed into the value loss, guarded by a single mutex the same way a rolling counter
// would be.
package stats

import (
	"sync"

	"github.com/chewxy/math32"
)

// RunningMeanStd tracks the mean and variance of a stream of scalars using Welford's online
// algorithm, extended to ingest whole batches at once (Chan et al.'s parallel variant) since the
// GAE engine produces a full batch of returns per iteration rather than one value at a time.
type RunningMeanStd struct {
	mu    sync.Mutex
	count float64
	mean  float64
	m2    float64
}

// NewRunningMeanStd creates an empty estimator. Its first Update sets the mean and variance to
// exactly that batch's moments; until then Var returns 0 and Std returns its floor.
func NewRunningMeanStd() *RunningMeanStd {
	return &RunningMeanStd{}
}

// Update folds a batch of new samples into the running estimate in a single pass, using the
// parallel Welford combination formula so callers don't have to loop one sample at a time.
func (r *RunningMeanStd) Update(batch []float32) {
	if len(batch) == 0 {
		return
	}
	batchMean, batchVar := batchMoments(batch)
	batchCount := float64(len(batch))

	r.mu.Lock()
	defer r.mu.Unlock()

	delta := batchMean - r.mean
	totalCount := r.count + batchCount

	newMean := r.mean + delta*batchCount/totalCount
	m2A := r.m2
	m2B := batchVar * batchCount
	newM2 := m2A + m2B + delta*delta*r.count*batchCount/totalCount

	r.mean = newMean
	r.m2 = newM2
	r.count = totalCount
}

func batchMoments(batch []float32) (mean, variance float64) {
	var sum float64
	for _, v := range batch {
		sum += float64(v)
	}
	mean = sum / float64(len(batch))
	var sqDiff float64
	for _, v := range batch {
		d := float64(v) - mean
		sqDiff += d * d
	}
	variance = sqDiff / float64(len(batch))
	return
}

// Mean returns the current running mean.
func (r *RunningMeanStd) Mean() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mean
}

// Var returns the current running (population) variance.
func (r *RunningMeanStd) Var() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < 1 {
		return 0
	}
	return r.m2 / r.count
}

// Std returns the running standard deviation, floored to avoid dividing by (near) zero when
// standardizing a fresh estimator that has seen almost no data yet.
func (r *RunningMeanStd) Std(floor float32) float32 {
	std := math32.Sqrt(float32(r.Var()))
	if std < floor {
		return floor
	}
	return std
}

// Normalize standardizes x using the current mean/std: it subtracts the running mean, then
// divides by the floored running standard deviation.
func (r *RunningMeanStd) Normalize(x float32, stdFloor float32) float32 {
	mean := float32(r.Mean())
	std := r.Std(stdFloor)
	return (x - mean) / std
}

// Snapshot is the JSON-serializable form of a RunningMeanStd, persisted inside a checkpoint's
// stats file so a resumed run continues normalizing returns consistently instead of resetting.
type Snapshot struct {
	Count float64 `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Save captures the current state.
func (r *RunningMeanStd) Save() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Count: r.count, Mean: r.mean, M2: r.m2}
}

// Restore replaces the current state with a previously saved snapshot.
func (r *RunningMeanStd) Restore(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count = s.Count
	r.mean = s.Mean
	r.m2 = s.M2
}
