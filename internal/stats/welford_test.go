package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunningMeanStdMatchesBatchComputation(t *testing.T) {
	samples := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	r := NewRunningMeanStd()
	r.Update(samples)

	var sum float64
	for _, v := range samples {
		sum += float64(v)
	}
	wantMean := sum / float64(len(samples))

	require.InDelta(t, wantMean, r.Mean(), 1e-6)
}

func TestRunningMeanStdIncrementalMatchesOneShot(t *testing.T) {
	batch1 := []float32{1, 2, 3}
	batch2 := []float32{4, 5, 6, 7}

	incremental := NewRunningMeanStd()
	incremental.Update(batch1)
	incremental.Update(batch2)

	oneShot := NewRunningMeanStd()
	oneShot.Update(append(append([]float32{}, batch1...), batch2...))

	require.InDelta(t, oneShot.Mean(), incremental.Mean(), 1e-6)
	require.InDelta(t, oneShot.Var(), incremental.Var(), 1e-6)
}

func TestRunningMeanStdStdFloor(t *testing.T) {
	r := NewRunningMeanStd()
	r.Update([]float32{5, 5, 5, 5})

	require.Equal(t, float32(0.1), r.Std(0.1))
}

func TestRunningMeanStdNormalizeUsesFloor(t *testing.T) {
	r := NewRunningMeanStd()
	r.Update([]float32{3, 3, 3})

	got := r.Normalize(3, 1.0)
	require.False(t, math.IsNaN(float64(got)))
	require.InDelta(t, 0, got, 1e-6)
}

func TestRunningMeanStdSaveRestoreRoundTrip(t *testing.T) {
	r := NewRunningMeanStd()
	r.Update([]float32{1, 2, 3, 4, 5})
	snap := r.Save()

	restored := NewRunningMeanStd()
	restored.Restore(snap)

	require.Equal(t, r.Mean(), restored.Mean())
	require.Equal(t, r.Var(), restored.Var())
}
