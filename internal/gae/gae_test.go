package gae

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeNoDonesUnitGammaLambda(t *testing.T) {
	rewards := []float32{1, 1, 1}
	dones := []bool{false, false, false}
	truncateds := []bool{false, false, false}
	values := []float32{0, 0, 0, 0}

	res := Compute(rewards, dones, truncateds, values, Config{Gamma: 1, Lambda: 1, ReturnStd: 1})

	// advantage[t] should equal the sum of rewards from t to N-1 when gamma=lambda=1, V=0.
	require.InDelta(t, float32(3), res.Advantages[0], 1e-5)
	require.InDelta(t, float32(2), res.Advantages[1], 1e-5)
	require.InDelta(t, float32(1), res.Advantages[2], 1e-5)
}

func TestComputeAllDone(t *testing.T) {
	rewards := []float32{5, 5, 5}
	dones := []bool{true, true, true}
	truncateds := []bool{false, false, false}
	values := []float32{1, 1, 1, 1}

	res := Compute(rewards, dones, truncateds, values, Config{Gamma: 0.99, Lambda: 0.95, ReturnStd: 1})

	for t := range rewards {
		want := rewards[t] - values[t]
		require.InDelta(t, want, res.Advantages[t], 1e-5)
	}
}

func TestComputeBoundary(t *testing.T) {
	rewards := []float32{1, 1, 1}
	dones := []bool{false, false, true}
	truncateds := []bool{false, false, false}
	values := []float32{0, 0, 0, 0}
	gamma, lambda := float32(0.99), float32(0.95)

	res := Compute(rewards, dones, truncateds, values, Config{Gamma: gamma, Lambda: lambda, ReturnStd: 1})

	// Closed-form backward recursion computed independently, mirroring the algorithm description.
	var last float32
	want := make([]float32, 3)
	for tt := 2; tt >= 0; tt-- {
		if dones[tt] {
			want[tt] = rewards[tt] - values[tt]
			last = 0
			continue
		}
		delta := rewards[tt] + gamma*values[tt+1] - values[tt]
		want[tt] = delta + gamma*lambda*last
		last = want[tt]
	}

	for t := range rewards {
		require.InDelta(t, want[t], res.Advantages[t], 1e-4)
	}
}

func TestComputeTruncationVsTermination(t *testing.T) {
	rewards := []float32{1, 1, 1}
	values := []float32{0, 0, 0, 5} // bootstrap value 5 for the state after the final transition.

	truncated := Compute(rewards, []bool{false, false, false}, []bool{false, false, true}, values,
		Config{Gamma: 0.99, Lambda: 0.95, ReturnStd: 1})
	terminated := Compute(rewards, []bool{false, false, true}, []bool{false, false, false}, values,
		Config{Gamma: 0.99, Lambda: 0.95, ReturnStd: 1})

	// The truncated case bootstraps through the final value; the terminated case does not.
	require.InDelta(t, rewards[2]+0.99*values[3]-values[2], truncated.Advantages[2], 1e-5)
	require.InDelta(t, rewards[2]-values[2], terminated.Advantages[2], 1e-5)
	require.NotEqual(t, truncated.Returns[2], terminated.Returns[2])
}

func TestComputeRewardClipping(t *testing.T) {
	rewards := []float32{100, -100}
	dones := []bool{true, true}
	truncateds := []bool{false, false}
	values := []float32{0, 0, 0}

	res := Compute(rewards, dones, truncateds, values, Config{Gamma: 0.99, Lambda: 0.95, ReturnStd: 1, RewardClip: 10})

	require.InDelta(t, float32(10), res.Advantages[0], 1e-5)
	require.InDelta(t, float32(-10), res.Advantages[1], 1e-5)
}

func TestNormalizeAdvantagesZeroMeanUnitVar(t *testing.T) {
	advantages := []float32{1, 2, 3, 4, 5}
	NormalizeAdvantages(advantages, 1e-8)

	var sum float32
	for _, a := range advantages {
		sum += a
	}
	mean := sum / float32(len(advantages))
	require.InDelta(t, 0, mean, 1e-5)

	var sqSum float32
	for _, a := range advantages {
		sqSum += (a - mean) * (a - mean)
	}
	require.InDelta(t, 1, sqSum/float32(len(advantages)), 1e-5)
}
