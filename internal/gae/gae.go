// Package gae computes Generalized Advantage Estimation targets from a trajectory segment's
// rewards, done/truncated flags and bootstrap value predictions. It is pure host-side float32
// math; no tensor backend is involved.
package gae

import "github.com/chewxy/math32"

// Config carries the knobs GAE needs beyond the per-step arrays themselves.
type Config struct {
	Gamma          float32 // discount factor.
	Lambda         float32 // GAE smoothing factor.
	RewardClip     float32 // rewards are clamped to [-RewardClip, RewardClip] before use; 0 disables clipping.
	ReturnStd      float32 // retStd: divides rewards before the delta computation; 1 disables standardization.
}

// Result holds the three parallel arrays GAE produces for one trajectory segment, each of length
// len(rewards).
type Result struct {
	Advantages   []float32
	ValueTargets []float32
	Returns      []float32
}

// Compute runs the backward GAE recursion over one trajectory segment.
//
// values must have length len(rewards)+1: one value estimate per state plus the bootstrap value
// of the state that follows the last transition. rewards, dones and truncateds must all share
// len(rewards).
func Compute(rewards []float32, dones, truncateds []bool, values []float32, cfg Config) Result {
	n := len(rewards)
	if len(dones) != n || len(truncateds) != n {
		panic("gae: dones/truncateds length mismatch with rewards")
	}
	if len(values) != n+1 {
		panic("gae: values must have length len(rewards)+1")
	}

	retStd := cfg.ReturnStd
	if retStd == 0 {
		retStd = 1
	}

	res := Result{
		Advantages:   make([]float32, n),
		ValueTargets: make([]float32, n),
		Returns:      make([]float32, n),
	}

	var lastAdvantage float32
	for t := n - 1; t >= 0; t-- {
		reward := clipReward(rewards[t], cfg.RewardClip)

		var advantage float32
		switch {
		case dones[t]:
			delta := reward/retStd - values[t]
			advantage = delta
			lastAdvantage = 0
		case truncateds[t]:
			delta := reward/retStd + cfg.Gamma*values[t+1] - values[t]
			advantage = delta
			lastAdvantage = 0
		default:
			delta := reward/retStd + cfg.Gamma*values[t+1] - values[t]
			advantage = delta + cfg.Gamma*cfg.Lambda*lastAdvantage
			lastAdvantage = advantage
		}

		res.Advantages[t] = advantage
		res.ValueTargets[t] = advantage + values[t]
		res.Returns[t] = advantage*retStd + values[t]*retStd
	}

	return res
}

func clipReward(r, clipRange float32) float32 {
	if clipRange <= 0 {
		return r
	}
	if r > clipRange {
		return clipRange
	}
	if r < -clipRange {
		return -clipRange
	}
	return r
}

// NormalizeAdvantages standardizes advantages in-place to zero mean, unit variance (floored),
// the batch-level normalization PPO applies after GAE and before the surrogate loss.
func NormalizeAdvantages(advantages []float32, stdFloor float32) {
	if len(advantages) == 0 {
		return
	}
	var sum float32
	for _, a := range advantages {
		sum += a
	}
	mean := sum / float32(len(advantages))

	var sqSum float32
	for _, a := range advantages {
		d := a - mean
		sqSum += d * d
	}
	std := math32.Sqrt(sqSum / float32(len(advantages)))
	if std < stdFloor {
		std = stdFloor
	}
	for i, a := range advantages {
		advantages[i] = (a - mean) / std
	}
}
