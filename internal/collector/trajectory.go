package collector

// Transition is one step for one player. done means the episode terminated; truncated means it
// was cut off by a time limit without terminating — GAE bootstraps through truncations but not
// through terminals, so the two must stay distinct all the way from collection through to the GAE
// engine.
type Transition struct {
	Obs       []float32
	NextObs   []float32
	Action    int
	LogProb   float32
	Reward    float32
	Done      bool
	Truncated bool
}

// GameTrajectory is the concatenation of every non-empty trajectory segment harvested from every
// worker in one Collect call. Order within the concatenation carries no meaning: GAE runs
// per-segment, so callers reconstruct segment boundaries separately (see Pool.Collect).
type GameTrajectory struct {
	States     [][]float32
	NextStates [][]float32
	Actions    []int
	LogProbs   []float32
	Rewards    []float32
	Dones      []bool
	Truncateds []bool

	// SegmentLengths records how many rows belong to each concatenated segment, in order, so the
	// orchestrator's GAE pass can run the backward recursion once per segment instead of across
	// the whole flattened batch.
	SegmentLengths []int
}

func (t *GameTrajectory) appendSegment(seg []Transition) {
	if len(seg) == 0 {
		return
	}
	for _, tr := range seg {
		t.States = append(t.States, tr.Obs)
		t.NextStates = append(t.NextStates, tr.NextObs)
		t.Actions = append(t.Actions, tr.Action)
		t.LogProbs = append(t.LogProbs, tr.LogProb)
		t.Rewards = append(t.Rewards, tr.Reward)
		t.Dones = append(t.Dones, tr.Done)
		t.Truncateds = append(t.Truncateds, tr.Truncated)
	}
	t.SegmentLengths = append(t.SegmentLengths, len(seg))
}

// Len returns the total number of transitions across every segment.
func (t *GameTrajectory) Len() int {
	return len(t.Rewards)
}

// fixFinalTruncation enforces the harvest-time invariant that the last transition of a segment is
// truncated if and only if it is not done, since a segment that's still "in flight" when
// harvested was cut off by the harvest itself, not by the simulator.
func fixFinalTruncation(seg []Transition) {
	if len(seg) == 0 {
		return
	}
	last := &seg[len(seg)-1]
	last.Truncated = !last.Done
}
