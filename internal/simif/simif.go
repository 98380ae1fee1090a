// Package simif defines the boundary between the training engine and the outside world: the
// game simulator, the optional render sink and the optional metrics sink. None of these are
// implemented here — the physics simulation, observation builder, action parser and reward
// function are all supplied by the embedding application.
package simif

// Gym is one playable game instance. Reset starts a new episode and returns one observation
// vector per player. Step advances the simulation by one tick given one action per player.
type Gym interface {
	Reset() [][]float32
	Step(actions []int) (nextObs [][]float32, reward []float32, done []bool)
}

// Match exposes the static and dynamic bookkeeping a collector worker needs about a game
// instance beyond stepping it: how many players it has, how many discrete actions each of them
// can take, and what happened on the previous tick (for rendering).
type Match interface {
	PlayerAmount() int
	ActionAmount() int
	PrevActions() []int
	PrevState() any
}

// GameFactory produces one fresh {Gym, Match} pair, called once per game instance a collector
// worker owns.
type GameFactory func() (Gym, Match)

// RenderSink receives the state that preceded the most recent step, along with the actions that
// produced it, at a capped rate governed by the collector worker's tick pacing.
type RenderSink interface {
	Render(prevState any, prevActions []int)
}

// MetricsSink receives the orchestrator's per-iteration report. Init is called once, before the
// first Report, and returns a stable identifier for the run (used to tag checkpoints).
type MetricsSink interface {
	Init() (runID string, err error)
	Report(metrics map[string]float64)
}
