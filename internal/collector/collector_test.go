package collector

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"carsoccer-ppo/internal/simif"
)

// fakeGym is a one-player game that signals done every doneEvery ticks (never when 0), used to exercise
// the truncated-vs-done bookkeeping and episode-reset behavior without a real simulator.
type fakeGym struct {
	step      int
	doneEvery int
	obsSize   int
}

func (g *fakeGym) Reset() [][]float32 {
	g.step = 0
	return [][]float32{make([]float32, g.obsSize)}
}

func (g *fakeGym) Step(actions []int) (nextObs [][]float32, reward []float32, done []bool) {
	g.step++
	isDone := g.doneEvery > 0 && g.step%g.doneEvery == 0
	return [][]float32{make([]float32, g.obsSize)}, []float32{1}, []bool{isDone}
}

type fakeMatch struct{}

func (fakeMatch) PlayerAmount() int    { return 1 }
func (fakeMatch) ActionAmount() int    { return 2 }
func (fakeMatch) PrevActions() []int   { return nil }
func (fakeMatch) PrevState() any       { return nil }

type stubPolicy struct{}

func (stubPolicy) GetAction(obsBatch [][]float32, deterministic bool, rng *rand.Rand) (actions []int, logProbs []float32) {
	actions = make([]int, len(obsBatch))
	logProbs = make([]float32, len(obsBatch))
	for i := range obsBatch {
		logProbs[i] = -0.5
	}
	return
}

func TestWorkerCollectsTransitionsAndHarvests(t *testing.T) {
	factory := func() (simif.Gym, simif.Match) {
		return &fakeGym{doneEvery: 3, obsSize: 4}, fakeMatch{}
	}

	w := NewWorker(0, factory, 1, WorkerContext{Policy: stubPolicy{}, Seed: 1})
	for i := 0; i < 5; i++ {
		w.tick()
	}

	require.Equal(t, int64(5), w.StepCount())

	segments := w.harvest()
	require.Len(t, segments, 1)
	require.Len(t, segments[0], 5)

	// The 3rd transition (index 2) ended the episode (doneEvery=3): done=true.
	require.True(t, segments[0][2].Done)
	// The last transition was harvested mid-episode, so it must be marked truncated.
	require.True(t, segments[0][4].Truncated)
	require.False(t, segments[0][4].Done)

	require.Equal(t, int64(0), w.StepCount())
}

func TestPoolCollectAggregatesAcrossWorkers(t *testing.T) {
	factory := func() (simif.Gym, simif.Match) {
		return &fakeGym{doneEvery: 0, obsSize: 4}, fakeMatch{}
	}

	pool := NewPool(PoolConfig{Policy: stubPolicy{}, TickPeriod: time.Millisecond})
	pool.CreateWorkers(factory, 2, 1)
	pool.Start()
	defer pool.Stop()

	traj := pool.Collect(10)
	require.GreaterOrEqual(t, traj.Len(), 10)
	require.NotEmpty(t, traj.SegmentLengths)
}

func TestPoolRecordEpisodeRewardRunningAverage(t *testing.T) {
	pool := NewPool(PoolConfig{Policy: stubPolicy{}})
	pool.RecordEpisodeReward(10, 5)
	pool.RecordEpisodeReward(20, 5)

	m := pool.GetMetrics()
	require.InDelta(t, 15, m.AverageEpisodeReward, 1e-9)
	require.Equal(t, int64(2), m.EpisodeCount)
}
