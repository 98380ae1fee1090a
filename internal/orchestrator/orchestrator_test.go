package orchestrator

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"carsoccer-ppo/internal/buffer"
	"carsoccer-ppo/internal/collector"
	"carsoccer-ppo/internal/model"
	"carsoccer-ppo/internal/ppo"
	"carsoccer-ppo/internal/simif"
	"carsoccer-ppo/internal/stats"
)

const obsSize = 4
const actionAmount = 3

type fakeGym struct {
	step      int
	doneEvery int
}

func (g *fakeGym) Reset() [][]float32 {
	g.step = 0
	return [][]float32{make([]float32, obsSize)}
}

func (g *fakeGym) Step(actions []int) (nextObs [][]float32, reward []float32, done []bool) {
	g.step++
	isDone := g.doneEvery > 0 && g.step%g.doneEvery == 0
	return [][]float32{make([]float32, obsSize)}, []float32{1}, []bool{isDone}
}

type fakeMatch struct{}

func (fakeMatch) PlayerAmount() int  { return 1 }
func (fakeMatch) ActionAmount() int  { return actionAmount }
func (fakeMatch) PrevActions() []int { return nil }
func (fakeMatch) PrevState() any     { return nil }

func newTestPool(t *testing.T, policy *model.Policy) *collector.Pool {
	t.Helper()
	factory := func() (simif.Gym, simif.Match) {
		return &fakeGym{doneEvery: 4}, fakeMatch{}
	}
	pool := collector.NewPool(collector.PoolConfig{Policy: policy, TickPeriod: time.Microsecond})
	pool.CreateWorkers(factory, 2, 1)
	pool.Start()
	t.Cleanup(pool.Stop)
	return pool
}

func newTestOrchestrator(t *testing.T, policyLR, criticLR float32) (*Orchestrator, *model.Policy, *model.Value) {
	t.Helper()
	policy := model.NewPolicy(obsSize, actionAmount)
	value := model.NewValue(obsSize)
	pool := newTestPool(t, policy)
	buf := buffer.New(64, 1)

	learner, err := ppo.New(policy, value, ppo.Config{
		Epochs: 1, BatchSize: 8, MiniBatchSize: 4,
		ClipRange: 0.2, EntCoef: 0.0, PolicyLR: policyLR, CriticLR: criticLR,
		Device: ppo.DeviceCPU,
	})
	require.NoError(t, err)

	cfg := Config{
		TimestepsPerIteration: 8,
		GAEChunkSize:          16,
		Gamma:                 0.99,
		Lambda:                0.95,
		ReturnStdFloor:        1e-4,
		NormalizeAdvantages:   true,
		AdvantageStdFloor:     1e-4,
		CollectionDuringLearn: true,
		Seed:                  1,
	}
	o, err := New(cfg, Dependencies{
		Pool: pool, Buffer: buf, Learner: learner, Policy: policy, Value: value,
		ReturnStats: stats.NewRunningMeanStd(),
	})
	require.NoError(t, err)
	return o, policy, value
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Config{TimestepsPerIteration: 1, GAEChunkSize: 1, Gamma: 0.99}, Dependencies{})
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	policy := model.NewPolicy(obsSize, actionAmount)
	value := model.NewValue(obsSize)
	pool := newTestPool(t, policy)
	buf := buffer.New(8, 1)
	learner, err := ppo.New(policy, value, ppo.Config{Epochs: 1, BatchSize: 4, MiniBatchSize: 4, PolicyLR: 0.01, CriticLR: 0.01})
	require.NoError(t, err)

	_, err = New(Config{TimestepsPerIteration: 0, GAEChunkSize: 1, Gamma: 0.99}, Dependencies{
		Pool: pool, Buffer: buf, Learner: learner, Policy: policy, Value: value,
	})
	require.Error(t, err)
}

func TestRunOneIterationAdvancesTimestepsAndLearns(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1e-3, 1e-3)
	require.NoError(t, o.runIteration())
	require.GreaterOrEqual(t, o.cumulativeTimesteps, int64(8))
	require.Equal(t, 1, o.epoch)
}

func TestZeroLearningRatesLeaveParametersUnchanged(t *testing.T) {
	o, policy, value := newTestOrchestrator(t, 0, 0)

	probe := [][]float32{make([]float32, obsSize)}
	beforePolicy := policy.GetActionProbs(probe)[0]
	beforeValue := value.GetValues(probe)[0]

	require.NoError(t, o.runIteration())

	afterPolicy := policy.GetActionProbs(probe)[0]
	afterValue := value.GetValues(probe)[0]

	require.Equal(t, 0, o.epoch, "learn phase must be skipped entirely when both LRs are zero")
	for i := range beforePolicy {
		require.InDelta(t, beforePolicy[i], afterPolicy[i], 1e-9)
	}
	require.InDelta(t, beforeValue, afterValue, 1e-9)
}

func TestRunRespectsTimestepLimit(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1e-3, 1e-3)
	o.cfg.TimestepLimit = 8

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx))
	require.GreaterOrEqual(t, o.cumulativeTimesteps, int64(8))
}

func TestSampleReturnsCapsCount(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	returns := make([]float32, 100)
	for i := range returns {
		returns[i] = float32(i)
	}
	sampled := sampleReturns(returns, 10, rng)
	require.Len(t, sampled, 10)
}

func TestSampleReturnsNoCapReturnsAll(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	returns := []float32{1, 2, 3}
	require.Equal(t, returns, sampleReturns(returns, 0, rng))
	require.Equal(t, returns, sampleReturns(returns, 10, rng))
}
