package collector

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"carsoccer-ppo/internal/generics"
	"carsoccer-ppo/internal/simif"
)

// PoolConfig configures the collector pool.
type PoolConfig struct {
	Policy               Policy
	Deterministic        bool
	BlockConcurrentInfer bool
	RenderDuringTraining bool
	RenderSink           simif.RenderSink
	TickPeriod           time.Duration
	MaxCollectPerWorker  int64
	Seed                 uint64
}

// Pool owns a fixed set of collector workers and coordinates harvesting their trajectory
// segments into a single GameTrajectory per iteration.
type Pool struct {
	cfg               PoolConfig
	workers           []*Worker
	inferMutex        sync.Mutex
	disableCollection atomic.Bool

	metrics   Metrics
	metricsMu sync.Mutex
}

// NewPool creates an empty pool; call CreateWorkers before Start.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{cfg: cfg}
}

// CreateWorkers instantiates count workers, each owning gamesPerWorker games from factory. When
// RenderDuringTraining is set, worker 0 gets a single game so its render output stays legible.
func (p *Pool) CreateWorkers(factory simif.GameFactory, count, gamesPerWorker int) {
	p.workers = make([]*Worker, count)
	for i := 0; i < count; i++ {
		numGames := gamesPerWorker
		renderMode := false
		if i == 0 && p.cfg.RenderDuringTraining {
			numGames = 1
			renderMode = true
		}

		wctx := WorkerContext{
			Policy:              p.cfg.Policy,
			Deterministic:       p.cfg.Deterministic,
			DisableCollection:   &p.disableCollection,
			RenderSink:          p.cfg.RenderSink,
			RenderMode:          renderMode,
			TickPeriod:          p.cfg.TickPeriod,
			MaxCollectPerWorker: p.cfg.MaxCollectPerWorker,
			Seed:                p.cfg.Seed,
		}
		if p.cfg.BlockConcurrentInfer {
			wctx.InferMutex = &p.inferMutex
		}
		p.workers[i] = NewWorker(i, factory, numGames, wctx)
	}
}

// Start launches every worker on its own goroutine.
func (p *Pool) Start() {
	for _, w := range p.workers {
		go w.Run()
	}
}

// Stop broadcasts a stop request to every worker and waits for all of them to exit.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}

// SetDisableCollection freezes (or unfreezes) every worker's tick loop, used by the orchestrator
// while the learner has exclusive use of an accelerator device.
func (p *Pool) SetDisableCollection(disabled bool) {
	p.disableCollection.Store(disabled)
}

// Collect spin-waits until the sum of every worker's step counter reaches targetSteps, then
// harvests all non-empty trajectory segments into a single GameTrajectory and resets counters.
func (p *Pool) Collect(targetSteps int64) GameTrajectory {
	start := time.Now()
	for p.totalSteps() < targetSteps {
		runtime.Gosched()
	}

	var traj GameTrajectory
	contributed := generics.MakeSet[int](len(p.workers))
	for i, w := range p.workers {
		for _, seg := range w.harvest() {
			traj.appendSegment(seg)
			contributed.Insert(i)
		}
	}

	elapsed := time.Since(start)
	p.metricsMu.Lock()
	p.metrics.IterationTime = elapsed
	p.metricsMu.Unlock()

	if stalled := p.allWorkerIDs().Sub(contributed); len(stalled) > 0 {
		klog.V(1).Infof("collector: %d worker(s) contributed no segments this iteration", len(stalled))
	}
	klog.V(1).Infof("collector: pool collected %d transitions in %s", traj.Len(), elapsed)
	return traj
}

func (p *Pool) allWorkerIDs() generics.Set[int] {
	ids := generics.MakeSet[int](len(p.workers))
	for i := range p.workers {
		ids.Insert(i)
	}
	return ids
}

func (p *Pool) totalSteps() int64 {
	var total int64
	for _, w := range p.workers {
		total += w.StepCount()
	}
	return total
}

// Metrics is the per-iteration aggregate the pool reports to the orchestrator.
type Metrics struct {
	IterationTime      time.Duration
	AverageStepReward  float64
	AverageEpisodeReward float64
	EpisodeCount       int64
}

// GetMetrics returns a snapshot of the pool's aggregated metrics.
func (p *Pool) GetMetrics() Metrics {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	return p.metrics
}

// ResetMetrics clears the accumulated reward/episode counters (timing is left untouched until
// the next Collect overwrites it).
func (p *Pool) ResetMetrics() {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	p.metrics.AverageStepReward = 0
	p.metrics.AverageEpisodeReward = 0
	p.metrics.EpisodeCount = 0
}

// RecordEpisodeReward folds one finished episode's total reward into the running averages.
// Called by the orchestrator once it has computed per-episode rewards from a harvested
// trajectory (the pool itself doesn't track episode boundaries across the flattened
// GameTrajectory).
func (p *Pool) RecordEpisodeReward(totalReward float64, stepCount int) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	n := float64(p.metrics.EpisodeCount)
	p.metrics.AverageEpisodeReward = (p.metrics.AverageEpisodeReward*n + totalReward) / (n + 1)
	if stepCount > 0 {
		p.metrics.AverageStepReward = (p.metrics.AverageStepReward*n + totalReward/float64(stepCount)) / (n + 1)
	}
	p.metrics.EpisodeCount++
}
