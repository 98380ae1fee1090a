package collector

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"carsoccer-ppo/internal/simif"
)

// Policy is the narrow read-only inference surface a collector worker needs. model.Policy
// satisfies it; tests use a stub, keeping this package independent of the tensor backend.
type Policy interface {
	GetAction(obsBatch [][]float32, deterministic bool, rng *rand.Rand) (actions []int, logProbs []float32)
}

// gameInstance pairs one simulator instance with its bookkeeping: the last observation for each
// of its players, and one trajectory segment per player.
type gameInstance struct {
	gym   simif.Gym
	match simif.Match

	lastObs  [][]float32
	segments [][]Transition // segments[player] is that player's in-flight transitions.
}

// WorkerContext bundles the capabilities a worker needs from its pool, replacing the
// back-pointer-to-manager idiom the design notes flag as worth avoiding.
type WorkerContext struct {
	Policy               Policy
	Deterministic        bool
	InferMutex           *sync.Mutex // shared across all workers when BlockConcurrentInfer is set; nil otherwise.
	DisableCollection    *atomic.Bool
	RenderSink           simif.RenderSink
	RenderMode           bool
	TickPeriod           time.Duration
	MaxCollectPerWorker  int64
	Seed                 uint64
}

// Worker owns a fixed set of game instances and drives them on a dedicated goroutine, one tick
// at a time.
type Worker struct {
	id  int
	ctx WorkerContext

	games []gameInstance
	rng   *rand.Rand

	trajMutex sync.Mutex
	stepCount atomic.Int64

	shouldRun atomic.Bool
	isRunning atomic.Bool
}

// NewWorker creates a worker with numGames fresh games from factory.
func NewWorker(id int, factory simif.GameFactory, numGames int, wctx WorkerContext) *Worker {
	w := &Worker{id: id, ctx: wctx, rng: rand.New(rand.NewPCG(wctx.Seed, uint64(id)))}
	w.games = make([]gameInstance, numGames)
	for i := 0; i < numGames; i++ {
		gym, match := factory()
		obs := gym.Reset()
		w.games[i] = gameInstance{
			gym:      gym,
			match:    match,
			lastObs:  obs,
			segments: make([][]Transition, match.PlayerAmount()),
		}
	}
	return w
}

// Run drives the worker's tick loop until Stop is called. It's meant to be launched on its own
// goroutine by the pool.
func (w *Worker) Run() {
	w.shouldRun.Store(true)
	w.isRunning.Store(true)
	defer w.isRunning.Store(false)

	klog.V(1).Infof("collector: worker %d starting, %d games", w.id, len(w.games))
	for w.shouldRun.Load() {
		w.tick()
	}
	klog.V(1).Infof("collector: worker %d stopped", w.id)
}

// Stop requests the worker's loop to exit and spins until it observes the exit.
func (w *Worker) Stop() {
	w.shouldRun.Store(false)
	for w.isRunning.Load() {
		runtime.Gosched()
	}
}

// StepCount returns the number of transitions collected since the last harvest.
func (w *Worker) StepCount() int64 { return w.stepCount.Load() }

func (w *Worker) tick() {
	if w.ctx.MaxCollectPerWorker > 0 && w.stepCount.Load() >= w.ctx.MaxCollectPerWorker {
		runtime.Gosched()
		return
	}
	if w.ctx.DisableCollection != nil && w.ctx.DisableCollection.Load() {
		runtime.Gosched()
		return
	}

	obsBatch, offsets := w.buildObservationBatch()
	if len(obsBatch) == 0 {
		return
	}

	actions, logProbs := w.infer(obsBatch)

	for gi := range w.games {
		lo, hi := offsets[gi], offsets[gi+1]
		gameActions := actions[lo:hi]
		gameLogProbs := logProbs[lo:hi]

		nextObs, reward, done := w.games[gi].gym.Step(gameActions)
		w.recordOrRender(gi, gameActions, gameLogProbs, reward, done, nextObs)
	}
}

func (w *Worker) buildObservationBatch() (obs [][]float32, offsets []int) {
	offsets = make([]int, len(w.games)+1)
	for gi, g := range w.games {
		obs = append(obs, g.lastObs...)
		offsets[gi+1] = len(obs)
	}
	return
}

func (w *Worker) infer(obsBatch [][]float32) (actions []int, logProbs []float32) {
	if w.ctx.InferMutex != nil {
		w.ctx.InferMutex.Lock()
		defer w.ctx.InferMutex.Unlock()
	}
	return w.ctx.Policy.GetAction(obsBatch, w.ctx.Deterministic, w.rng)
}

func (w *Worker) recordOrRender(gi int, actions []int, logProbs []float32, reward []float32, done []bool, nextObs [][]float32) {
	game := &w.games[gi]

	if w.ctx.RenderMode {
		if w.ctx.RenderSink != nil {
			w.ctx.RenderSink.Render(game.match.PrevState(), game.match.PrevActions())
		}
		if allDone(done) {
			game.lastObs = game.gym.Reset()
		} else {
			game.lastObs = nextObs
		}
		time.Sleep(w.ctx.TickPeriod)
		return
	}

	w.trajMutex.Lock()
	added := 0
	for p := range game.segments {
		if p >= len(actions) {
			break
		}
		game.segments[p] = append(game.segments[p], Transition{
			Obs:     game.lastObs[p],
			NextObs: nextObs[p],
			Action:  actions[p],
			LogProb: logProbs[p],
			Reward:  reward[p],
			Done:    done[p],
		})
		added++
	}
	w.trajMutex.Unlock()
	w.stepCount.Add(int64(added))

	if allDone(done) {
		game.lastObs = game.gym.Reset()
	} else {
		game.lastObs = nextObs
	}
}

func allDone(done []bool) bool {
	for _, d := range done {
		if !d {
			return false
		}
	}
	return len(done) > 0
}

// harvest returns every non-empty trajectory segment across every game, fixing the final
// truncation flag on each, and resets the worker's segments and step counter.
func (w *Worker) harvest() [][]Transition {
	w.trajMutex.Lock()
	defer w.trajMutex.Unlock()

	var segments [][]Transition
	for gi := range w.games {
		for p, seg := range w.games[gi].segments {
			if len(seg) == 0 {
				continue
			}
			fixFinalTruncation(seg)
			segments = append(segments, seg)
			w.games[gi].segments[p] = nil
		}
	}
	w.stepCount.Store(0)
	return segments
}
