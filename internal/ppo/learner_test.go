package ppo

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

func TestConfigValidateRejectsIndivisibleBatchSize(t *testing.T) {
	cfg := Config{Epochs: 1, BatchSize: 10, MiniBatchSize: 3}
	require.Error(t, cfg.validate())
}

func TestConfigValidateRejectsAutocastOnCPU(t *testing.T) {
	cfg := Config{Epochs: 1, BatchSize: 4, MiniBatchSize: 4, AutocastLearn: true, Device: DeviceCPU}
	require.Error(t, cfg.validate())
}

func TestConfigValidateAcceptsDivisibleBatchSize(t *testing.T) {
	cfg := Config{Epochs: 1, BatchSize: 12, MiniBatchSize: 4}
	require.NoError(t, cfg.validate())
}

func TestConfigValidateRejectsGradClipNorm(t *testing.T) {
	cfg := Config{Epochs: 1, BatchSize: 4, MiniBatchSize: 4, GradClipNorm: 0.5}
	require.Error(t, cfg.validate())
}

func TestPooledChunkedSquaredDeviationMatchesWholeBatchWhenOneChunk(t *testing.T) {
	ratios := []float32{0.9, 1.0, 1.1, 1.2}
	sum, count := pooledChunkedSquaredDeviation(ratios, len(ratios))
	wantSum, wantN := ratioSquaredDeviation(ratios)
	require.Equal(t, 1, count)
	require.InDelta(t, wantSum/float64(wantN), sum, 1e-9)
}

func TestPooledChunkedSquaredDeviationPoolsEachChunkSeparately(t *testing.T) {
	ratios := []float32{1, 1, 2, 2, 3, 3}
	sum, count := pooledChunkedSquaredDeviation(ratios, 2)
	require.Equal(t, 3, count)
	chunk1Sum, _ := ratioSquaredDeviation(ratios[0:2])
	chunk2Sum, _ := ratioSquaredDeviation(ratios[2:4])
	chunk3Sum, _ := ratioSquaredDeviation(ratios[4:6])
	want := chunk1Sum/2 + chunk2Sum/2 + chunk3Sum/2
	require.InDelta(t, want, sum, 1e-9)
}

func TestRatioDiagnosticsClipFractionAndKL(t *testing.T) {
	// ratio=2.0 everywhere, clipRange=0.2: every sample is outside [0.8, 1.2].
	ratios := []float32{2, 2, 2, 2}
	logRatios := make([]float32, len(ratios))
	for i, r := range ratios {
		logRatios[i] = math32.Log(r)
	}

	meanRatio, kl, clipFrac := ratioDiagnostics(ratios, logRatios, 0.2)

	require.InDelta(t, 2.0, meanRatio, 1e-5)
	require.InDelta(t, 1.0, clipFrac, 1e-9)
	require.InDelta(t, 1-math32.Log(2), kl, 1e-4)
}
