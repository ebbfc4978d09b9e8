package calib

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synthRamp(n int, startHz, stepHz, lengthM, intercept float64) ([]float64, []complex128, []float64) {
	freqs := make([]float64, n)
	soln := make([]complex128, n)
	weights := make([]float64, n)
	slope := 2 * math.Pi * lengthM / SpeedOfLight
	for i := range freqs {
		freqs[i] = startHz + float64(i)*stepHz
		soln[i] = cmplx.Exp(complex(0, slope*freqs[i]+intercept))
		weights[i] = 1
	}
	return freqs, soln, weights
}

func TestWrapAngle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{math.Pi, -math.Pi},
		{-math.Pi, -math.Pi},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
		{4 * math.Pi, 0},
		{1, 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, WrapAngle(tt.in), 1e-12, "WrapAngle(%v)", tt.in)
	}
}

func TestWrapAngle_RangeAndIdempotent(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10_000; i++ {
		x := (rng.Float64() - 0.5) * 1e4
		w := WrapAngle(x)
		assert.GreaterOrEqual(t, w, -math.Pi)
		assert.Less(t, w, math.Pi)
		assert.Equal(t, w, WrapAngle(w))
	}
}

func TestFitPhaseLine_RecoversRamp(t *testing.T) {
	t.Parallel()

	freqs, soln, weights := synthRamp(100, 150e6, 40e3, 50, 0.7)
	fit, err := FitPhaseLine(freqs, soln, weights, PhaseFitOptions{NIter: 1})
	require.NoError(t, err)

	assert.InDelta(t, 50.0, fit.Length, 0.5)
	assert.InDelta(t, 0.7, fit.Intercept, 0.05)
	assert.Equal(t, 1.0, fit.Quality)
	assert.True(t, math.IsNaN(fit.IonoAlpha))
	assert.Less(t, fit.SigmaResid, 1e-6)
	assert.False(t, fit.Failed())
}

func TestFitPhaseLine_UnsortedInput(t *testing.T) {
	t.Parallel()

	freqs, soln, weights := synthRamp(64, 170e6, 80e3, -12, -2.1)
	rng := rand.New(rand.NewSource(3))
	rng.Shuffle(len(freqs), func(i, j int) {
		freqs[i], freqs[j] = freqs[j], freqs[i]
		soln[i], soln[j] = soln[j], soln[i]
	})

	fit, err := FitPhaseLine(freqs, soln, weights, PhaseFitOptions{})
	require.NoError(t, err)
	assert.InDelta(t, -12.0, fit.Length, 0.5)
	assert.InDelta(t, -2.1, fit.Intercept, 0.05)
	assert.Equal(t, 1.0, fit.Quality)
}

func TestFitPhaseLine_RejectsOutliers(t *testing.T) {
	t.Parallel()

	freqs, soln, weights := synthRamp(100, 150e6, 40e3, 50, 0.7)
	for _, i := range []int{7, 23, 48, 71, 90} {
		soln[i] *= cmplx.Exp(complex(0, 2.0))
	}

	res, err := FitPhaseRamp(freqs, soln, weights, PhaseFitOptions{NIter: 1})
	require.NoError(t, err)

	assert.InDelta(t, 50.0, res.Length, 0.5)
	assert.InDelta(t, 0.7, res.Intercept, 0.05)
	assert.Less(t, res.Quality, 1.0)
	assert.InDelta(t, 0.95, res.Quality, 1e-9)
	assert.Equal(t, Converged, res.Termination)
	assert.GreaterOrEqual(t, res.Iterations, 2)
}

func TestFitPhaseLine_RandomPhaseOutliers(t *testing.T) {
	t.Parallel()

	const nchan, nbad = 100, 5
	for seed := int64(1); seed <= 10; seed++ {
		freqs, soln, weights := synthRamp(nchan, 150e6, 40e3, 50, 0.7)
		rng := rand.New(rand.NewSource(seed))
		for _, i := range rng.Perm(nchan)[:nbad] {
			soln[i] = cmplx.Exp(complex(0, (rng.Float64()*2-1)*math.Pi))
		}

		res, err := FitPhaseRamp(freqs, soln, weights, PhaseFitOptions{NIter: 1})
		require.NoError(t, err, "seed %d", seed)
		assert.InDelta(t, 50.0, res.Length, 0.5, "seed %d", seed)
		assert.InDelta(t, 0.7, res.Intercept, 0.05, "seed %d", seed)
		assert.GreaterOrEqual(t, res.Quality, float64(nchan-nbad)/nchan-1e-9, "seed %d", seed)
	}
}

func TestFitPhaseRamp_TrimsOnResidualSpread(t *testing.T) {
	t.Parallel()

	// Residuals of +-0.01 rad sit well inside twice their own spread, so a
	// pass keeps every channel even though the slope stderr is ~1e-10 rad/Hz.
	freqs, soln, weights := synthRamp(100, 150e6, 40e3, 50, 0.7)
	for i := range soln {
		if i%2 == 0 {
			soln[i] *= cmplx.Exp(complex(0, 0.01))
		} else {
			soln[i] *= cmplx.Exp(complex(0, -0.01))
		}
	}

	res, err := FitPhaseRamp(freqs, soln, weights, PhaseFitOptions{})
	require.NoError(t, err)
	assert.Equal(t, Converged, res.Termination)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1.0, res.Quality)
	assert.InDelta(t, 0.01, res.SigmaResid, 1e-3)
	assert.Less(t, res.Stderr, 1e-6)
}

func TestFitPhaseLine_MasksInvalidChannels(t *testing.T) {
	t.Parallel()

	freqs, soln, weights := synthRamp(50, 150e6, 40e3, 20, 0.3)
	soln[3] = cmplx.NaN()
	weights[10] = 0
	weights[11] = -1

	fit, err := FitPhaseLine(freqs, soln, weights, PhaseFitOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 20.0, fit.Length, 0.5)
	assert.InDelta(t, 47.0/50.0, fit.Quality, 1e-9)
}

func TestFitPhaseLine_NotEnoughPhases(t *testing.T) {
	t.Parallel()

	freqs, soln, weights := synthRamp(10, 150e6, 40e3, 20, 0.3)
	for i := range weights {
		weights[i] = 0
	}
	weights[4] = 1

	fit, err := FitPhaseLine(freqs, soln, weights, PhaseFitOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotEnoughPhases))
	assert.False(t, errors.Is(err, ErrNoChannelSpacing))
	assert.Equal(t, 0.0, fit.Length)

	res, err := FitPhaseRamp(freqs, soln, weights, PhaseFitOptions{})
	assert.ErrorIs(t, err, ErrNotEnoughPhases)
	assert.Nil(t, res)
}

func TestFitPhaseLine_NoChannelSpacing(t *testing.T) {
	t.Parallel()

	freqs := []float64{150e6, 150e6, 150e6}
	soln := []complex128{1, 1, 1}
	weights := []float64{1, 1, 1}

	_, err := FitPhaseLine(freqs, soln, weights, PhaseFitOptions{})
	assert.ErrorIs(t, err, ErrNoChannelSpacing)
}

func TestFitPhaseLine_LengthMismatch(t *testing.T) {
	t.Parallel()

	_, err := FitPhaseLine([]float64{1, 2}, []complex128{1}, []float64{1, 1}, PhaseFitOptions{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotEnoughPhases))
}

func TestFitPhaseLine_Iono(t *testing.T) {
	t.Parallel()

	freqs, soln, weights := synthRamp(100, 150e6, 40e3, 30, -0.4)
	fit, err := FitPhaseLine(freqs, soln, weights, PhaseFitOptions{FitIono: true})
	require.NoError(t, err)

	assert.False(t, math.IsNaN(fit.IonoAlpha))
	assert.Equal(t, 1.0, fit.Quality)
	assert.Less(t, fit.SigmaResid, 1e-3)
}

func TestTerminationString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "converged", Converged.String())
	assert.Equal(t, "max_iterations", MaxIterationsReached.String())
	assert.Equal(t, "insufficient_channels", InsufficientChannels.String())
	assert.Equal(t, "fitting", stateFitting.String())
}

func TestFFTLen(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2, fftLen(0))
	assert.Equal(t, 16, fftLen(16))
	assert.Equal(t, 18, fftLen(17))
	assert.Equal(t, 750000, fftLen(749482))
	assert.Equal(t, maxFFTLen, fftLen(maxFFTLen))

	n := fftLen(maxFFTLen + 7)
	assert.GreaterOrEqual(t, n, maxFFTLen+7)
	assert.True(t, isSmooth(n), "fftLen(%d) = %d", maxFFTLen+7, n)
}

func isSmooth(n int) bool {
	for _, p := range []int{2, 3, 5} {
		for n%p == 0 {
			n /= p
		}
	}
	return n == 1
}

func TestCoarseFFTLen(t *testing.T) {
	t.Parallel()

	n, capped := coarseFFTLen(40e3, 100)
	assert.Equal(t, 750000, n)
	assert.False(t, capped)

	// 1 kHz channels would need ~3e7 points for 1 cm resolution.
	n, capped = coarseFFTLen(1e3, 10)
	assert.Equal(t, maxFFTLen, n)
	assert.True(t, capped)

	// The span always fits so channel bins never alias.
	n, capped = coarseFFTLen(1e3, maxFFTLen+5)
	assert.True(t, capped)
	assert.GreaterOrEqual(t, n, maxFFTLen+5)
	assert.True(t, isSmooth(n))
}

func TestUnwrap(t *testing.T) {
	t.Parallel()

	in := []float64{3.0, -3.0, -2.9, 3.1}
	out := unwrap(in)
	for i := 1; i < len(out); i++ {
		assert.Less(t, math.Abs(out[i]-out[i-1]), math.Pi)
	}
	assert.Equal(t, in[0], out[0])
}
