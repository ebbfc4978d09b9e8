package calib

import (
	"errors"
	"math"
	"math/cmplx"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/mwa-demo/calfit/internal/model"
)

// SpeedOfLight in m/s.
const SpeedOfLight = 299792458.0

const (
	// delayResolutionM is the target resolution of the coarse delay search.
	delayResolutionM = 0.01
	// maxFFTLen bounds the coarse search buffer (128 MiB) for very fine
	// channel combs. Above it the delay resolution degrades; see coarseFFTLen.
	maxFFTLen = 1 << 23

	minIterations = 10
	rejectNSigma  = 2.0
	// minRejectResid is the smallest residual (rad) that can be rejected.
	minRejectResid = 1e-4

	maxAlphaEstimate = 1e12
	slopeBound       = 6e-6 // rad/Hz, roughly +-300m of cable
	alphaBound       = 1e11 // rad*Hz
)

var (
	// ErrNotEnoughPhases is returned when fewer than two finite, positively
	// weighted channels remain. Callers record a NaN fit and move on.
	ErrNotEnoughPhases = errors.New("calib: not enough valid phases to fit")
	// ErrNoChannelSpacing is returned when no two channels differ in frequency.
	ErrNoChannelSpacing = errors.New("calib: no positive channel spacing")
)

// PhaseFitOptions controls FitPhaseLine.
type PhaseFitOptions struct {
	// NIter is the minimum refinement iteration cap; at least 10 are allowed.
	NIter int
	// FitIono adds an alpha/nu ionospheric term to the model.
	FitIono bool
}

// WrapAngle wraps an angle into [-pi, pi).
func WrapAngle(x float64) float64 {
	if x >= -math.Pi && x < math.Pi {
		return x
	}
	m := math.Mod(x+math.Pi, 2*math.Pi)
	if m < 0 {
		m += 2 * math.Pi
	}
	if m >= 2*math.Pi {
		m = 0
	}
	return m - math.Pi
}

// Termination records why the refinement loop stopped.
type Termination int

const (
	stateFitting Termination = iota
	// Converged means the last pass rejected no channels.
	Converged
	// MaxIterationsReached means the iteration cap stopped the loop.
	MaxIterationsReached
	// InsufficientChannels means rejection left fewer than two channels.
	InsufficientChannels
)

func (t Termination) String() string {
	switch t {
	case Converged:
		return "converged"
	case MaxIterationsReached:
		return "max_iterations"
	case InsufficientChannels:
		return "insufficient_channels"
	}
	return "fitting"
}

// PhaseFitResult is FitPhaseLine output with loop diagnostics.
type PhaseFitResult struct {
	model.PhaseFitInfo
	Termination Termination
	Iterations  int
}

// FitPhaseLine fits a linear phase ramp (plus an optional 1/nu term) to a
// complex per-channel solution. See FitPhaseRamp for diagnostics.
func FitPhaseLine(freqsHz []float64, soln []complex128, weights []float64, opts PhaseFitOptions) (model.PhaseFitInfo, error) {
	res, err := FitPhaseRamp(freqsHz, soln, weights, opts)
	if err != nil {
		return model.PhaseFitInfo{}, err
	}
	return res.PhaseFitInfo, nil
}

// FitPhaseRamp runs the coarse FFT delay search followed by iteratively
// reweighted refinement with residual outlier trimming.
//
// Each pass drops channels whose wrapped residual is at least twice the
// residual standard deviation, floored at minRejectResid. The slope standard
// error is in rad/Hz and is not used as the cutoff: against phase residuals
// in rad it would reject every channel. It is reported in Stderr.
func FitPhaseRamp(freqsHz []float64, soln []complex128, weights []float64, opts PhaseFitOptions) (*PhaseFitResult, error) {
	nfreqs := len(freqsHz)
	if len(soln) != nfreqs || len(weights) != nfreqs {
		return nil, eris.Errorf("calib: phase fit length mismatch: %d freqs, %d solutions, %d weights",
			nfreqs, len(soln), len(weights))
	}

	order := make([]int, nfreqs)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return freqsHz[order[a]] < freqsHz[order[b]] })

	binWidth := math.Inf(1)
	for i := 1; i < nfreqs; i++ {
		if d := freqsHz[order[i]] - freqsHz[order[i-1]]; d > 0 && d < binWidth {
			binWidth = d
		}
	}

	var freqs, w []float64
	var data []complex128
	for _, i := range order {
		s := soln[i]
		if cmplx.IsNaN(s) || cmplx.IsInf(s) || !(weights[i] > 0) {
			continue
		}
		mag := cmplx.Abs(s)
		if mag == 0 {
			continue
		}
		freqs = append(freqs, freqsHz[i])
		w = append(w, weights[i])
		data = append(data, s/complex(mag, 0)*complex(weights[i], 0))
	}
	if len(data) < 2 {
		return nil, ErrNotEnoughPhases
	}
	if math.IsInf(binWidth, 1) {
		return nil, ErrNoChannelSpacing
	}

	slope := coarseSlope(freqs, data, binWidth)
	intercept := circularMean(freqs, data, slope, 0)
	alpha := 0.0
	if opts.FitIono {
		alpha = estimateAlpha(freqs, data, w, slope, intercept)
	}

	phases := make([]float64, len(data))
	for i, d := range data {
		phases[i] = cmplx.Phase(d)
	}

	f := newRampFit(freqs, opts.FitIono)
	params := f.toScaled(slope, intercept, alpha)

	maxIter := opts.NIter
	if maxIter < minIterations {
		maxIter = minIterations
	}

	res := &PhaseFitResult{}
	var stats fitStats
	state := stateFitting
	for state == stateFitting {
		params = f.minimize(params, phases)
		if opts.FitIono {
			params = f.applyBounds(params, phases)
		}
		stats = f.statistics(params, phases)
		res.Iterations++

		threshold := math.Max(rejectNSigma*stats.residStd, minRejectResid)
		var keep []int
		for i, r := range stats.resid {
			if math.Abs(r) < threshold {
				keep = append(keep, i)
			}
		}

		switch {
		case len(keep) == len(phases):
			state = Converged
		case len(keep) < 2:
			state = InsufficientChannels
		case res.Iterations >= maxIter:
			state = MaxIterationsReached
		}
		f = f.subset(keep)
		phases = pick(phases, keep)
	}

	slope, intercept, alpha = f.fromScaled(params)
	res.Termination = state
	res.PhaseFitInfo = model.PhaseFitInfo{
		Length:     SpeedOfLight * slope / (2 * math.Pi),
		Intercept:  WrapAngle(intercept),
		IonoAlpha:  math.NaN(),
		SigmaResid: stats.residStd,
		Chi2Dof:    stats.chi2dof,
		Quality:    float64(len(phases)) / float64(nfreqs),
		Stderr:     stats.stderr[0],
	}
	if opts.FitIono {
		res.IonoAlpha = alpha
	}
	return res, nil
}

// coarseSlope places the weighted unit phasors on a zero padded grid
// centred on the DC bin and takes the peak of the inverse FFT as the
// delay. The pad length comes from coarseFFTLen.
func coarseSlope(freqs []float64, data []complex128, binWidth float64) float64 {
	bins := make([]int, len(freqs))
	lo, hi := math.MaxInt, math.MinInt
	for i, f := range freqs {
		bins[i] = int(math.Round(f / binWidth))
		lo = min(lo, bins[i])
		hi = max(hi, bins[i])
	}
	ctr := floorDiv(lo+hi, 2)

	n, capped := coarseFFTLen(binWidth, hi-lo+1)
	if capped {
		zap.L().Debug("coarse delay search length capped",
			zap.Int("fft_len", n),
			zap.Float64("chan_width_hz", binWidth),
			zap.Float64("resolution_m", SpeedOfLight/(float64(n)*binWidth)))
	}

	buf := make([]complex128, n)
	for i, b := range bins {
		buf[((b-ctr)%n+n)%n] = data[i]
	}
	fft := fourier.NewCmplxFFT(n)
	buf = fft.Sequence(buf, buf)

	peak, best := 0, -1.0
	for k, v := range buf {
		if p := real(v)*real(v) + imag(v)*imag(v); p > best {
			peak, best = k, p
		}
	}
	k := peak
	if k >= (n+1)/2 {
		k -= n
	}
	return -2 * math.Pi * float64(k) / (float64(n) * binWidth)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// coarseFFTLen returns the coarse search length for channels binWidth Hz
// apart spanning span bins. The length follows from the Nyquist rate of the
// target delay resolution, never shorter than the span so bins do not alias.
// A length above maxFFTLen is reduced to the larger of maxFFTLen and the
// span, and capped reports that the resolution is coarser than
// delayResolutionM.
func coarseFFTLen(binWidth float64, span int) (n int, capped bool) {
	nyquist := 0.5 / (delayResolutionM / SpeedOfLight)
	want := 2 * int(math.Round(nyquist/binWidth))
	if want > maxFFTLen {
		want, capped = maxFFTLen, true
	}
	return fftLen(max(want, span)), capped
}

// fftLen returns the smallest 2,3,5-smooth length >= n.
func fftLen(n int) int {
	if n < 2 {
		n = 2
	}
	for m := n; ; m++ {
		r := m
		for _, p := range []int{2, 3, 5} {
			for r%p == 0 {
				r /= p
			}
		}
		if r == 1 {
			return m
		}
	}
}

// circularMean returns the phase of the mean of data after removing the
// given model.
func circularMean(freqs []float64, data []complex128, slope, alpha float64) float64 {
	var sum complex128
	for i, d := range data {
		sum += d * cmplx.Exp(complex(0, -(slope*freqs[i]+alpha/freqs[i])))
	}
	return cmplx.Phase(sum)
}

// estimateAlpha is a weighted least squares fit of the unwrapped detrended
// phase against 1/nu. Implausible estimates fall back to zero.
func estimateAlpha(freqs []float64, data []complex128, w []float64, slope, intercept float64) float64 {
	detrended := make([]float64, len(data))
	for i, d := range data {
		detrended[i] = cmplx.Phase(d * cmplx.Exp(complex(0, -(slope*freqs[i]+intercept))))
	}
	detrended = unwrap(detrended)

	var num, den float64
	for i, p := range detrended {
		num += w[i] * p / freqs[i]
		den += w[i] / (freqs[i] * freqs[i])
	}
	alpha := num / den
	if math.IsNaN(alpha) || math.IsInf(alpha, 0) || math.Abs(alpha) > maxAlphaEstimate {
		return 0
	}
	return alpha
}

// unwrap removes 2pi jumps between consecutive phases.
func unwrap(p []float64) []float64 {
	out := make([]float64, len(p))
	if len(p) == 0 {
		return out
	}
	out[0] = p[0]
	var correction float64
	for i := 1; i < len(p); i++ {
		d := p[i] - p[i-1]
		if math.Abs(d) >= math.Pi {
			dd := math.Mod(d+math.Pi, 2*math.Pi)
			if dd < 0 {
				dd += 2 * math.Pi
			}
			dd -= math.Pi
			if dd == -math.Pi && d > 0 {
				dd = math.Pi
			}
			correction += dd - d
		}
		out[i] = p[i] + correction
	}
	return out
}

func pick[T any](s []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = s[j]
	}
	return out
}

// rampFit evaluates the phase model in scaled coordinates so every
// parameter is of order one:
//
//	phi(nu) = x0*(nu-nu0)/span + x1 + x2*(1/nu-1/nu0)/inv
type rampFit struct {
	freqs   []float64
	iono    bool
	nu0     float64
	span    float64
	invSpan float64
}

func newRampFit(freqs []float64, iono bool) rampFit {
	lo, hi := freqs[0], freqs[len(freqs)-1]
	nu0 := stat.Mean(freqs, nil)
	span := (hi - lo) / 2
	if span <= 0 {
		span = 1
	}
	inv := math.Abs(1/lo-1/hi) / 2
	if inv == 0 || math.IsNaN(inv) || math.IsInf(inv, 0) {
		inv = 1 / (nu0 * nu0)
	}
	return rampFit{freqs: freqs, iono: iono, nu0: nu0, span: span, invSpan: inv}
}

func (f rampFit) nparams() int {
	if f.iono {
		return 3
	}
	return 2
}

func (f rampFit) subset(idx []int) rampFit {
	f.freqs = pick(f.freqs, idx)
	return f
}

func (f rampFit) toScaled(slope, intercept, alpha float64) []float64 {
	x := []float64{slope * f.span, intercept + slope*f.nu0}
	if f.iono {
		x[1] += alpha / f.nu0
		x = append(x, alpha*f.invSpan)
	}
	return x
}

func (f rampFit) fromScaled(x []float64) (slope, intercept, alpha float64) {
	slope = x[0] / f.span
	intercept = x[1] - slope*f.nu0
	if f.iono {
		alpha = x[2] / f.invSpan
		intercept -= alpha / f.nu0
	}
	return slope, intercept, alpha
}

// jacobianRow is d(phi)/dx at nu.
func (f rampFit) jacobianRow(nu float64, row []float64) {
	row[0] = (nu - f.nu0) / f.span
	row[1] = 1
	if f.iono {
		row[2] = (1/nu - 1/f.nu0) / f.invSpan
	}
}

func (f rampFit) phase(x []float64, nu float64) float64 {
	p := x[0]*(nu-f.nu0)/f.span + x[1]
	if f.iono {
		p += x[2] * (1/nu - 1/f.nu0) / f.invSpan
	}
	return p
}

func (f rampFit) residuals(x, phases []float64) []float64 {
	r := make([]float64, len(phases))
	for i, nu := range f.freqs {
		r[i] = WrapAngle(phases[i] - f.phase(x, nu))
	}
	return r
}

// normal returns J^T J for the current channel set.
func (f rampFit) normal() *mat.SymDense {
	p := f.nparams()
	jac := mat.NewDense(len(f.freqs), p, nil)
	row := make([]float64, p)
	for i, nu := range f.freqs {
		f.jacobianRow(nu, row)
		jac.SetRow(i, row)
	}
	var jtj mat.SymDense
	jtj.SymOuterK(1, jac.T())
	return &jtj
}

// minimize refines x by minimising the sum of squared wrapped residuals.
// A failed minimisation keeps the best location reached.
func (f rampFit) minimize(x0, phases []float64) []float64 {
	jtj := f.normal()
	p := f.nparams()
	row := make([]float64, p)
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			var cost float64
			for _, r := range f.residuals(x, phases) {
				cost += r * r
			}
			return cost
		},
		Grad: func(grad, x []float64) {
			for k := range grad {
				grad[k] = 0
			}
			for i, r := range f.residuals(x, phases) {
				f.jacobianRow(f.freqs[i], row)
				for k := range grad {
					grad[k] -= 2 * r * row[k]
				}
			}
		},
		Hess: func(hess *mat.SymDense, _ []float64) {
			for i := 0; i < p; i++ {
				for j := i; j < p; j++ {
					hess.SetSym(i, j, 2*jtj.At(i, j))
				}
			}
		},
	}
	result, err := optimize.Minimize(problem, x0, &optimize.Settings{MajorIterations: 200}, &optimize.Newton{})
	if result == nil || (err != nil && result.F > problem.Func(x0)) {
		return x0
	}
	for _, v := range result.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return x0
		}
	}
	return result.X
}

// applyBounds clamps slope and alpha to physically plausible ranges. The
// intercept is a phase and is only wrapped; after clamping it is re-derived
// from the data.
func (f rampFit) applyBounds(x, phases []float64) []float64 {
	slope, intercept, alpha := f.fromScaled(x)
	clamped := false
	if math.Abs(slope) > slopeBound {
		slope = math.Copysign(slopeBound, slope)
		clamped = true
	}
	if math.Abs(alpha) > alphaBound {
		alpha = math.Copysign(alphaBound, alpha)
		clamped = true
	}
	if clamped {
		data := make([]complex128, len(phases))
		for i, ph := range phases {
			data[i] = cmplx.Exp(complex(0, ph))
		}
		intercept = circularMean(f.freqs, data, slope, alpha)
	}
	return f.toScaled(slope, WrapAngle(intercept), alpha)
}

type fitStats struct {
	resid    []float64
	residStd float64
	chi2dof  float64
	// stderr holds slope, intercept and (if fitted) alpha standard errors
	// in natural units.
	stderr []float64
}

func (f rampFit) statistics(x, phases []float64) fitStats {
	resid := f.residuals(x, phases)
	n := float64(len(resid))
	p := f.nparams()
	dof := n - float64(p)

	var ss float64
	for _, r := range resid {
		ss += r * r
	}
	_, variance := stat.MeanVariance(resid, nil)
	st := fitStats{
		resid:    resid,
		residStd: math.Sqrt(variance * (n - 1) / n),
		chi2dof:  math.NaN(),
	}
	residVar := math.NaN()
	if dof > 0 {
		st.chi2dof = ss / dof
		residVar = variance * (n - 1) / dof
	}

	st.stderr = f.stderr(residVar)
	if st.stderr == nil {
		st.stderr = make([]float64, p)
		for i := range st.stderr {
			st.stderr[i] = st.residStd
		}
	}
	return st
}

// stderr propagates the Gauss-Newton covariance inv(2 J^T J) * var back to
// the natural parameters. It returns nil when the curvature is singular.
func (f rampFit) stderr(residVar float64) []float64 {
	if math.IsNaN(residVar) {
		return nil
	}
	p := f.nparams()
	hess := f.normal()
	hess.ScaleSym(2, hess)

	var chol mat.Cholesky
	if ok := chol.Factorize(hess); !ok {
		return nil
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil
	}

	// rows map scaled errors onto slope, intercept and alpha.
	transforms := [][]float64{
		{1 / f.span, 0, 0},
		{-f.nu0 / f.span, 1, 0},
	}
	if f.iono {
		transforms[1][2] = -1 / (f.invSpan * f.nu0)
		transforms = append(transforms, []float64{0, 0, 1 / f.invSpan})
	}
	out := make([]float64, len(transforms))
	for i, t := range transforms {
		v := mat.NewVecDense(p, t[:p])
		out[i] = math.Sqrt(mat.Inner(v, &cov, v) * residVar)
		if math.IsNaN(out[i]) {
			return nil
		}
	}
	return out
}
