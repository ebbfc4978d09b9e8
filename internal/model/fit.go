package model

import "math"

// Pol names an instrumental polarization.
type Pol string

const (
	PolXX Pol = "XX"
	PolYY Pol = "YY"
)

// Suffix returns the lower-case column suffix for the polarization.
func (p Pol) Suffix() string {
	switch p {
	case PolXX:
		return "_xx"
	case PolYY:
		return "_yy"
	default:
		return "_" + string(p)
	}
}

// PhaseFitInfo summarizes a phase ramp fit for one tile/pol/timeblock.
// An all-NaN value means the fit failed; see NaNPhaseFit.
type PhaseFitInfo struct {
	Length     float64 `json:"length"`      // equivalent cable length (m)
	Intercept  float64 `json:"intercept"`   // radians, [-pi, pi)
	IonoAlpha  float64 `json:"iono_alpha"`  // rad*Hz, NaN unless fitted
	SigmaResid float64 `json:"sigma_resid"` // residual phase std-dev
	Chi2Dof    float64 `json:"chi2dof"`
	Quality    float64 `json:"quality"` // fraction of channels kept
	Stderr     float64 `json:"stderr"`  // slope standard error
}

// NaNPhaseFit returns the fit-failed sentinel.
func NaNPhaseFit() PhaseFitInfo {
	nan := math.NaN()
	return PhaseFitInfo{
		Length: nan, Intercept: nan, IonoAlpha: nan,
		SigmaResid: nan, Chi2Dof: nan, Quality: nan, Stderr: nan,
	}
}

// Failed reports whether f is the NaN sentinel.
func (f PhaseFitInfo) Failed() bool {
	return math.IsNaN(f.Length) && math.IsNaN(f.Intercept) && math.IsNaN(f.Quality)
}

// PhaseFitFields lists the fit columns in declaration order.
var PhaseFitFields = []string{"length", "intercept", "iono_alpha", "sigma_resid", "chi2dof", "quality", "stderr"}

// Field returns a fit value by column name.
func (f PhaseFitInfo) Field(name string) float64 {
	switch name {
	case "length":
		return f.Length
	case "intercept":
		return f.Intercept
	case "iono_alpha":
		return f.IonoAlpha
	case "sigma_resid":
		return f.SigmaResid
	case "chi2dof":
		return f.Chi2Dof
	case "quality":
		return f.Quality
	case "stderr":
		return f.Stderr
	}
	return math.NaN()
}

// GainFitInfo summarizes per coarse channel gain fits.
type GainFitInfo struct {
	Quality    float64   `json:"quality"`
	Gains      []float64 `json:"gains"`
	Pol0       []float64 `json:"pol0"`
	Pol1       []float64 `json:"pol1"`
	SigmaResid []float64 `json:"sigma_resid"`
}

// NaNGainFit returns a fit-failed gain record with n coarse channels.
func NaNGainFit(n int) GainFitInfo {
	return GainFitInfo{
		Quality:    math.NaN(),
		Gains:      nanSlice(n),
		Pol0:       nanSlice(n),
		Pol1:       nanSlice(n),
		SigmaResid: nanSlice(n),
	}
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}
