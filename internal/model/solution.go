package model

import "github.com/rotisserie/eris"

// Cube is a dense complex array indexed [time, tile, chan].
type Cube struct {
	NTime, NTile, NChan int
	Data                []complex128
}

// NewCube allocates a zeroed cube.
func NewCube(ntime, ntile, nchan int) Cube {
	return Cube{NTime: ntime, NTile: ntile, NChan: nchan, Data: make([]complex128, ntime*ntile*nchan)}
}

func (c Cube) index(t, i, ch int) int {
	return (t*c.NTile+i)*c.NChan + ch
}

// At returns the value at [t, i, ch].
func (c Cube) At(t, i, ch int) complex128 {
	return c.Data[c.index(t, i, ch)]
}

// Set stores v at [t, i, ch].
func (c Cube) Set(t, i, ch int, v complex128) {
	c.Data[c.index(t, i, ch)] = v
}

// Row returns a copy of the channel axis at [t, i].
func (c Cube) Row(t, i int) []complex128 {
	start := c.index(t, i, 0)
	return append([]complex128(nil), c.Data[start:start+c.NChan]...)
}

// ConcatChans joins cubes along the channel axis. All cubes must share the
// time and tile dimensions.
func ConcatChans(cubes ...Cube) (Cube, error) {
	if len(cubes) == 0 {
		return Cube{}, eris.New("model: no cubes to concatenate")
	}
	ntime, ntile := cubes[0].NTime, cubes[0].NTile
	nchan := 0
	for _, c := range cubes {
		if c.NTime != ntime || c.NTile != ntile {
			return Cube{}, eris.Errorf("model: cube shape mismatch [%d,%d,*] != [%d,%d,*]",
				c.NTime, c.NTile, ntime, ntile)
		}
		nchan += c.NChan
	}
	out := NewCube(ntime, ntile, nchan)
	for t := 0; t < ntime; t++ {
		for i := 0; i < ntile; i++ {
			off := 0
			for _, c := range cubes {
				for ch := 0; ch < c.NChan; ch++ {
					out.Set(t, i, off+ch, c.At(t, i, ch))
				}
				off += c.NChan
			}
		}
	}
	return out, nil
}

// Jones holds the four components of a 2x2 Jones matrix solution.
type Jones struct {
	GG, GY, YG, YY Cube
}

// Components returns the cubes in matrix order.
func (j Jones) Components() [4]Cube {
	return [4]Cube{j.GG, j.GY, j.YG, j.YY}
}

// Solution is one calibration solution file.
type Solution struct {
	Filename     string
	ChanblocksHz []int64
	TileFlags    []bool
	// AvgTimes is nil when the file has no timeblock table.
	AvgTimes []float64
	Jones    Jones
	// Results is the convergence metric, flattened [time*chan].
	Results []float64
}
