package source

import (
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/rotisserie/eris"

	"github.com/mwa-demo/calfit/internal/model"
)

// jonesTerms is the innermost solution width: re/im of gg, gy, yg, yy.
const jonesTerms = 8

// Float decodes a JSON number, treating null as NaN.
type Float float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

type solutionDoc struct {
	ChanblocksHz []int64       `json:"chanblocks_hz"`
	TileFlags    []bool        `json:"tile_flags"`
	AvgTimes     []float64     `json:"avg_times"`
	Results      []Float       `json:"results"`
	Solutions    [][][][]Float `json:"solutions"`
}

// LoadSolution reads a calibration solution JSON document.
func LoadSolution(path string) (model.Solution, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Solution{}, eris.Wrapf(err, "source: open solution %s", path)
	}
	defer f.Close() //nolint:errcheck
	return DecodeSolution(path, f)
}

// DecodeSolution decodes a solution document from r.
func DecodeSolution(name string, r io.Reader) (model.Solution, error) {
	var doc solutionDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return model.Solution{}, eris.Wrapf(err, "source: decode solution %s", name)
	}

	ntime := len(doc.Solutions)
	if ntime == 0 {
		return model.Solution{}, eris.Errorf("source: %s - no solutions found", name)
	}
	ntile := len(doc.Solutions[0])
	nchan := 0
	if ntile > 0 {
		nchan = len(doc.Solutions[0][0])
	}

	j := model.Jones{
		GG: model.NewCube(ntime, ntile, nchan),
		GY: model.NewCube(ntime, ntile, nchan),
		YG: model.NewCube(ntime, ntile, nchan),
		YY: model.NewCube(ntime, ntile, nchan),
	}
	for t, tiles := range doc.Solutions {
		if len(tiles) != ntile {
			return model.Solution{}, eris.Errorf("source: %s - timeblock %d has %d tiles, expected %d", name, t, len(tiles), ntile)
		}
		for i, chans := range tiles {
			if len(chans) != nchan {
				return model.Solution{}, eris.Errorf("source: %s - tile %d has %d channels, expected %d", name, i, len(chans), nchan)
			}
			for ch, v := range chans {
				if len(v) != jonesTerms {
					return model.Solution{}, eris.Errorf("source: %s - solution [%d,%d,%d] has %d terms, expected %d",
						name, t, i, ch, len(v), jonesTerms)
				}
				j.GG.Set(t, i, ch, complex(float64(v[0]), float64(v[1])))
				j.GY.Set(t, i, ch, complex(float64(v[2]), float64(v[3])))
				j.YG.Set(t, i, ch, complex(float64(v[4]), float64(v[5])))
				j.YY.Set(t, i, ch, complex(float64(v[6]), float64(v[7])))
			}
		}
	}

	results := make([]float64, len(doc.Results))
	for i, r := range doc.Results {
		results[i] = float64(r)
	}

	return model.Solution{
		Filename:     name,
		ChanblocksHz: doc.ChanblocksHz,
		TileFlags:    doc.TileFlags,
		AvgTimes:     doc.AvgTimes,
		Jones:        j,
		Results:      results,
	}, nil
}

// LoadSolutionFiles loads every path in order.
func LoadSolutionFiles(paths []string) ([]model.Solution, error) {
	out := make([]model.Solution, 0, len(paths))
	for _, p := range paths {
		s, err := LoadSolution(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
