package main

import (
	"github.com/rotisserie/eris"

	"github.com/mwa-demo/calfit/internal/calib"
	"github.com/mwa-demo/calfit/internal/source"
)

// loadGroup reads metadata and solution documents and reconciles them into
// a solution group.
func loadGroup(metafits, solns []string) (*calib.SolutionGroup, error) {
	if len(metafits) == 0 {
		return nil, eris.New("at least one metafits file is required")
	}
	if len(solns) == 0 {
		return nil, eris.New("at least one solution file is required")
	}
	meta, err := source.LoadMetadataFiles(metafits)
	if err != nil {
		return nil, err
	}
	sol, err := source.LoadSolutionFiles(solns)
	if err != nil {
		return nil, err
	}
	return calib.NewSolutionGroup(meta, sol)
}
