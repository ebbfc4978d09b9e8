// Package source loads observation metadata, calibration solutions and phase
// correction tables from their interchange documents.
package source

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/mwa-demo/calfit/internal/model"
)

// metadataDoc is the on-disk metadata layout.
type metadataDoc struct {
	ObsID            int64        `yaml:"obsid"`
	Calibrator       string       `yaml:"calibrator"`
	Channels         []int        `yaml:"channels"`
	FineChanWidthHz  int          `yaml:"fine_chan_width_hz"`
	TotalBandwidthHz int          `yaml:"total_bandwidth_hz"`
	NumFineChans     int          `yaml:"num_fine_chans"`
	Tiles            []model.Tile `yaml:"tiles"`
}

// LoadMetadata reads an observation metadata YAML document.
func LoadMetadata(path string) (model.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Metadata{}, eris.Wrapf(err, "source: read metadata %s", path)
	}
	return ParseMetadata(path, data)
}

// ParseMetadata decodes a metadata document. name is used in errors and
// recorded as the source file name.
func ParseMetadata(name string, data []byte) (model.Metadata, error) {
	var doc metadataDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return model.Metadata{}, eris.Wrapf(err, "source: parse metadata %s", name)
	}
	if len(doc.Tiles) == 0 {
		return model.Metadata{}, eris.Errorf("source: %s - no tiles found", name)
	}
	chans, err := model.ChannelInfoFromCoarseChans(doc.Channels, doc.FineChanWidthHz, doc.TotalBandwidthHz, doc.NumFineChans)
	if err != nil {
		return model.Metadata{}, eris.Wrapf(err, "source: %s", name)
	}
	return model.Metadata{
		Filename:   name,
		ObsID:      doc.ObsID,
		Calibrator: doc.Calibrator,
		Tiles:      doc.Tiles,
		Chans:      chans,
	}, nil
}

// LoadMetadataFiles loads every path in order.
func LoadMetadataFiles(paths []string) ([]model.Metadata, error) {
	out := make([]model.Metadata, 0, len(paths))
	for _, p := range paths {
		m, err := LoadMetadata(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
