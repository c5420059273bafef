package geometry

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// geometryFile is the on-disk YAML schema.
//
//	unit: 0.001          # multiplier converting offsets and pitch to metres
//	pixel_pitch: 0.5
//	frame: [32, 128]     # slow scan, fast scan
//	modules:
//	  - module: 0
//	    offset: [-11.4, -299.0]
//	    rotation: 180
type geometryFile struct {
	Unit       float64           `yaml:"unit"`
	PixelPitch float64           `yaml:"pixel_pitch"`
	Frame      [2]int            `yaml:"frame"`
	Modules    []ModulePlacement `yaml:"modules"`
}

// Load reads a YAML geometry description and builds a validated Model.
// Offsets and the pixel pitch are multiplied by the file's unit; a missing
// unit means the file is already in metres.
func Load(r io.Reader) (*Model, error) {
	var gf geometryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&gf); err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	unit := gf.Unit
	if unit == 0 {
		unit = 1.0
	}
	placements := make([]ModulePlacement, len(gf.Modules))
	for i, p := range gf.Modules {
		p.Offset[0] *= unit
		p.Offset[1] *= unit
		placements[i] = p
	}
	return NewModel(gf.Frame[0], gf.Frame[1], gf.PixelPitch*unit, placements)
}

// LoadFile reads a YAML geometry file from disk.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
