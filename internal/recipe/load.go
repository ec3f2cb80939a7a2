package recipe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"diffract/internal/services"
)

// Load reads, parses, and validates a recipe document. All failures are
// configuration errors: nothing may run against a recipe that did not
// validate in full.
func Load(path string) (*Recipe, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "recipe", "read", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a recipe from raw JSON.
func Parse(raw []byte) (*Recipe, error) {
	var r Recipe
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&r); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "recipe", "parse", "", err)
	}

	r.Stage = Stage(strings.ToUpper(strings.TrimSpace(string(r.Stage))))
	if r.Step == 0 {
		r.Step = 1
	}
	applyDetectorDefaults(&r.Detector)

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func applyDetectorDefaults(d *Detector) {
	if d.PixelSize == [2]float64{} {
		d.PixelSize = [2]float64{172.0, 172.0}
	}
	if d.Wavelength == 0 {
		d.Wavelength = 0.240
	}
	if d.DetectorSize == [2]int{} {
		d.DetectorSize = [2]int{1475, 1679}
	}
	if d.Distance == 0 {
		d.Distance = 1000.0
	}
	if d.BeamCenter == [2]float64{} {
		d.BeamCenter = [2]float64{
			float64(d.DetectorSize[0]) / 2,
			float64(d.DetectorSize[1]) / 2,
		}
	}
}

// Example returns a complete recipe document suitable for `diffract recipe example`.
func Example() *Recipe {
	return &Recipe{
		Sample:      "A1",
		Setting:     "Standard",
		Stage:       StageContinuous,
		ImagesPath:  "/data/experiment/images",
		RefsPath:    "/data/experiment/refs",
		ControlFile: "/data/experiment/calib.json",
		MaskFile:    "/data/experiment/mask.json",
		ActivePeaks: []Peak{
			{Name: "Martensite 211", MillerIndex: "211", Position: 8.46, Limits: [2]float64{8.2, 8.8}},
			{Name: "Austenite 110", MillerIndex: "110", Position: 7.32, Limits: [2]float64{7.1, 7.5}},
		},
		AzStart:    -110,
		AzEnd:      110,
		Spacing:    5,
		FrameStart: 0,
		FrameEnd:   100,
		Step:       1,
		Exposure:   "019",
		Detector: Detector{
			PixelSize:    [2]float64{172.0, 172.0},
			Wavelength:   0.240,
			DetectorSize: [2]int{1475, 1679},
			Distance:     1000.0,
			BeamCenter:   [2]float64{737.5, 839.5},
		},
	}
}

// MarshalDocument renders a recipe as the canonical indented JSON document.
func MarshalDocument(r *Recipe) ([]byte, error) {
	out, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal recipe: %w", err)
	}
	return append(out, '\n'), nil
}
