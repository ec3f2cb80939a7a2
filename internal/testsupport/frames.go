package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diffract/internal/imageio"
	"diffract/internal/recipe"
)

// FrameSource describes a synthetic detector acquisition written to disk.
type FrameSource struct {
	Dir    string
	Width  int
	Height int
	Frames int
}

// WriteFrames writes count uniform-intensity frames split across container
// files of containerSize frames each, with monotone timestamps.
func WriteFrames(t testing.TB, dir string, width, height, count, containerSize int) FrameSource {
	t.Helper()
	if containerSize < 1 {
		containerSize = count
	}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	written := 0
	file := 0
	for written < count {
		n := containerSize
		if count-written < n {
			n = count - written
		}
		pixels := make([][]float32, n)
		stamps := make([]time.Time, n)
		for f := 0; f < n; f++ {
			pixels[f] = make([]float32, width*height)
			for i := range pixels[f] {
				pixels[f][i] = float32(5 + written + f)
			}
			stamps[f] = base.Add(time.Duration(written+f) * time.Second)
		}
		path := filepath.Join(dir, fmt.Sprintf("scan_%03d.dfr", file))
		if err := imageio.WriteRaw(path, width, height, pixels, stamps); err != nil {
			t.Fatalf("write frames %s: %v", path, err)
		}
		written += n
		file++
	}
	return FrameSource{Dir: dir, Width: width, Height: height, Frames: count}
}

// NewRecipe builds a valid recipe matched to the synthetic frame geometry,
// including an identity calibration control file next to the frames.
func NewRecipe(t testing.TB, src FrameSource) *recipe.Recipe {
	t.Helper()
	control := filepath.Join(src.Dir, "control.json")
	if err := os.WriteFile(control, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write control file: %v", err)
	}
	return &recipe.Recipe{
		Sample:      "TEST1",
		Stage:       recipe.StageBefore,
		ImagesPath:  src.Dir,
		ControlFile: control,
		ActivePeaks: []recipe.Peak{
			{Name: "110", MillerIndex: "110", Position: 4.0, Limits: [2]float64{2, 6}},
		},
		AzStart:  0,
		AzEnd:    360,
		Spacing:  90,
		FrameEnd: -1,
		Step:     1,
		Detector: recipe.Detector{
			PixelSize:    [2]float64{1000, 1000},
			Wavelength:   1.0,
			DetectorSize: [2]int{src.Width, src.Height},
			Distance:     100,
			BeamCenter:   [2]float64{float64(src.Width) / 2, float64(src.Height) / 2},
		},
	}
}
