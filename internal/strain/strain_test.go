package strain

import (
	"math"
	"testing"

	"diffract/internal/dataset"
)

func refDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New(2, 4, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for p := 0; p < 2; p++ {
		for f := 0; f < 4; f++ {
			for a := 0; a < 3; a++ {
				ds.Set(p, f, a, dataset.ColD, float32(2.0+float64(p)*0.5))
				ds.Set(p, f, a, dataset.ColPos, float32(8.0+float64(a)*0.1))
			}
		}
	}
	return ds
}

func TestAverageIgnoresNoDataCells(t *testing.T) {
	ds := refDataset(t)
	// drop two of the four frames for one cell; the mean must not change
	nan := float32(math.NaN())
	ds.Set(0, 1, 2, dataset.ColD, nan)
	ds.Set(0, 1, 2, dataset.ColPos, nan)
	ds.Set(0, 3, 2, dataset.ColD, nan)
	ds.Set(0, 3, 2, dataset.ColPos, nan)

	ref, err := Average(ds)
	if err != nil {
		t.Fatalf("Average: %v", err)
	}
	if got := ref.D(0, 2); math.Abs(got-2.0) > 1e-6 {
		t.Fatalf("reference d: got %v want 2.0", got)
	}
	if got := ref.Pos(1, 1); math.Abs(got-8.1) > 1e-6 {
		t.Fatalf("reference pos: got %v want 8.1", got)
	}
}

func TestAverageAllNoDataCellIsNaN(t *testing.T) {
	ds := refDataset(t)
	nan := float32(math.NaN())
	for f := 0; f < 4; f++ {
		ds.Set(1, f, 0, dataset.ColD, nan)
		ds.Set(1, f, 0, dataset.ColPos, nan)
	}
	ref, err := Average(ds)
	if err != nil {
		t.Fatalf("Average: %v", err)
	}
	if !math.IsNaN(ref.D(1, 0)) || !math.IsNaN(ref.Pos(1, 0)) {
		t.Fatal("cell with no converged reference fits must be NaN")
	}
}

func TestApplyComputesRelativeDeviation(t *testing.T) {
	ref, err := Average(refDataset(t))
	if err != nil {
		t.Fatalf("Average: %v", err)
	}

	ds, _ := dataset.New(2, 2, 3)
	ds.Set(0, 0, 0, dataset.ColD, 2.002) // ref d = 2.0
	ds.Set(1, 1, 2, dataset.ColD, 2.5)   // ref d = 2.5, zero strain

	if err := Apply(ds, ref); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := float64(ds.At(0, 0, 0, dataset.ColStrain)); math.Abs(got-0.001) > 1e-6 {
		t.Fatalf("strain: got %v want 0.001", got)
	}
	if got := float64(ds.At(1, 1, 2, dataset.ColStrain)); got != 0 {
		t.Fatalf("matching d-spacing should give zero strain, got %v", got)
	}
	// cells without a fitted d keep the no-data marker
	if !math.IsNaN(float64(ds.At(0, 1, 1, dataset.ColStrain))) {
		t.Fatal("unfitted cell gained a strain value")
	}
}

func TestApplyWithoutReferenceLeavesNaN(t *testing.T) {
	ds, _ := dataset.New(1, 2, 2)
	ds.Set(0, 0, 0, dataset.ColD, 2.0)
	if err := Apply(ds, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !math.IsNaN(float64(ds.At(0, 0, 0, dataset.ColStrain))) {
		t.Fatal("strain must stay NaN without a reference, never zero")
	}
}

func TestApplyRejectsShapeMismatch(t *testing.T) {
	ref, _ := Average(refDataset(t))
	ds, _ := dataset.New(3, 2, 3)
	if err := Apply(ds, ref); err == nil {
		t.Fatal("mismatched reference shape must error")
	}
}
