package dataset

import (
	"math"
	"math/rand"
	"testing"
)

func blockFor(ds *Dataset, value float32) []float32 {
	cells := make([]float32, ds.Peaks*ds.Azimuths*NumColumns)
	for i := range cells {
		cells[i] = value
	}
	return cells
}

func TestNewDatasetStartsWithNoData(t *testing.T) {
	ds, err := New(2, 3, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !math.IsNaN(float64(ds.At(1, 2, 3, ColStrain))) {
		t.Fatal("fresh cells must be NaN")
	}
	for i, fn := range ds.FrameNumbers {
		if fn != -1 {
			t.Fatalf("frame number %d: got %d want -1", i, fn)
		}
	}
	if _, err := New(0, 3, 4); err == nil {
		t.Fatal("zero peak axis should be rejected")
	}
}

func TestReducerOrdersByPositionNotArrival(t *testing.T) {
	ds, _ := New(2, 10, 3)
	r := NewReducer(ds, nil)

	order := rand.New(rand.NewSource(7)).Perm(10)
	for _, pos := range order {
		res := &FrameResult{
			Position:    pos,
			FrameNumber: int32(100 + pos*5),
			Cells:       blockFor(ds, float32(pos)),
		}
		if err := r.Apply(res); err != nil {
			t.Fatalf("Apply(%d): %v", pos, err)
		}
	}

	for pos := 0; pos < 10; pos++ {
		if got := ds.At(1, pos, 2, ColPos); got != float32(pos) {
			t.Fatalf("position %d: got %v", pos, got)
		}
		if ds.FrameNumbers[pos] != int32(100+pos*5) {
			t.Fatalf("frame number at %d: got %d", pos, ds.FrameNumbers[pos])
		}
	}
	if r.Completeness() != 1.0 {
		t.Fatalf("completeness: got %v", r.Completeness())
	}
}

func TestReducerKeepsFirstWriteOnDuplicate(t *testing.T) {
	ds, _ := New(1, 2, 1)
	r := NewReducer(ds, nil)

	if err := r.Apply(&FrameResult{Position: 0, FrameNumber: 7, Cells: blockFor(ds, 1)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := r.Apply(&FrameResult{Position: 0, FrameNumber: 7, Cells: blockFor(ds, 99)}); err != nil {
		t.Fatalf("duplicate Apply should not error: %v", err)
	}
	if got := ds.At(0, 0, 0, ColPos); got != 1 {
		t.Fatalf("duplicate overwrote first write: got %v", got)
	}
	if r.Completed() != 1 {
		t.Fatalf("completed: got %d want 1", r.Completed())
	}
}

func TestReducerRejectsBadResults(t *testing.T) {
	ds, _ := New(1, 2, 1)
	r := NewReducer(ds, nil)

	if err := r.Apply(&FrameResult{Position: 5, Cells: blockFor(ds, 1)}); err == nil {
		t.Fatal("out-of-range position must error")
	}
	if err := r.Apply(&FrameResult{Position: 0, Cells: []float32{1, 2}}); err == nil {
		t.Fatal("wrong block size must error")
	}
}

func TestPartialFailureContainment(t *testing.T) {
	const peaks, frames, azimuths = 8, 100, 36
	ds, _ := New(peaks, frames, azimuths)
	r := NewReducer(ds, nil)

	for pos := 0; pos < frames; pos++ {
		cells := blockFor(ds, 2.5)
		failures := 0
		if pos == 41 {
			// one non-converged cell at (peak 3, azimuth 17)
			base := (3*azimuths + 17) * NumColumns
			for c := 0; c < NumColumns; c++ {
				cells[base+c] = float32(math.NaN())
			}
			failures = 1
		}
		if err := r.Apply(&FrameResult{Position: pos, FrameNumber: int32(pos), Cells: cells, CellFailures: failures}); err != nil {
			t.Fatalf("Apply(%d): %v", pos, err)
		}
	}

	noData := 0
	for p := 0; p < peaks; p++ {
		for f := 0; f < frames; f++ {
			for a := 0; a < azimuths; a++ {
				if math.IsNaN(float64(ds.At(p, f, a, ColPos))) {
					noData++
				}
			}
		}
	}
	if noData != 1 {
		t.Fatalf("no-data cells: got %d want exactly 1", noData)
	}
	if !math.IsNaN(float64(ds.At(3, 41, 17, ColPos))) {
		t.Fatal("the failed cell is not where it was injected")
	}
	if r.CellFailures() != 1 {
		t.Fatalf("cell failure count: got %d", r.CellFailures())
	}
	if r.Completed() != frames {
		t.Fatalf("run should complete all frames, got %d", r.Completed())
	}
}

func TestMarkMissingLeavesNoDataButMapsFrame(t *testing.T) {
	ds, _ := New(1, 3, 2)
	r := NewReducer(ds, nil)

	r.Apply(&FrameResult{Position: 0, FrameNumber: 0, Cells: blockFor(ds, 1)})
	r.MarkMissing(1, 50)
	r.Apply(&FrameResult{Position: 2, FrameNumber: 100, Cells: blockFor(ds, 3)})

	if ds.FrameNumbers[1] != 50 {
		t.Fatalf("missing frame not mapped: %d", ds.FrameNumbers[1])
	}
	if ds.HasData(1) {
		t.Fatal("missing frame must keep NaN cells")
	}
	if r.Completed() != 2 || r.Missing() != 1 {
		t.Fatalf("counts: completed %d missing %d", r.Completed(), r.Missing())
	}
	if got := r.Completeness(); math.Abs(got-2.0/3.0) > 1e-12 {
		t.Fatalf("completeness: got %v", got)
	}

	// a late result for a missing-marked position is ignored
	r.Apply(&FrameResult{Position: 1, FrameNumber: 50, Cells: blockFor(ds, 9)})
	if ds.HasData(1) {
		t.Fatal("late result overwrote a settled position")
	}
}

func TestColumnIndex(t *testing.T) {
	if ColumnIndex("d") != ColD || ColumnIndex("strain") != ColStrain {
		t.Fatal("column lookup broken")
	}
	if ColumnIndex("bogus") != -1 {
		t.Fatal("unknown column should map to -1")
	}
}
