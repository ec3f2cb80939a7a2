package frameproc

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"diffract/internal/dataset"
	"diffract/internal/imageio"
	"diffract/internal/integrate"
	"diffract/internal/recipe"
	"diffract/internal/services"
	"diffract/internal/services/fitkit"
	"diffract/internal/strain"
)

type fakeEngine struct {
	calls []fitkit.Request
	fit   func(call int, req fitkit.Request) (fitkit.Result, error)
}

func (f *fakeEngine) Fit(ctx context.Context, req fitkit.Request) (fitkit.Result, error) {
	call := len(f.calls)
	f.calls = append(f.calls, req)
	if f.fit != nil {
		return f.fit(call, req)
	}
	return fitkit.Result{Position: req.Peak.Position, Area: 100, Sigma: 0.02, Gamma: 0.01}, nil
}

func testIntegrator(t *testing.T) *integrate.Integrator {
	t.Helper()
	det := recipe.Detector{
		PixelSize:    [2]float64{1000, 1000},
		Wavelength:   1.0,
		DetectorSize: [2]int{20, 20},
		Distance:     100,
		BeamCenter:   [2]float64{10, 10},
	}
	it, err := integrate.New(det, 0, 360, 90, integrate.Options{Channels: 20})
	if err != nil {
		t.Fatalf("integrate.New: %v", err)
	}
	return it
}

func testFramePath(t *testing.T, frames int) string {
	t.Helper()
	pixels := make([][]float32, frames)
	for f := range pixels {
		pixels[f] = make([]float32, 20*20)
		for i := range pixels[f] {
			pixels[f][i] = 7
		}
	}
	path := filepath.Join(t.TempDir(), "frames.dfr")
	if err := imageio.WriteRaw(path, 20, 20, pixels, nil); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	return path
}

func seedReference(t *testing.T, pos float64) *strain.Reference {
	t.Helper()
	ds, err := dataset.New(1, 1, 4)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	for a := 0; a < 4; a++ {
		ds.Set(0, 0, a, dataset.ColPos, float32(pos))
		ds.Set(0, 0, a, dataset.ColD, float32(integrate.DSpacing(1.0, pos)))
	}
	ref, err := strain.Average(ds)
	if err != nil {
		t.Fatalf("strain.Average: %v", err)
	}
	return ref
}

func testPeak() recipe.Peak {
	return recipe.Peak{Name: "110", MillerIndex: "110", Position: 4.0, Limits: [2]float64{2, 6}}
}

func TestProcessFillsAllCells(t *testing.T) {
	engine := &fakeEngine{}
	w := New(Config{
		Codec:      imageio.RawCodec{},
		Integrator: testIntegrator(t),
		Engine:     engine,
		Peaks:      []recipe.Peak{testPeak()},
	})

	res, err := w.Process(context.Background(), Task{
		Descriptor: imageio.Descriptor{Index: 12, Path: testFramePath(t, 1), FileFrame: 0},
		Position:   3,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Position != 3 || res.FrameNumber != 12 {
		t.Fatalf("tags: position %d frame %d", res.Position, res.FrameNumber)
	}
	if len(res.Cells) != 1*4*dataset.NumColumns {
		t.Fatalf("block size: %d", len(res.Cells))
	}
	if len(engine.calls) != 4 {
		t.Fatalf("fit calls: got %d want 4", len(engine.calls))
	}
	for a := 0; a < 4; a++ {
		base := a * dataset.NumColumns
		if got := res.Cells[base+dataset.ColPos]; got != 4.0 {
			t.Fatalf("bin %d pos: got %v", a, got)
		}
		wantD := integrate.DSpacing(1.0, 4.0)
		if got := float64(res.Cells[base+dataset.ColD]); math.Abs(got-wantD) > 1e-4 {
			t.Fatalf("bin %d d-spacing: got %v want %v", a, got, wantD)
		}
		if !math.IsNaN(float64(res.Cells[base+dataset.ColStrain])) {
			t.Fatal("strain column must stay NaN until post-processing")
		}
	}
	if res.CellFailures != 0 {
		t.Fatalf("cell failures: %d", res.CellFailures)
	}
}

func TestConvergenceFailureBlanksOnlyItsCell(t *testing.T) {
	engine := &fakeEngine{
		fit: func(call int, req fitkit.Request) (fitkit.Result, error) {
			if call == 2 {
				return fitkit.Result{}, services.Wrap(services.ErrConvergence, "fit", req.Peak.Name, "no convergence", nil)
			}
			return fitkit.Result{Position: req.Peak.Position, Area: 50}, nil
		},
	}
	w := New(Config{
		Codec:      imageio.RawCodec{},
		Integrator: testIntegrator(t),
		Engine:     engine,
		Peaks:      []recipe.Peak{testPeak()},
	})

	res, err := w.Process(context.Background(), Task{
		Descriptor: imageio.Descriptor{Index: 0, Path: testFramePath(t, 1)},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.CellFailures != 1 {
		t.Fatalf("cell failures: got %d want 1", res.CellFailures)
	}
	for a := 0; a < 4; a++ {
		got := float64(res.Cells[a*dataset.NumColumns+dataset.ColPos])
		if a == 2 && !math.IsNaN(got) {
			t.Fatalf("failed cell has data: %v", got)
		}
		if a != 2 && math.IsNaN(got) {
			t.Fatalf("bin %d lost its data", a)
		}
	}
}

func TestInfrastructureErrorFailsFrame(t *testing.T) {
	engine := &fakeEngine{
		fit: func(call int, req fitkit.Request) (fitkit.Result, error) {
			return fitkit.Result{}, services.Wrap(services.ErrExternalTool, "fit", "run", "tool crashed", nil)
		},
	}
	w := New(Config{
		Codec:      imageio.RawCodec{},
		Integrator: testIntegrator(t),
		Engine:     engine,
		Peaks:      []recipe.Peak{testPeak()},
	})

	_, err := w.Process(context.Background(), Task{
		Descriptor: imageio.Descriptor{Index: 0, Path: testFramePath(t, 1)},
	})
	if err == nil {
		t.Fatal("tool crash must fail the frame")
	}
	if !services.Retryable(err) {
		t.Fatal("frame infrastructure failure should be retryable")
	}
}

func TestDecodeFailureFailsFrame(t *testing.T) {
	w := New(Config{
		Codec:      imageio.RawCodec{},
		Integrator: testIntegrator(t),
		Engine:     &fakeEngine{},
		Peaks:      []recipe.Peak{testPeak()},
	})
	_, err := w.Process(context.Background(), Task{
		Descriptor: imageio.Descriptor{Index: 0, Path: "/nonexistent/frames.dfr"},
	})
	if err == nil {
		t.Fatal("missing file must fail the frame")
	}
}

func TestContainerExtractionIsReleased(t *testing.T) {
	scratch := t.TempDir()
	w := New(Config{
		Codec:      imageio.RawCodec{},
		Integrator: testIntegrator(t),
		Engine:     &fakeEngine{},
		Peaks:      []recipe.Peak{testPeak()},
		ScratchDir: scratch,
	})

	_, err := w.Process(context.Background(), Task{
		Descriptor: imageio.Descriptor{Index: 1, Path: testFramePath(t, 3), FileFrame: 1, Container: true},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir not cleaned: %d entries", len(entries))
	}
}

func TestReferenceSeedOverridesNominalPosition(t *testing.T) {
	engine := &fakeEngine{}
	seeds := seedReference(t, 4.2)
	w := New(Config{
		Codec:      imageio.RawCodec{},
		Integrator: testIntegrator(t),
		Engine:     engine,
		Peaks:      []recipe.Peak{testPeak()},
		Seeds:      seeds,
	})

	if _, err := w.Process(context.Background(), Task{
		Descriptor: imageio.Descriptor{Index: 0, Path: testFramePath(t, 1)},
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	for i, call := range engine.calls {
		if math.Abs(call.Peak.Position-4.2) > 1e-5 {
			t.Fatalf("call %d seeded with %v, want reference 4.2", i, call.Peak.Position)
		}
	}
}
