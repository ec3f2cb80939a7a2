package imageio_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diffract/internal/imageio"
)

func writeTestFile(t *testing.T, dir, name string, width, height, frames int, timestamps []time.Time) string {
	t.Helper()
	pixels := make([][]float32, frames)
	for f := range pixels {
		pixels[f] = make([]float32, width*height)
		for i := range pixels[f] {
			pixels[f][i] = float32(f*1000 + i)
		}
	}
	path := filepath.Join(dir, name)
	if err := imageio.WriteRaw(path, width, height, pixels, timestamps); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	return path
}

func TestRawCodecRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.dfr", 4, 3, 2, nil)

	codec := imageio.RawCodec{}
	info, err := codec.Probe(path)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Frames != 2 || !info.Container {
		t.Fatalf("unexpected probe: %+v", info)
	}

	frame, err := codec.Decode(context.Background(), imageio.Descriptor{Path: path, FileFrame: 1})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Width != 4 || frame.Height != 3 {
		t.Fatalf("unexpected shape: %dx%d", frame.Width, frame.Height)
	}
	if got := frame.At(2, 1); got != 1000+6 {
		t.Fatalf("pixel value: got %v", got)
	}
}

func TestDecodeRejectsBadFrameIndex(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.dfr", 2, 2, 1, nil)
	_, err := imageio.RawCodec{}.Decode(context.Background(), imageio.Descriptor{Path: path, FileFrame: 3})
	if err == nil {
		t.Fatal("expected error for out-of-range frame")
	}
}

func TestEnumerateAssignsDenseGlobalIndices(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "b.dfr", 2, 2, 3, nil)
	writeTestFile(t, dir, "a.dfr", 2, 2, 2, nil)

	frames, err := imageio.Enumerate(dir, imageio.RawCodec{}, 0, -1, 1)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("frame count: got %d want 5", len(frames))
	}
	for i, f := range frames {
		if f.Index != i {
			t.Fatalf("index %d has global %d", i, f.Index)
		}
	}
	// Sorted path order: a.dfr frames first.
	if filepath.Base(frames[0].Path) != "a.dfr" || filepath.Base(frames[2].Path) != "b.dfr" {
		t.Fatalf("unexpected file order: %q, %q", frames[0].Path, frames[2].Path)
	}
}

func TestEnumerateAppliesRangeAndStep(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.dfr", 2, 2, 100, nil)

	frames, err := imageio.Enumerate(dir, imageio.RawCodec{}, 0, 100, 5)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(frames) != 20 {
		t.Fatalf("frame axis length: got %d want 20", len(frames))
	}
	if frames[1].Index != 5 || frames[19].Index != 95 {
		t.Fatalf("unexpected stepping: %d, %d", frames[1].Index, frames[19].Index)
	}
}

func TestEnumerateEmptySourceFails(t *testing.T) {
	if _, err := imageio.Enumerate(t.TempDir(), imageio.RawCodec{}, 0, -1, 1); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestValidateOrderingWarnsOnRegression(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	frames := []imageio.Descriptor{
		{Index: 0, Timestamp: base},
		{Index: 1, Timestamp: base.Add(time.Second)},
		{Index: 2, Timestamp: base.Add(-time.Second)},
	}
	if imageio.ValidateOrdering(frames, nil) {
		t.Fatal("expected ordering violation to be reported")
	}

	frames[2].Timestamp = base.Add(2 * time.Second)
	if !imageio.ValidateOrdering(frames, nil) {
		t.Fatal("monotone timestamps should validate")
	}
}

func TestExtractScopedReleasesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.dfr", 2, 2, 3, nil)
	scratch := filepath.Join(dir, "scratch")

	ext, err := imageio.ExtractScoped(context.Background(), imageio.RawCodec{},
		imageio.Descriptor{Index: 7, Path: path, FileFrame: 2, Container: true}, scratch)
	if err != nil {
		t.Fatalf("ExtractScoped: %v", err)
	}
	if _, err := os.Stat(ext.Path); err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}

	// The extraction is a standalone single-frame file.
	info, err := imageio.RawCodec{}.Probe(ext.Path)
	if err != nil || info.Frames != 1 {
		t.Fatalf("extraction not standalone: %+v err=%v", info, err)
	}

	ext.Release()
	ext.Release() // idempotent
	if _, err := os.Stat(ext.Path); !os.IsNotExist(err) {
		t.Fatal("Release should remove the extracted file")
	}
}
