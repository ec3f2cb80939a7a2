package imageio

import "time"

// Descriptor locates one detector frame in the source tree.
//
// Index is the dense, zero-based global frame index across the whole source
// in acquisition order. It is the authoritative ordering key everywhere in
// the pipeline; timestamps are advisory.
type Descriptor struct {
	Index     int
	Path      string
	FileFrame int
	Container bool
	Timestamp time.Time
}

// Frame is one decoded 2D intensity image, row-major.
type Frame struct {
	Width  int
	Height int
	Pixels []float32
}

// At returns the intensity at pixel (x, y).
func (f *Frame) At(x, y int) float32 {
	return f.Pixels[y*f.Width+x]
}

// FileInfo describes one source file as reported by a codec probe.
type FileInfo struct {
	Frames    int
	Container bool
}
