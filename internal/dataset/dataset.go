package dataset

import (
	"fmt"
	"math"
	"time"

	"diffract/internal/identity"
	"diffract/internal/services"
)

// Measurement column positions. The order is fixed: it defines the layout of
// the measurement axis in every dataset this pipeline writes.
const (
	ColPos = iota
	ColArea
	ColSigma
	ColGamma
	ColD
	ColStrain
	NumColumns
)

// ColumnNames maps measurement axis positions to their names.
var ColumnNames = [NumColumns]string{"pos", "area", "sigma", "gamma", "d", "strain"}

// ColumnIndex maps a column name to its axis position, or -1.
func ColumnIndex(name string) int {
	for i, n := range ColumnNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Metadata describes a finalized dataset. Immutable after finalize.
type Metadata struct {
	Sample        string          `json:"sample"`
	Stage         string          `json:"stage"`
	Identity      string          `json:"identity"`
	PeakCount     int             `json:"peak_count"`
	FrameCount    int             `json:"frame_count"`
	AzimuthCount  int             `json:"azimuth_count"`
	Columns       map[string]int  `json:"columns"`
	MillerIndices []string        `json:"miller_indices"`
	CreatedAt     time.Time       `json:"created_at"`
	Params        identity.Params `json:"params"`
}

// Dataset is the dense 4D result array indexed by
// (peak, frame, azimuth, measurement), plus the two side arrays. Cell value
// NaN means "no data"; a FrameNumbers entry of -1 means the frame-axis
// position was never filled.
type Dataset struct {
	Peaks    int
	Frames   int
	Azimuths int

	Data          []float32
	FrameNumbers  []int32
	AzimuthAngles []float32
	Meta          Metadata
}

// New allocates a dataset of fixed shape with every cell set to the
// "no data" marker.
func New(peaks, frames, azimuths int) (*Dataset, error) {
	if peaks <= 0 || frames <= 0 || azimuths <= 0 {
		return nil, services.Wrap(services.ErrValidation, "dataset", "shape",
			fmt.Sprintf("%d x %d x %d", peaks, frames, azimuths), nil)
	}
	d := &Dataset{
		Peaks:         peaks,
		Frames:        frames,
		Azimuths:      azimuths,
		Data:          make([]float32, peaks*frames*azimuths*NumColumns),
		FrameNumbers:  make([]int32, frames),
		AzimuthAngles: make([]float32, azimuths),
	}
	nan := float32(math.NaN())
	for i := range d.Data {
		d.Data[i] = nan
	}
	for i := range d.FrameNumbers {
		d.FrameNumbers[i] = -1
	}
	return d, nil
}

// SetAzimuthAngles records the bin center angles on the azimuth side array.
func (d *Dataset) SetAzimuthAngles(centers []float64) {
	for i, c := range centers {
		if i >= len(d.AzimuthAngles) {
			break
		}
		d.AzimuthAngles[i] = float32(c)
	}
}

func (d *Dataset) index(p, f, a, c int) int {
	return ((p*d.Frames+f)*d.Azimuths + a) * NumColumns + c
}

// At returns one cell value.
func (d *Dataset) At(p, f, a, c int) float32 {
	return d.Data[d.index(p, f, a, c)]
}

// Set writes one cell value.
func (d *Dataset) Set(p, f, a, c int, v float32) {
	d.Data[d.index(p, f, a, c)] = v
}

// HasData reports whether any cell at the frame-axis position carries a
// real value.
func (d *Dataset) HasData(f int) bool {
	for p := 0; p < d.Peaks; p++ {
		for a := 0; a < d.Azimuths; a++ {
			for c := 0; c < NumColumns; c++ {
				if !math.IsNaN(float64(d.At(p, f, a, c))) {
					return true
				}
			}
		}
	}
	return false
}

// Finalize fills in the metadata document. Identity must already be
// computed from the normalized parameters.
func (d *Dataset) Finalize(sample, stage, id string, miller []string, params identity.Params, now time.Time) {
	cols := make(map[string]int, NumColumns)
	for i, n := range ColumnNames {
		cols[n] = i
	}
	d.Meta = Metadata{
		Sample:        sample,
		Stage:         stage,
		Identity:      id,
		PeakCount:     d.Peaks,
		FrameCount:    d.Frames,
		AzimuthCount:  d.Azimuths,
		Columns:       cols,
		MillerIndices: append([]string(nil), miller...),
		CreatedAt:     now.UTC(),
		Params:        params,
	}
}
