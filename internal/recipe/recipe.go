package recipe

import (
	"fmt"
	"strings"
)

// Stage identifies the experimental stage a recipe belongs to.
type Stage string

const (
	StageBefore     Stage = "BEF"
	StageAfter      Stage = "AFT"
	StageContinuous Stage = "CONT"
	StageDelta      Stage = "DELT"
)

var knownStages = map[Stage]struct{}{
	StageBefore:     {},
	StageAfter:      {},
	StageContinuous: {},
	StageDelta:      {},
}

// Peak describes one diffraction peak to fit.
type Peak struct {
	Name        string     `json:"name"`
	MillerIndex string     `json:"miller_index"`
	Position    float64    `json:"position"`
	Limits      [2]float64 `json:"limits"`
}

// Detector carries the beam and detector geometry needed for azimuthal
// integration and d-spacing conversion.
type Detector struct {
	PixelSize    [2]float64 `json:"pixel_size"`    // microns
	Wavelength   float64    `json:"wavelength"`    // Angstroms
	DetectorSize [2]int     `json:"detector_size"` // pixels
	Distance     float64    `json:"distance"`      // millimeters, sample to detector
	BeamCenter   [2]float64 `json:"beam_center"`   // pixels; zero means detector center
}

// Recipe is the validated, immutable description of one processing run.
// Created by an external authoring step, loaded once, never mutated.
type Recipe struct {
	Sample  string `json:"sample"`
	Setting string `json:"setting"`
	Stage   Stage  `json:"stage"`
	Notes   string `json:"notes"`

	ImagesPath  string `json:"images_path"`
	RefsPath    string `json:"refs_path"`
	ControlFile string `json:"control_file"`
	MaskFile    string `json:"mask_file"`

	ActivePeaks    []Peak `json:"active_peaks"`
	AvailablePeaks []Peak `json:"available_peaks"`

	AzStart float64 `json:"az_start"`
	AzEnd   float64 `json:"az_end"`
	Spacing float64 `json:"spacing"`

	FrameStart int `json:"frame_start"`
	FrameEnd   int `json:"frame_end"` // -1 processes all frames
	Step       int `json:"step"`

	Detector Detector `json:"detector_params"`
	Exposure string   `json:"exposure"`
}

// BinCount returns the number of azimuthal bins.
func (r *Recipe) BinCount() int {
	return int((r.AzEnd-r.AzStart)/r.Spacing + 0.5)
}

// TotalAngle returns the azimuthal span in degrees.
func (r *Recipe) TotalAngle() float64 {
	return r.AzEnd - r.AzStart
}

// AzimuthCenters returns the bin center angles in ascending order.
func (r *Recipe) AzimuthCenters() []float64 {
	n := r.BinCount()
	centers := make([]float64, n)
	for i := range centers {
		centers[i] = r.AzStart + (float64(i)+0.5)*r.Spacing
	}
	return centers
}

// FrameCount returns the number of frames selected by the range and step.
// FrameEnd is exclusive; -1 means "to the end" and is resolved by the
// enumerator, so the count is unknown here and reported as -1.
func (r *Recipe) FrameCount() int {
	if r.FrameEnd < 0 {
		return -1
	}
	span := r.FrameEnd - r.FrameStart
	if span <= 0 {
		return 0
	}
	step := r.Step
	if step <= 0 {
		step = 1
	}
	return (span + step - 1) / step
}

// CombinedLimits returns the 2-theta window covering every active peak.
func (r *Recipe) CombinedLimits() (float64, float64) {
	if len(r.ActivePeaks) == 0 {
		return 0, 0
	}
	lo, hi := r.ActivePeaks[0].Limits[0], r.ActivePeaks[0].Limits[1]
	for _, p := range r.ActivePeaks[1:] {
		if p.Limits[0] < lo {
			lo = p.Limits[0]
		}
		if p.Limits[1] > hi {
			hi = p.Limits[1]
		}
	}
	return lo, hi
}

// BackgroundCandidates returns available peaks that are not active and fall
// within the combined analysis window. Their positions seed background peaks
// during fitting.
func (r *Recipe) BackgroundCandidates() []Peak {
	lo, hi := r.CombinedLimits()
	active := make(map[float64]struct{}, len(r.ActivePeaks))
	for _, p := range r.ActivePeaks {
		active[p.Position] = struct{}{}
	}
	var out []Peak
	for _, p := range r.AvailablePeaks {
		if _, ok := active[p.Position]; ok {
			continue
		}
		if p.Position >= lo && p.Position <= hi {
			out = append(out, p)
		}
	}
	return out
}

// MillerIndices returns the Miller index of each active peak in order.
func (r *Recipe) MillerIndices() []string {
	out := make([]string, len(r.ActivePeaks))
	for i, p := range r.ActivePeaks {
		out[i] = p.MillerIndex
	}
	return out
}

// Label returns a short human-readable identifier for logs.
func (r *Recipe) Label() string {
	parts := []string{r.Sample}
	if r.Setting != "" {
		parts = append(parts, r.Setting)
	}
	parts = append(parts, string(r.Stage))
	return strings.Join(parts, "-")
}

// HasReferences reports whether reference frames are configured.
func (r *Recipe) HasReferences() bool {
	return strings.TrimSpace(r.RefsPath) != ""
}

// FieldError describes a validation failure tied to a specific recipe field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("recipe field %s: %s", e.Field, e.Message)
}
