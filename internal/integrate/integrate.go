package integrate

import (
	"fmt"
	"math"

	"diffract/internal/imageio"
	"diffract/internal/recipe"
	"diffract/internal/services"
)

// Pattern is one 1D intensity-vs-2-theta pattern for a single azimuthal bin.
// Channels that received no pixels carry NaN intensity.
type Pattern struct {
	TwoTheta  []float64
	Intensity []float64
}

// Options tunes the integration grid.
type Options struct {
	// Channels is the number of 2-theta channels per pattern.
	Channels int
	// Range restricts integration to a 2-theta window in degrees. The zero
	// value integrates the detector's full angular coverage.
	Range [2]float64
	// Mask excludes detector regions; nil excludes nothing.
	Mask *Mask
}

// Integrator reduces 2D detector frames into per-azimuth-bin 1D patterns.
// The per-pixel angle lookup is computed once at construction and shared
// read-only by all workers.
type Integrator struct {
	det     recipe.Detector
	mask    *Mask
	width   int
	height  int
	bins    int
	centers []float64

	channels int
	thetaLo  float64
	thetaHi  float64
	twoTheta []float64

	// per pixel, -1 when masked or outside the grid
	chanIdx []int32
	binIdx  []int32
}

// New builds an integrator for the recipe's detector geometry and azimuthal
// binning. The calibration overlay should already be applied to det.
func New(det recipe.Detector, azStart, azEnd, spacing float64, opts Options) (*Integrator, error) {
	w, h := det.DetectorSize[0], det.DetectorSize[1]
	if w <= 0 || h <= 0 {
		return nil, services.Wrap(services.ErrConfiguration, "integrate", "geometry",
			fmt.Sprintf("detector size %dx%d", w, h), nil)
	}
	if det.Distance <= 0 || det.Wavelength <= 0 {
		return nil, services.Wrap(services.ErrConfiguration, "integrate", "geometry",
			"distance and wavelength must be positive", nil)
	}
	if spacing <= 0 || azEnd <= azStart {
		return nil, services.Wrap(services.ErrConfiguration, "integrate", "binning",
			fmt.Sprintf("azimuth range [%g, %g] spacing %g", azStart, azEnd, spacing), nil)
	}
	channels := opts.Channels
	if channels <= 0 {
		channels = 2500
	}

	it := &Integrator{
		det:      det,
		mask:     opts.Mask,
		width:    w,
		height:   h,
		bins:     int((azEnd-azStart)/spacing + 0.5),
		channels: channels,
		thetaLo:  opts.Range[0],
		thetaHi:  opts.Range[1],
	}
	it.centers = make([]float64, it.bins)
	for i := range it.centers {
		it.centers[i] = azStart + (float64(i)+0.5)*spacing
	}

	geom := newGeometry(det)
	if it.thetaHi <= it.thetaLo {
		it.thetaLo, it.thetaHi = coverage(geom, w, h)
	}
	chanWidth := (it.thetaHi - it.thetaLo) / float64(channels)
	it.twoTheta = make([]float64, channels)
	for i := range it.twoTheta {
		it.twoTheta[i] = it.thetaLo + (float64(i)+0.5)*chanWidth
	}

	it.chanIdx = make([]int32, w*h)
	it.binIdx = make([]int32, w*h)
	span := azEnd - azStart
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			it.chanIdx[i] = -1
			it.binIdx[i] = -1
			if opts.Mask.excludes(x, y) {
				continue
			}
			theta, az := geom.angles(x, y)
			c := int((theta - it.thetaLo) / chanWidth)
			if c < 0 || c >= channels {
				continue
			}
			rel := math.Mod(az-azStart+360, 360)
			if rel >= span {
				continue
			}
			b := int(rel / spacing)
			if b >= it.bins {
				b = it.bins - 1
			}
			it.chanIdx[i] = int32(c)
			it.binIdx[i] = int32(b)
		}
	}
	return it, nil
}

// Bins returns the number of azimuthal bins.
func (it *Integrator) Bins() int { return it.bins }

// Centers returns the azimuthal bin center angles in degrees.
func (it *Integrator) Centers() []float64 { return it.centers }

// Wavelength returns the beam wavelength in Angstroms.
func (it *Integrator) Wavelength() float64 { return it.det.Wavelength }

// Integrate reduces one frame into one pattern per azimuthal bin. Pixel
// intensities are averaged per (bin, channel); channels with no contributing
// pixels are NaN.
func (it *Integrator) Integrate(frame *imageio.Frame) ([]Pattern, error) {
	if frame.Width != it.width || frame.Height != it.height {
		return nil, services.Wrap(services.ErrValidation, "integrate", "frame shape",
			fmt.Sprintf("frame %dx%d, detector %dx%d", frame.Width, frame.Height, it.width, it.height), nil)
	}

	sums := make([]float64, it.bins*it.channels)
	counts := make([]int32, it.bins*it.channels)
	for i, v := range frame.Pixels {
		c := it.chanIdx[i]
		if c < 0 {
			continue
		}
		if it.mask.excludesValue(v) {
			continue
		}
		cell := int(it.binIdx[i])*it.channels + int(c)
		sums[cell] += float64(v)
		counts[cell]++
	}

	patterns := make([]Pattern, it.bins)
	for b := range patterns {
		intensity := make([]float64, it.channels)
		for c := range intensity {
			cell := b*it.channels + c
			if counts[cell] == 0 {
				intensity[c] = math.NaN()
				continue
			}
			intensity[c] = sums[cell] / float64(counts[cell])
		}
		patterns[b] = Pattern{TwoTheta: it.twoTheta, Intensity: intensity}
	}
	return patterns, nil
}

// Window extracts the sub-pattern covering [lo, hi] 2-theta degrees.
func (p Pattern) Window(lo, hi float64) Pattern {
	start, end := 0, len(p.TwoTheta)
	for start < end && p.TwoTheta[start] < lo {
		start++
	}
	for end > start && p.TwoTheta[end-1] > hi {
		end--
	}
	return Pattern{TwoTheta: p.TwoTheta[start:end], Intensity: p.Intensity[start:end]}
}

// coverage estimates the detector's 2-theta span by sampling the corners and
// edge midpoints. The low bound is clamped to zero at the beam center.
func coverage(g geometry, w, h int) (lo, hi float64) {
	lo, hi = math.Inf(1), 0
	probes := [][2]int{
		{0, 0}, {w - 1, 0}, {0, h - 1}, {w - 1, h - 1},
		{w / 2, 0}, {w / 2, h - 1}, {0, h / 2}, {w - 1, h / 2},
	}
	for _, p := range probes {
		theta, _ := g.angles(p[0], p[1])
		if theta > hi {
			hi = theta
		}
	}
	cx, cy := int(g.centerX), int(g.centerY)
	if cx >= 0 && cx < w && cy >= 0 && cy < h {
		lo = 0
	} else {
		for _, p := range probes {
			theta, _ := g.angles(p[0], p[1])
			if theta < lo {
				lo = theta
			}
		}
	}
	return lo, hi
}
