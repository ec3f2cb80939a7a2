package integrate

import (
	"math"

	"diffract/internal/recipe"
)

// geometry converts detector pixel coordinates into diffraction angles.
// All distances are reduced to millimeters before use.
type geometry struct {
	pixelW  float64 // mm
	pixelH  float64 // mm
	centerX float64 // pixels
	centerY float64 // pixels
	dist    float64 // mm
}

func newGeometry(det recipe.Detector) geometry {
	cx, cy := det.BeamCenter[0], det.BeamCenter[1]
	if cx == 0 && cy == 0 {
		cx = float64(det.DetectorSize[0]) / 2
		cy = float64(det.DetectorSize[1]) / 2
	}
	return geometry{
		pixelW:  det.PixelSize[0] / 1000,
		pixelH:  det.PixelSize[1] / 1000,
		centerX: cx,
		centerY: cy,
		dist:    det.Distance,
	}
}

// angles returns the scattering angle 2-theta and the azimuth for the center
// of pixel (x, y), both in degrees. Azimuth is measured counterclockwise from
// the detector +x axis and normalized to [0, 360).
func (g geometry) angles(x, y int) (twoTheta, azimuth float64) {
	dx := (float64(x) + 0.5 - g.centerX) * g.pixelW
	dy := (float64(y) + 0.5 - g.centerY) * g.pixelH
	r := math.Hypot(dx, dy)
	twoTheta = math.Atan2(r, g.dist) * 180 / math.Pi
	azimuth = math.Atan2(dy, dx) * 180 / math.Pi
	if azimuth < 0 {
		azimuth += 360
	}
	return twoTheta, azimuth
}

// DSpacing converts a peak position in 2-theta degrees to a lattice d-spacing
// in Angstroms via Bragg's law.
func DSpacing(wavelength, twoThetaDeg float64) float64 {
	s := math.Sin(twoThetaDeg / 2 * math.Pi / 180)
	if s == 0 {
		return math.NaN()
	}
	return wavelength / (2 * s)
}
