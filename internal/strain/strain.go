package strain

import (
	"fmt"
	"math"

	"diffract/internal/dataset"
	"diffract/internal/services"
)

// Reference holds per-(peak, azimuth) values averaged across the frames of a
// reference dataset. NaN marks cells with no converged reference fit.
type Reference struct {
	peaks    int
	azimuths int
	d        []float64
	pos      []float64
}

// Average collapses a reference dataset's frame axis into per-(peak, azimuth)
// mean d-spacings and peak positions, ignoring no-data cells.
func Average(ds *dataset.Dataset) (*Reference, error) {
	if ds == nil {
		return nil, services.Wrap(services.ErrValidation, "strain", "reference", "nil dataset", nil)
	}
	ref := &Reference{
		peaks:    ds.Peaks,
		azimuths: ds.Azimuths,
		d:        make([]float64, ds.Peaks*ds.Azimuths),
		pos:      make([]float64, ds.Peaks*ds.Azimuths),
	}
	for p := 0; p < ds.Peaks; p++ {
		for a := 0; a < ds.Azimuths; a++ {
			var sumD, sumPos float64
			n := 0
			for f := 0; f < ds.Frames; f++ {
				d := float64(ds.At(p, f, a, dataset.ColD))
				pos := float64(ds.At(p, f, a, dataset.ColPos))
				if math.IsNaN(d) || math.IsNaN(pos) {
					continue
				}
				sumD += d
				sumPos += pos
				n++
			}
			i := p*ds.Azimuths + a
			if n == 0 {
				ref.d[i] = math.NaN()
				ref.pos[i] = math.NaN()
				continue
			}
			ref.d[i] = sumD / float64(n)
			ref.pos[i] = sumPos / float64(n)
		}
	}
	return ref, nil
}

// D returns the reference d-spacing for a (peak, azimuth) cell.
func (r *Reference) D(peak, azimuth int) float64 {
	return r.d[peak*r.azimuths+azimuth]
}

// Pos returns the reference peak position for a (peak, azimuth) cell. It
// seeds fits during the main pass.
func (r *Reference) Pos(peak, azimuth int) float64 {
	return r.pos[peak*r.azimuths+azimuth]
}

// Apply fills the strain column of ds in place:
// strain = (d - d_ref) / d_ref per (peak, frame, azimuth). A nil reference
// leaves the whole column at NaN; callers must treat strain as unavailable,
// not zero.
func Apply(ds *dataset.Dataset, ref *Reference) error {
	if ds == nil {
		return services.Wrap(services.ErrValidation, "strain", "apply", "nil dataset", nil)
	}
	if ref == nil {
		return nil
	}
	if ref.peaks != ds.Peaks || ref.azimuths != ds.Azimuths {
		return services.Wrap(services.ErrValidation, "strain", "apply",
			fmt.Sprintf("reference shape %dx%d, dataset %dx%d", ref.peaks, ref.azimuths, ds.Peaks, ds.Azimuths), nil)
	}
	for p := 0; p < ds.Peaks; p++ {
		for a := 0; a < ds.Azimuths; a++ {
			dRef := ref.D(p, a)
			for f := 0; f < ds.Frames; f++ {
				d := float64(ds.At(p, f, a, dataset.ColD))
				if math.IsNaN(d) || math.IsNaN(dRef) || dRef == 0 {
					continue
				}
				ds.Set(p, f, a, dataset.ColStrain, float32((d-dRef)/dRef))
			}
		}
	}
	return nil
}
