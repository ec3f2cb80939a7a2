package recipe

import (
	"fmt"
	"math"
	"strings"

	"diffract/internal/services"
)

// Validate checks every invariant the rest of the pipeline relies on.
// Errors carry the offending field so authoring tools can point at it.
func (r *Recipe) Validate() error {
	var errs []*FieldError

	if strings.TrimSpace(r.Sample) == "" {
		errs = append(errs, &FieldError{"sample", "required"})
	}
	if _, ok := knownStages[r.Stage]; !ok {
		errs = append(errs, &FieldError{"stage", fmt.Sprintf("unknown stage %q", r.Stage)})
	}
	if strings.TrimSpace(r.ImagesPath) == "" {
		errs = append(errs, &FieldError{"images_path", "required"})
	}
	if strings.TrimSpace(r.ControlFile) == "" {
		errs = append(errs, &FieldError{"control_file", "required"})
	}

	errs = append(errs, r.validatePeaks()...)
	errs = append(errs, r.validateAzimuths()...)
	errs = append(errs, r.validateFrames()...)
	errs = append(errs, r.validateDetector()...)

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return services.Wrap(services.ErrConfiguration, "recipe", "validate", strings.Join(msgs, "; "), nil)
}

func (r *Recipe) validatePeaks() []*FieldError {
	var errs []*FieldError
	if len(r.ActivePeaks) == 0 {
		errs = append(errs, &FieldError{"active_peaks", "at least one peak required"})
	}
	for i, p := range r.ActivePeaks {
		field := fmt.Sprintf("active_peaks[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, &FieldError{field + ".name", "required"})
		}
		if p.Limits[0] >= p.Limits[1] {
			errs = append(errs, &FieldError{field + ".limits", "lower bound must be below upper bound"})
		} else if p.Position < p.Limits[0] || p.Position > p.Limits[1] {
			errs = append(errs, &FieldError{field + ".position", "must lie within the fit window"})
		}
	}
	return errs
}

func (r *Recipe) validateAzimuths() []*FieldError {
	var errs []*FieldError
	if r.AzEnd <= r.AzStart {
		errs = append(errs, &FieldError{"az_end", "must be greater than az_start"})
		return errs
	}
	if r.Spacing <= 0 {
		errs = append(errs, &FieldError{"spacing", "must be positive"})
		return errs
	}
	span := r.AzEnd - r.AzStart
	bins := span / r.Spacing
	if math.Abs(bins-math.Round(bins)) > 1e-9 {
		errs = append(errs, &FieldError{"spacing", fmt.Sprintf("must divide the azimuthal span %g evenly", span)})
	}
	return errs
}

func (r *Recipe) validateFrames() []*FieldError {
	var errs []*FieldError
	if r.FrameStart < 0 {
		errs = append(errs, &FieldError{"frame_start", "must be zero or positive"})
	}
	if r.Step < 1 {
		errs = append(errs, &FieldError{"step", "must be at least 1"})
	}
	if r.FrameEnd >= 0 && r.FrameCount() == 0 {
		errs = append(errs, &FieldError{"frame_end", "frame range is empty after applying step"})
	}
	return errs
}

func (r *Recipe) validateDetector() []*FieldError {
	var errs []*FieldError
	if r.Detector.Wavelength <= 0 {
		errs = append(errs, &FieldError{"detector_params.wavelength", "must be positive"})
	}
	if r.Detector.PixelSize[0] <= 0 || r.Detector.PixelSize[1] <= 0 {
		errs = append(errs, &FieldError{"detector_params.pixel_size", "must be positive"})
	}
	if r.Detector.DetectorSize[0] <= 0 || r.Detector.DetectorSize[1] <= 0 {
		errs = append(errs, &FieldError{"detector_params.detector_size", "must be positive"})
	}
	if r.Detector.Distance <= 0 {
		errs = append(errs, &FieldError{"detector_params.distance", "must be positive"})
	}
	return errs
}
