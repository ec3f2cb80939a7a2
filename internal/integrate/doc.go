// Package integrate reduces 2D diffraction frames into 1D
// intensity-vs-2-theta patterns, one per azimuthal bin.
//
// The per-pixel angle lookup is computed once from the detector geometry
// (optionally refined by a calibration document) and shared read-only across
// workers. Masked pixels and out-of-range intensities are excluded from the
// averages; channels no pixel contributes to carry NaN, never zero.
package integrate
