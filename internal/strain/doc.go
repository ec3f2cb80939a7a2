// Package strain derives the strain measurement column from a finalized
// dataset and a reference dataset produced by the same pipeline. Strain is
// the relative deviation of d-spacing from the per-(peak, azimuth) reference
// average. Without a reference the column stays NaN.
package strain
