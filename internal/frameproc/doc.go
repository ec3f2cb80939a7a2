// Package frameproc runs the per-frame pipeline stage: decode one detector
// frame, integrate it azimuthally, fit every configured peak in every bin,
// and package the measurements as one frame result.
//
// Workers are pure with respect to shared state; everything they touch
// besides the frame itself is read-only. Infrastructure failures surface as
// errors (the caller retries them); fit convergence failures only blank
// their own cell.
package frameproc
