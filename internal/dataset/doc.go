// Package dataset holds the 4D result array (peak, frame, azimuth,
// measurement) and the reducer that assembles it from out-of-order frame
// results.
//
// Ordering on the frame axis comes solely from the position tag each result
// carries; completion order never matters. Missing data is NaN, never zero.
package dataset
