// Package zarrstore persists 4D datasets as directories of zstd-compressed
// chunk files plus side arrays and a metadata document.
//
// Chunk boundaries split only the frame and azimuth axes, sized so each
// chunk's uncompressed bytes approach a configured target. Writes go through
// temp file and rename and skip chunks whose on-disk content already
// matches, so restarted runs never recompress what they already wrote.
package zarrstore
