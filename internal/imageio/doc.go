// Package imageio is the frame enumeration and image decode boundary.
//
// Enumerate turns a source directory into a deterministic ordered sequence
// of frame descriptors with dense global indices; Codec decodes one 2D
// intensity array per descriptor. The built-in RawCodec reads the diffract
// raw container format; detector-specific formats plug in behind the same
// interface. Container-packed frames can be extracted to a scoped scratch
// file whose release is guaranteed by the caller.
package imageio
