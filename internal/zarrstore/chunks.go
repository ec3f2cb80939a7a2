package zarrstore

import (
	"fmt"
	"math"

	"diffract/internal/services"
)

const elemSize = 4 // float32

// Geometry fixes how the 4D array splits into chunks. Only the frame and
// azimuth axes are ever split; the peak axis is chunked at one and the
// measurement axis stays whole, since a (peak, measurement) pair is always
// read together.
type Geometry struct {
	Frames        int `json:"frames"`
	Azimuths      int `json:"azimuths"`
	Measurements  int `json:"measurements"`
	ChunkFrames   int `json:"chunk_frames"`
	ChunkAzimuths int `json:"chunk_azimuths"`
}

// ComputeChunks chooses chunk extents whose uncompressed byte size
// approaches targetBytes from below. The frame axis takes the larger share
// of the split: sequential reads walk frames far more often than azimuths.
func ComputeChunks(frames, azimuths, measurements int, targetBytes int64) (Geometry, error) {
	if frames <= 0 || azimuths <= 0 || measurements <= 0 {
		return Geometry{}, services.Wrap(services.ErrValidation, "store", "chunk shape",
			fmt.Sprintf("%d x %d x %d", frames, azimuths, measurements), nil)
	}
	if targetBytes < int64(measurements*elemSize) {
		return Geometry{}, services.Wrap(services.ErrValidation, "store", "chunk target",
			fmt.Sprintf("%d bytes cannot hold one measurement row", targetBytes), nil)
	}

	// cell budget per chunk for a single peak slab
	budget := targetBytes / int64(measurements*elemSize)

	chunkF := int(math.Floor(math.Pow(float64(budget), 0.7)))
	if chunkF < 1 {
		chunkF = 1
	}
	if chunkF > frames {
		chunkF = frames
	}
	chunkA := int(budget / int64(chunkF))
	if chunkA < 1 {
		chunkA = 1
	}
	if chunkA > azimuths {
		chunkA = azimuths
	}
	// spend leftover budget on frames when the azimuth axis saturates
	if chunkA == azimuths {
		chunkF = int(budget / int64(chunkA))
		if chunkF > frames {
			chunkF = frames
		}
		if chunkF < 1 {
			chunkF = 1
		}
	}

	return Geometry{
		Frames:        frames,
		Azimuths:      azimuths,
		Measurements:  measurements,
		ChunkFrames:   chunkF,
		ChunkAzimuths: chunkA,
	}, nil
}

// FrameChunks returns the chunk count along the frame axis.
func (g Geometry) FrameChunks() int {
	return (g.Frames + g.ChunkFrames - 1) / g.ChunkFrames
}

// AzimuthChunks returns the chunk count along the azimuth axis.
func (g Geometry) AzimuthChunks() int {
	return (g.Azimuths + g.ChunkAzimuths - 1) / g.ChunkAzimuths
}

// ChunkBytes returns the uncompressed size of a full (unclipped) chunk.
func (g Geometry) ChunkBytes() int64 {
	return int64(g.ChunkFrames) * int64(g.ChunkAzimuths) * int64(g.Measurements) * elemSize
}

// extent returns the clipped length of chunk index i along an axis of size
// total with chunk size size.
func extent(i, size, total int) int {
	n := total - i*size
	if n > size {
		n = size
	}
	return n
}
