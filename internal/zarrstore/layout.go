package zarrstore

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	dataDir       = "data"
	metadataFile  = "metadata.json"
	frameNumsFile = "frame_numbers.bin"
	azimuthsFile  = "azimuth_angles.bin"
)

// DatasetDir returns the directory one dataset occupies:
// {root}/{sample}/{date}/{params-identity}.
func DatasetDir(root, sample, dirName string, created time.Time) string {
	return filepath.Join(root, sample, created.UTC().Format("2006-01-02"), dirName)
}

// chunkFile names the chunk at chunk coordinate (peak, frameChunk,
// azimuthChunk).
func chunkFile(p, cf, ca int) string {
	return fmt.Sprintf("c%d.%d.%d", p, cf, ca)
}
