package zarrstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"diffract/internal/dataset"
	"diffract/internal/services"
)

// ReadMetadata loads just the metadata document of a store.
func ReadMetadata(dir string) (dataset.Metadata, Geometry, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return dataset.Metadata{}, Geometry{}, services.Wrap(services.ErrNotFound, "store", "read metadata", dir, err)
	}
	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return dataset.Metadata{}, Geometry{}, services.Wrap(services.ErrValidation, "store", "parse metadata", dir, err)
	}
	return doc.Metadata, doc.Geometry, nil
}

// Read reassembles a dataset from a chunked store. Chunks missing on disk
// leave their cells at the "no data" marker.
func Read(dir string) (*dataset.Dataset, error) {
	meta, geom, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	ds, err := dataset.New(meta.PeakCount, geom.Frames, geom.Azimuths)
	if err != nil {
		return nil, err
	}
	ds.Meta = meta

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "store", "decompressor", "", err)
	}
	defer dec.Close()

	for p := 0; p < ds.Peaks; p++ {
		for cf := 0; cf < geom.FrameChunks(); cf++ {
			for ca := 0; ca < geom.AzimuthChunks(); ca++ {
				path := filepath.Join(dir, dataDir, chunkFile(p, cf, ca))
				compressed, err := os.ReadFile(path)
				if os.IsNotExist(err) {
					continue
				}
				if err != nil {
					return nil, services.Wrap(services.ErrTransient, "store", "read chunk", path, err)
				}
				raw, err := dec.DecodeAll(compressed, nil)
				if err != nil {
					return nil, services.Wrap(services.ErrValidation, "store", "decompress chunk", path, err)
				}
				if err := fillChunk(ds, geom, p, cf, ca, raw); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := readSideArrays(ds, dir); err != nil {
		return nil, err
	}
	return ds, nil
}

func fillChunk(ds *dataset.Dataset, geom Geometry, p, cf, ca int, raw []byte) error {
	nf := extent(cf, geom.ChunkFrames, ds.Frames)
	na := extent(ca, geom.ChunkAzimuths, ds.Azimuths)
	want := nf * na * dataset.NumColumns * elemSize
	if len(raw) != want {
		return services.Wrap(services.ErrValidation, "store", "chunk size",
			fmt.Sprintf("%s: %d bytes, want %d", chunkFile(p, cf, ca), len(raw), want), nil)
	}
	i := 0
	for f := 0; f < nf; f++ {
		for a := 0; a < na; a++ {
			for c := 0; c < dataset.NumColumns; c++ {
				bits := binary.LittleEndian.Uint32(raw[i:])
				ds.Set(p, cf*geom.ChunkFrames+f, ca*geom.ChunkAzimuths+a, c, math.Float32frombits(bits))
				i += elemSize
			}
		}
	}
	return nil
}

func readSideArrays(ds *dataset.Dataset, dir string) error {
	fn, err := os.ReadFile(filepath.Join(dir, frameNumsFile))
	if err != nil {
		return services.Wrap(services.ErrNotFound, "store", "read frame numbers", dir, err)
	}
	if len(fn) != len(ds.FrameNumbers)*4 {
		return services.Wrap(services.ErrValidation, "store", "frame numbers size", dir, nil)
	}
	for i := range ds.FrameNumbers {
		ds.FrameNumbers[i] = int32(binary.LittleEndian.Uint32(fn[i*4:]))
	}

	az, err := os.ReadFile(filepath.Join(dir, azimuthsFile))
	if err != nil {
		return services.Wrap(services.ErrNotFound, "store", "read azimuth angles", dir, err)
	}
	if len(az) != len(ds.AzimuthAngles)*4 {
		return services.Wrap(services.ErrValidation, "store", "azimuth angles size", dir, nil)
	}
	for i := range ds.AzimuthAngles {
		ds.AzimuthAngles[i] = math.Float32frombits(binary.LittleEndian.Uint32(az[i*4:]))
	}
	return nil
}
