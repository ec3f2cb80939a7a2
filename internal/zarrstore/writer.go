package zarrstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"log/slog"

	"github.com/klauspost/compress/zstd"

	"diffract/internal/dataset"
	"diffract/internal/logging"
	"diffract/internal/services"
)

// storeDocument is the persisted metadata.json: dataset metadata plus the
// chunk geometry the reader needs to reassemble the array.
type storeDocument struct {
	dataset.Metadata
	Geometry Geometry `json:"chunk_geometry"`
}

// Writer persists datasets as chunked, zstd-compressed stores.
type Writer struct {
	targetBytes int64
	level       int
	retries     int
	logger      *slog.Logger

	enc *zstd.Encoder
}

// Option configures a Writer.
type Option func(*Writer)

// WithChunkTarget overrides the uncompressed chunk size target.
func WithChunkTarget(bytes int64) Option {
	return func(w *Writer) {
		if bytes > 0 {
			w.targetBytes = bytes
		}
	}
}

// WithCompressionLevel sets the zstd level (1 fastest, 9 best).
func WithCompressionLevel(level int) Option {
	return func(w *Writer) {
		if level >= 1 && level <= 9 {
			w.level = level
		}
	}
}

// WithChunkRetries bounds write attempts per chunk.
func WithChunkRetries(n int) Option {
	return func(w *Writer) {
		if n >= 0 {
			w.retries = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// NewWriter constructs a Writer using defaults: 100 MiB chunks, zstd
// level 3, two retries per chunk.
func NewWriter(opts ...Option) (*Writer, error) {
	w := &Writer{targetBytes: 100 << 20, level: 3, retries: 2}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.NewComponentLogger(w.logger, "store")

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(w.level)),
		zstd.WithWindowSize(1<<20),
	)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "store", "compressor", "", err)
	}
	w.enc = enc
	return w, nil
}

// Report summarizes one persistence pass.
type Report struct {
	Dir           string
	ChunksWritten int
	ChunksSkipped int
	// MissingChunks lists chunk files whose writes kept failing after
	// retries. The rest of the store stays valid.
	MissingChunks []string
}

// Write persists the dataset under dir. Chunk writes are idempotent: a
// chunk whose content already matches on disk is skipped, so a rerun over a
// superset of frames only pays for what changed. Failed chunk writes are
// retried, then recorded on the report without discarding written chunks.
func (w *Writer) Write(ds *dataset.Dataset, dir string) (*Report, error) {
	if ds == nil {
		return nil, services.Wrap(services.ErrValidation, "store", "write", "nil dataset", nil)
	}
	geom, err := ComputeChunks(ds.Frames, ds.Azimuths, dataset.NumColumns, w.targetBytes)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, dataDir), 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "store", "mkdir", dir, err)
	}

	report := &Report{Dir: dir}
	for p := 0; p < ds.Peaks; p++ {
		for cf := 0; cf < geom.FrameChunks(); cf++ {
			for ca := 0; ca < geom.AzimuthChunks(); ca++ {
				name := chunkFile(p, cf, ca)
				raw := w.chunkPayload(ds, geom, p, cf, ca)
				written, err := w.writeChunk(filepath.Join(dir, dataDir, name), raw)
				if err != nil {
					w.logger.Warn("chunk write failed after retries",
						logging.String("chunk", name),
						logging.Error(err),
					)
					report.MissingChunks = append(report.MissingChunks, name)
					continue
				}
				if written {
					report.ChunksWritten++
				} else {
					report.ChunksSkipped++
				}
			}
		}
	}

	if err := w.writeSideArrays(ds, dir); err != nil {
		return report, err
	}
	if err := w.writeMetadata(ds, geom, dir); err != nil {
		return report, err
	}
	return report, nil
}

// chunkPayload serializes the clipped chunk block, frame-major within the
// peak slab, as little-endian float32.
func (w *Writer) chunkPayload(ds *dataset.Dataset, geom Geometry, p, cf, ca int) []byte {
	nf := extent(cf, geom.ChunkFrames, ds.Frames)
	na := extent(ca, geom.ChunkAzimuths, ds.Azimuths)
	buf := make([]byte, 0, nf*na*dataset.NumColumns*elemSize)
	scratch := make([]byte, elemSize)
	for f := 0; f < nf; f++ {
		for a := 0; a < na; a++ {
			for c := 0; c < dataset.NumColumns; c++ {
				v := ds.At(p, cf*geom.ChunkFrames+f, ca*geom.ChunkAzimuths+a, c)
				binary.LittleEndian.PutUint32(scratch, math.Float32bits(v))
				buf = append(buf, scratch...)
			}
		}
	}
	return buf
}

// writeChunk compresses and persists one chunk via temp file and rename.
// It reports false when the existing chunk already holds the same content.
func (w *Writer) writeChunk(path string, raw []byte) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil {
		dec, err := zstd.NewReader(nil)
		if err == nil {
			prev, derr := dec.DecodeAll(existing, nil)
			dec.Close()
			if derr == nil && bytes.Equal(prev, raw) {
				return false, nil
			}
		}
	}

	compressed := w.enc.EncodeAll(raw, nil)
	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		lastErr = writeFileAtomic(path, compressed)
		if lastErr == nil {
			return true, nil
		}
	}
	return false, services.Wrap(services.ErrTransient, "store", "write chunk", path, lastErr)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (w *Writer) writeSideArrays(ds *dataset.Dataset, dir string) error {
	fn := make([]byte, len(ds.FrameNumbers)*4)
	for i, v := range ds.FrameNumbers {
		binary.LittleEndian.PutUint32(fn[i*4:], uint32(v))
	}
	if err := writeFileAtomic(filepath.Join(dir, frameNumsFile), fn); err != nil {
		return services.Wrap(services.ErrTransient, "store", "write frame numbers", dir, err)
	}

	az := make([]byte, len(ds.AzimuthAngles)*4)
	for i, v := range ds.AzimuthAngles {
		binary.LittleEndian.PutUint32(az[i*4:], math.Float32bits(v))
	}
	if err := writeFileAtomic(filepath.Join(dir, azimuthsFile), az); err != nil {
		return services.Wrap(services.ErrTransient, "store", "write azimuth angles", dir, err)
	}
	return nil
}

func (w *Writer) writeMetadata(ds *dataset.Dataset, geom Geometry, dir string) error {
	doc := storeDocument{Metadata: ds.Meta, Geometry: geom}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrValidation, "store", "encode metadata", dir, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metadataFile), append(data, '\n')); err != nil {
		return services.Wrap(services.ErrTransient, "store", "write metadata", dir, err)
	}
	return nil
}

// Close releases the compressor.
func (w *Writer) Close() {
	if w.enc != nil {
		w.enc.Close()
	}
}
