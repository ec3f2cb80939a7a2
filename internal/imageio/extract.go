package imageio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"diffract/internal/services"
)

// Extraction is a scoped standalone copy of one container-packed frame.
// Callers must invoke Release on every exit path; Release is idempotent.
type Extraction struct {
	Path     string
	released bool
}

// Release removes the extracted file.
func (e *Extraction) Release() {
	if e == nil || e.released {
		return
	}
	e.released = true
	_ = os.Remove(e.Path)
}

// ExtractScoped copies a single frame out of its container into scratchDir
// as a standalone single-frame file. Used when a downstream tool needs a
// plain file rather than an in-memory array.
func ExtractScoped(ctx context.Context, codec Codec, desc Descriptor, scratchDir string) (*Extraction, error) {
	frame, err := codec.Decode(ctx, desc)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrTransient, "decode", "scratch dir", scratchDir, err)
	}
	path := filepath.Join(scratchDir, fmt.Sprintf("frame-%06d-%d.dfr", desc.Index, os.Getpid()))
	if err := WriteRaw(path, frame.Width, frame.Height, [][]float32{frame.Pixels}, nil); err != nil {
		return nil, services.Wrap(services.ErrTransient, "decode", "extract", path, err)
	}
	return &Extraction{Path: path}, nil
}
