package imageio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"diffract/internal/services"
)

// Codec is the image decode capability: probe a source file, decode one
// frame from it. Implementations may shell out to external format tooling;
// the pipeline only depends on this interface.
type Codec interface {
	// Supported reports whether the codec handles the file.
	Supported(path string) bool
	// Probe returns the frame count and container flag for a file.
	Probe(path string) (FileInfo, error)
	// Decode loads the 2D intensity array for one frame.
	Decode(ctx context.Context, desc Descriptor) (*Frame, error)
}

const (
	rawMagic     = "DFR1"
	rawHeaderLen = 4 + 4 + 4 + 4
)

// RawCodec reads the diffract raw container format (.dfr): a fixed header
// (magic, frame count, width, height) followed by per-frame records of an
// int64 unix-nano timestamp and width*height little-endian float32 pixels.
// Single- and multi-frame files share the same layout.
type RawCodec struct{}

func (RawCodec) Supported(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".dfr")
}

func (RawCodec) Probe(path string) (FileInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return FileInfo{}, services.Wrap(services.ErrExternalTool, "decode", "probe", path, err)
	}
	defer file.Close()

	frames, _, _, err := readRawHeader(file)
	if err != nil {
		return FileInfo{}, services.Wrap(services.ErrExternalTool, "decode", "probe", path, err)
	}
	return FileInfo{Frames: frames, Container: frames > 1}, nil
}

func (RawCodec) Decode(ctx context.Context, desc Descriptor) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(desc.Path)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "decode", "open", desc.Path, err)
	}
	defer file.Close()

	frames, width, height, err := readRawHeader(file)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "decode", "header", desc.Path, err)
	}
	if desc.FileFrame < 0 || desc.FileFrame >= frames {
		return nil, services.Wrap(services.ErrExternalTool, "decode", "frame index",
			fmt.Sprintf("%s: frame %d of %d", desc.Path, desc.FileFrame, frames), nil)
	}

	frameBytes := int64(8 + 4*width*height)
	offset := int64(rawHeaderLen) + int64(desc.FileFrame)*frameBytes
	if _, err := file.Seek(offset+8, io.SeekStart); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "decode", "seek", desc.Path, err)
	}

	pixels := make([]float32, width*height)
	if err := binary.Read(file, binary.LittleEndian, pixels); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "decode", "read pixels", desc.Path, err)
	}
	return &Frame{Width: width, Height: height, Pixels: pixels}, nil
}

// FrameTimestamp reads the acquisition timestamp for a frame, if recorded.
func (RawCodec) FrameTimestamp(path string, fileFrame int) (time.Time, error) {
	file, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer file.Close()

	frames, width, height, err := readRawHeader(file)
	if err != nil {
		return time.Time{}, err
	}
	if fileFrame < 0 || fileFrame >= frames {
		return time.Time{}, fmt.Errorf("frame %d of %d", fileFrame, frames)
	}

	frameBytes := int64(8 + 4*width*height)
	if _, err := file.Seek(int64(rawHeaderLen)+int64(fileFrame)*frameBytes, io.SeekStart); err != nil {
		return time.Time{}, err
	}
	var nanos int64
	if err := binary.Read(file, binary.LittleEndian, &nanos); err != nil {
		return time.Time{}, err
	}
	if nanos == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos).UTC(), nil
}

func readRawHeader(r io.Reader) (frames, width, height int, err error) {
	header := make([]byte, rawHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, 0, fmt.Errorf("read header: %w", err)
	}
	if string(header[:4]) != rawMagic {
		return 0, 0, 0, fmt.Errorf("bad magic %q", header[:4])
	}
	frames = int(binary.LittleEndian.Uint32(header[4:8]))
	width = int(binary.LittleEndian.Uint32(header[8:12]))
	height = int(binary.LittleEndian.Uint32(header[12:16]))
	if frames <= 0 || width <= 0 || height <= 0 {
		return 0, 0, 0, fmt.Errorf("bad dimensions %dx%dx%d", frames, width, height)
	}
	return frames, width, height, nil
}

// WriteRaw writes frames to a .dfr file. Timestamps may be nil or shorter
// than frames; missing entries are recorded as zero.
func WriteRaw(path string, width, height int, frames [][]float32, timestamps []time.Time) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	header := make([]byte, rawHeaderLen)
	copy(header, rawMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(frames)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(width))
	binary.LittleEndian.PutUint32(header[12:16], uint32(height))
	if _, err := file.Write(header); err != nil {
		return err
	}

	for i, pixels := range frames {
		if len(pixels) != width*height {
			return fmt.Errorf("frame %d: %d pixels, want %d", i, len(pixels), width*height)
		}
		var nanos int64
		if i < len(timestamps) && !timestamps[i].IsZero() {
			nanos = timestamps[i].UnixNano()
		}
		if err := binary.Write(file, binary.LittleEndian, nanos); err != nil {
			return err
		}
		if err := binary.Write(file, binary.LittleEndian, pixels); err != nil {
			return err
		}
	}
	return nil
}
