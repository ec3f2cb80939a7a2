package imageio

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"diffract/internal/logging"
	"diffract/internal/services"
)

// TimestampReader is an optional codec capability for acquisition timestamps.
type TimestampReader interface {
	FrameTimestamp(path string, fileFrame int) (time.Time, error)
}

// Enumerate resolves a source directory into the ordered frame sequence
// selected by [start, end) and step. end < 0 selects everything from start.
// Enumeration is deterministic for a fixed source: files are visited in
// sorted path order and container frames in file order, with global indices
// assigned densely across the whole tree.
func Enumerate(dir string, codec Codec, start, end, step int) ([]Descriptor, error) {
	if step < 1 {
		step = 1
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && codec.Supported(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "enumerate", "walk", dir, err)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "enumerate", "scan",
			fmt.Sprintf("no supported image files under %s", dir), nil)
	}

	tsReader, _ := codec.(TimestampReader)

	var out []Descriptor
	global := 0
	for _, path := range files {
		info, err := codec.Probe(path)
		if err != nil {
			return nil, err
		}
		for fileFrame := 0; fileFrame < info.Frames; fileFrame++ {
			if end >= 0 && global >= end {
				return out, nil
			}
			if global >= start && (global-start)%step == 0 {
				desc := Descriptor{
					Index:     global,
					Path:      path,
					FileFrame: fileFrame,
					Container: info.Container,
				}
				if tsReader != nil {
					if ts, err := tsReader.FrameTimestamp(path, fileFrame); err == nil {
						desc.Timestamp = ts
					}
				}
				out = append(out, desc)
			}
			global++
		}
	}
	return out, nil
}

// ValidateOrdering checks that timestamps, where present, are non-decreasing
// across ascending global index. Disagreement never fails the run: the
// global index stays authoritative and the problem is surfaced as a warning.
func ValidateOrdering(frames []Descriptor, logger *slog.Logger) bool {
	log := logging.NewComponentLogger(logger, "enumerate")
	ok := true
	var prev time.Time
	prevIdx := -1
	for _, f := range frames {
		if f.Timestamp.IsZero() {
			continue
		}
		if !prev.IsZero() && f.Timestamp.Before(prev) {
			ok = false
			log.Warn("frame timestamps disagree with declared order; keeping index order",
				logging.Int(logging.FieldFrame, f.Index),
				logging.Int("previous_frame", prevIdx),
				logging.String("timestamp", f.Timestamp.Format(time.RFC3339Nano)),
				logging.String("previous_timestamp", prev.Format(time.RFC3339Nano)),
			)
		}
		prev = f.Timestamp
		prevIdx = f.Index
	}
	return ok
}
