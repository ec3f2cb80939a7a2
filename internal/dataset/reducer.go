package dataset

import (
	"fmt"
	"log/slog"

	"diffract/internal/logging"
	"diffract/internal/services"
)

// FrameResult is the output of one frame worker: a full
// (peak, azimuth, measurement) block tagged with the frame's position in the
// requested sequence. Position, not arrival order, decides where the block
// lands on the frame axis.
type FrameResult struct {
	// Position is the frame's index within the requested sequence,
	// starting at zero.
	Position int
	// FrameNumber is the dense global frame index in the source.
	FrameNumber int32
	// Cells is peaks*azimuths*NumColumns values, peak-major. Failed cells
	// carry NaN.
	Cells []float32
	// CellFailures counts (peak, azimuth) cells whose fit did not converge.
	CellFailures int
}

// Reducer assembles frame results into the dataset. Results may arrive in
// any order and may be duplicated; the first successful write per position
// wins. Apply and MarkMissing must be called from a single reducing
// goroutine.
type Reducer struct {
	ds     *Dataset
	logger *slog.Logger

	done         []bool
	completed    int
	missing      int
	cellFailures int
}

// NewReducer wraps a freshly allocated dataset.
func NewReducer(ds *Dataset, logger *slog.Logger) *Reducer {
	return &Reducer{
		ds:     ds,
		logger: logging.NewComponentLogger(logger, "reducer"),
		done:   make([]bool, ds.Frames),
	}
}

// Apply writes one frame result at its tagged position.
func (r *Reducer) Apply(res *FrameResult) error {
	if res.Position < 0 || res.Position >= r.ds.Frames {
		return services.Wrap(services.ErrValidation, "reduce", "position",
			fmt.Sprintf("position %d outside frame axis of %d", res.Position, r.ds.Frames), nil)
	}
	want := r.ds.Peaks * r.ds.Azimuths * NumColumns
	if len(res.Cells) != want {
		return services.Wrap(services.ErrValidation, "reduce", "block size",
			fmt.Sprintf("frame %d: %d cells, want %d", res.FrameNumber, len(res.Cells), want), nil)
	}
	if r.done[res.Position] {
		r.logger.Warn("duplicate result for completed position; keeping first write",
			logging.Int(logging.FieldFrame, int(res.FrameNumber)),
			logging.Int("position", res.Position),
		)
		return nil
	}

	i := 0
	for p := 0; p < r.ds.Peaks; p++ {
		for a := 0; a < r.ds.Azimuths; a++ {
			for c := 0; c < NumColumns; c++ {
				r.ds.Set(p, res.Position, a, c, res.Cells[i])
				i++
			}
		}
	}
	r.ds.FrameNumbers[res.Position] = res.FrameNumber
	r.done[res.Position] = true
	r.completed++
	r.cellFailures += res.CellFailures
	return nil
}

// MarkMissing records a frame that failed after exhausting its retries. The
// cells stay at the "no data" marker but the side array still maps position
// to the global frame index.
func (r *Reducer) MarkMissing(position int, frameNumber int32) {
	if position < 0 || position >= r.ds.Frames || r.done[position] {
		return
	}
	r.ds.FrameNumbers[position] = frameNumber
	r.done[position] = true
	r.missing++
	r.logger.Warn("frame recorded as missing",
		logging.Int(logging.FieldFrame, int(frameNumber)),
		logging.Int("position", position),
	)
}

// Completed returns the count of positions filled with real data.
func (r *Reducer) Completed() int { return r.completed }

// Missing returns the count of positions recorded as failed frames.
func (r *Reducer) Missing() int { return r.missing }

// CellFailures returns the total non-converged cell count across all
// applied results.
func (r *Reducer) CellFailures() int { return r.cellFailures }

// Completeness returns the filled fraction of the frame axis.
func (r *Reducer) Completeness() float64 {
	if r.ds.Frames == 0 {
		return 0
	}
	return float64(r.completed) / float64(r.ds.Frames)
}

// Dataset hands over the assembled array. The reducer keeps no exclusive
// claim after this; callers take it for finalize and persistence. A
// partially reduced dataset is valid: unfilled positions carry NaN cells
// and a -1 frame number.
func (r *Reducer) Dataset() *Dataset { return r.ds }
