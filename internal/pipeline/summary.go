package pipeline

import (
	"time"

	"log/slog"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"diffract/internal/logging"
)

// Summary is the user-visible report accompanying every finalized dataset:
// requested vs completed frames, cell failure counts, and where the data
// landed.
type Summary struct {
	RunID           string
	Sample          string
	Stage           string
	Identity        string
	DatasetDir      string
	RequestedFrames int
	CompletedFrames int
	MissingFrames   int
	CellFailures    int
	ChunksWritten   int
	ChunksSkipped   int
	MissingChunks   []string
	StrainApplied   bool
	Duration        time.Duration

	completedFrameNumbers []int32
}

var countPrinter = message.NewPrinter(language.English)

// FrameCounts renders "completed/requested" with thousands separators.
func (s *Summary) FrameCounts() string {
	return countPrinter.Sprintf("%d/%d", s.CompletedFrames, s.RequestedFrames)
}

// Log emits the summary through the structured logger.
func (s *Summary) Log(logger *slog.Logger) {
	log := logging.NewComponentLogger(logger, "pipeline")
	log.Info("run finished",
		logging.String(logging.FieldDataset, s.DatasetDir),
		logging.String("identity", s.Identity),
		logging.String("frames", s.FrameCounts()),
		logging.Int("missing_frames", s.MissingFrames),
		logging.Int("cell_failures", s.CellFailures),
		logging.Int("chunks_written", s.ChunksWritten),
		logging.Int("chunks_skipped", s.ChunksSkipped),
		logging.Duration("duration", s.Duration.Round(time.Millisecond)),
	)
	if len(s.MissingChunks) != 0 {
		log.Warn("dataset persisted with missing chunks",
			logging.Int("missing_chunks", len(s.MissingChunks)),
		)
	}
}
