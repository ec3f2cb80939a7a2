package frameproc

import (
	"context"
	"math"

	"log/slog"

	"diffract/internal/dataset"
	"diffract/internal/imageio"
	"diffract/internal/integrate"
	"diffract/internal/logging"
	"diffract/internal/recipe"
	"diffract/internal/services"
	"diffract/internal/services/fitkit"
	"diffract/internal/strain"
)

// Task is one unit of work: a frame descriptor plus the frame's position in
// the requested sequence.
type Task struct {
	Descriptor imageio.Descriptor
	Position   int
}

// Worker processes frames end-to-end: decode, integrate, fit every
// (peak, azimuth) cell, assemble a FrameResult. It holds only read-only
// shared state, so one Worker value is safely shared by all pool workers.
type Worker struct {
	codec      imageio.Codec
	integrator *integrate.Integrator
	engine     fitkit.Engine
	peaks      []recipe.Peak
	background []float64
	scratchDir string
	seeds      *strain.Reference
	logger     *slog.Logger
}

// Config assembles a Worker.
type Config struct {
	Codec      imageio.Codec
	Integrator *integrate.Integrator
	Engine     fitkit.Engine
	Peaks      []recipe.Peak
	Background []recipe.Peak
	ScratchDir string
	// Seeds, when set, supplies per-(peak, azimuth) reference positions
	// that replace the nominal peak position as the fit starting point.
	Seeds  *strain.Reference
	Logger *slog.Logger
}

// New builds a Worker.
func New(cfg Config) *Worker {
	bg := make([]float64, 0, len(cfg.Background))
	for _, p := range cfg.Background {
		bg = append(bg, p.Position)
	}
	return &Worker{
		codec:      cfg.Codec,
		integrator: cfg.Integrator,
		engine:     cfg.Engine,
		peaks:      cfg.Peaks,
		background: bg,
		scratchDir: cfg.ScratchDir,
		seeds:      cfg.Seeds,
		logger:     logging.NewComponentLogger(cfg.Logger, "worker"),
	}
}

// Process runs one frame. A failed decode fails the frame; a failed fit
// marks only its (peak, azimuth) cell. Temporary extraction artifacts are
// removed on every exit path.
func (w *Worker) Process(ctx context.Context, task Task) (*dataset.FrameResult, error) {
	frame, err := w.decode(ctx, task.Descriptor)
	if err != nil {
		return nil, err
	}

	patterns, err := w.integrator.Integrate(frame)
	if err != nil {
		return nil, err
	}

	bins := w.integrator.Bins()
	wavelength := w.integrator.Wavelength()
	cells := make([]float32, len(w.peaks)*bins*dataset.NumColumns)
	nan := float32(math.NaN())
	for i := range cells {
		cells[i] = nan
	}

	failures := 0
	for p, peak := range w.peaks {
		for a := 0; a < bins; a++ {
			base := (p*bins + a) * dataset.NumColumns
			res, err := w.fitCell(ctx, patterns[a], peak, p, a)
			if err != nil {
				if fitkit.IsConvergenceFailure(err) {
					failures++
					w.logger.Debug("fit did not converge",
						logging.Int(logging.FieldFrame, task.Descriptor.Index),
						logging.String(logging.FieldPeak, peak.Name),
						logging.Int(logging.FieldAzimuth, a),
						logging.Error(err),
					)
					continue
				}
				return nil, err
			}
			cells[base+dataset.ColPos] = float32(res.Position)
			cells[base+dataset.ColArea] = float32(res.Area)
			cells[base+dataset.ColSigma] = float32(res.Sigma)
			cells[base+dataset.ColGamma] = float32(res.Gamma)
			cells[base+dataset.ColD] = float32(integrate.DSpacing(wavelength, res.Position))
		}
	}

	return &dataset.FrameResult{
		Position:     task.Position,
		FrameNumber:  int32(task.Descriptor.Index),
		Cells:        cells,
		CellFailures: failures,
	}, nil
}

func (w *Worker) decode(ctx context.Context, desc imageio.Descriptor) (*imageio.Frame, error) {
	if !desc.Container || w.scratchDir == "" {
		return w.codec.Decode(ctx, desc)
	}
	ext, err := imageio.ExtractScoped(ctx, w.codec, desc, w.scratchDir)
	if err != nil {
		return nil, err
	}
	defer ext.Release()
	return w.codec.Decode(ctx, imageio.Descriptor{Index: desc.Index, Path: ext.Path, FileFrame: 0})
}

func (w *Worker) fitCell(ctx context.Context, pattern integrate.Pattern, peak recipe.Peak, p, a int) (fitkit.Result, error) {
	window := pattern.Window(peak.Limits[0], peak.Limits[1])
	theta, intensity := dropNoData(window)
	if len(theta) == 0 {
		return fitkit.Result{}, services.Wrap(services.ErrConvergence, "fit", peak.Name, "empty window", nil)
	}

	position := peak.Position
	if w.seeds != nil {
		if seed := w.seeds.Pos(p, a); !math.IsNaN(seed) {
			position = seed
		}
	}
	return w.engine.Fit(ctx, fitkit.Request{
		TwoTheta:   theta,
		Intensity:  intensity,
		Peak:       fitkit.PeakSeed{Name: peak.Name, Position: position, Limits: peak.Limits},
		Background: w.background,
	})
}

// dropNoData strips channels no pixel contributed to before handing the
// pattern to the fitting engine.
func dropNoData(p integrate.Pattern) (theta, intensity []float64) {
	for i, v := range p.Intensity {
		if math.IsNaN(v) {
			continue
		}
		theta = append(theta, p.TwoTheta[i])
		intensity = append(intensity, v)
	}
	return theta, intensity
}
