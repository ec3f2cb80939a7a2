package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"diffract/internal/config"
	"diffract/internal/dataset"
	"diffract/internal/frameproc"
	"diffract/internal/identity"
	"diffract/internal/imageio"
	"diffract/internal/integrate"
	"diffract/internal/logging"
	"diffract/internal/pool"
	"diffract/internal/recipe"
	"diffract/internal/runledger"
	"diffract/internal/services"
	"diffract/internal/services/fitkit"
	"diffract/internal/strain"
	"diffract/internal/zarrstore"
)

// timeNow is stubbed in tests that exercise date-dependent directory layout.
var timeNow = time.Now

// Pipeline drives one processing run end to end: enumerate, fan out, reduce,
// finalize, persist.
type Pipeline struct {
	cfg    *config.Config
	engine fitkit.Engine
	codec  imageio.Codec
	ledger *runledger.Store
	logger *slog.Logger
}

// Options assembles a Pipeline. Ledger may be nil for one-off runs.
type Options struct {
	Config *config.Config
	Engine fitkit.Engine
	Codec  imageio.Codec
	Ledger *runledger.Store
	Logger *slog.Logger
}

// New builds a Pipeline.
func New(opts Options) *Pipeline {
	codec := opts.Codec
	if codec == nil {
		codec = imageio.RawCodec{}
	}
	return &Pipeline{
		cfg:    opts.Config,
		engine: opts.Engine,
		codec:  codec,
		ledger: opts.Ledger,
		logger: logging.NewComponentLogger(opts.Logger, "pipeline"),
	}
}

// Run processes one recipe. On worker ranks of a cluster launch it serves
// tasks until drained and returns a nil summary.
func (p *Pipeline) Run(ctx context.Context, rec *recipe.Recipe) (*Summary, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	env := pool.Detect(p.cfg.Cluster.ForceMode, p.logger)
	if env.Mode == pool.ModeCluster && !env.IsCoordinator() {
		var seeds *strain.Reference
		if rec.HasReferences() {
			ref, err := p.referencePass(ctx, rec)
			if err != nil {
				return nil, err
			}
			seeds = ref
		}
		worker, _, err := p.buildWorker(rec, seeds)
		if err != nil {
			return nil, err
		}
		return nil, pool.RunWorker(ctx, env, worker, p.logger)
	}

	started := timeNow()
	frames, err := imageio.Enumerate(rec.ImagesPath, p.codec, rec.FrameStart, rec.FrameEnd, rec.Step)
	if err != nil {
		return nil, err
	}
	imageio.ValidateOrdering(frames, p.logger)

	params := identity.FromRecipe(rec, rec.FrameEnd)
	id := identity.Compute(params)
	series := identity.SeriesKey(params)
	dir := zarrstore.DatasetDir(p.cfg.Paths.OutputRoot, rec.Sample, identity.DirName(params), started)

	// A rerun of the same parameter set lands back in the directory its
	// predecessor recorded, even across day boundaries; otherwise a resumed
	// run would leave a duplicate dataset under a second date directory.
	// priorDir tracks the latest persisted dataset in the series so a rerun
	// over a widened frame range can reuse the narrower run's frames.
	priorDir := ""
	if p.ledger != nil {
		if prior, err := p.ledger.LatestRun(ctx, id); err == nil && dirExists(prior.DatasetDir) {
			dir = prior.DatasetDir
		}
		if prior, err := p.ledger.LatestSeriesRun(ctx, series); err == nil && dirExists(prior.DatasetDir) {
			priorDir = prior.DatasetDir
		}
	}

	lock := flock.New(filepath.Join(p.cfg.Paths.OutputRoot, ".diffract.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "pipeline", "lock output root", p.cfg.Paths.OutputRoot, err)
	}
	if !locked {
		return nil, services.Wrap(services.ErrTransient, "pipeline", "lock output root",
			"another run holds the output root", nil)
	}
	defer lock.Unlock()

	var runID string
	if p.ledger != nil {
		run, err := p.ledger.StartRun(ctx, rec.Sample, string(rec.Stage), id, series, dir, len(frames))
		if err != nil {
			return nil, err
		}
		runID = run.ID
	}

	summary, err := p.process(ctx, rec, env, frames, id, series, dir, priorDir, started)
	if p.ledger != nil && runID != "" {
		// The ledger must still record the outcome when the run context was
		// canceled, so finalization runs on a detached context.
		ledgerCtx := context.WithoutCancel(ctx)
		if summary != nil {
			_ = p.ledger.MarkFrames(ledgerCtx, series, summary.completedFrameNumbers)
		}
		if err != nil {
			_ = p.ledger.FailRun(ledgerCtx, runID, err.Error())
		} else {
			_ = p.ledger.CompleteRun(ledgerCtx, runID, summary.CompletedFrames, summary.MissingFrames, summary.CellFailures)
		}
	}
	if summary != nil {
		summary.RunID = runID
	}
	return summary, err
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (p *Pipeline) process(ctx context.Context, rec *recipe.Recipe, env pool.Environment,
	frames []imageio.Descriptor, id, series, dir, priorDir string, started time.Time) (*Summary, error) {

	var seeds *strain.Reference
	if rec.HasReferences() {
		ref, err := p.referencePass(ctx, rec)
		if err != nil {
			return nil, err
		}
		seeds = ref
	}

	worker, integrator, err := p.buildWorker(rec, seeds)
	if err != nil {
		return nil, err
	}

	ds, err := dataset.New(len(rec.ActivePeaks), len(frames), integrator.Bins())
	if err != nil {
		return nil, err
	}
	ds.SetAzimuthAngles(integrator.Centers())
	reducer := dataset.NewReducer(ds, p.logger)

	skip := p.alreadyCompleted(ctx, series, dir, priorDir, reducer, frames)
	fanErr := p.fanOut(ctx, env, worker, frames, reducer, skip)
	if fanErr != nil && !canceled(fanErr) {
		return nil, fanErr
	}
	if fanErr != nil {
		// Cancellation still persists the reduced fraction: unprocessed
		// frames stay NaN and a later run resumes from what was written.
		p.logger.Warn("run canceled; persisting partial dataset",
			logging.Int("completed", reducer.Completed()),
			logging.Int("requested", len(frames)),
		)
	}

	if err := strain.Apply(ds, seeds); err != nil {
		return nil, err
	}
	ds.Finalize(rec.Sample, string(rec.Stage), id, rec.MillerIndices(), identity.FromRecipe(rec, rec.FrameEnd), started)

	writer, err := zarrstore.NewWriter(
		zarrstore.WithChunkTarget(p.cfg.Storage.ChunkTargetBytes),
		zarrstore.WithCompressionLevel(p.cfg.Storage.CompressionLevel),
		zarrstore.WithChunkRetries(p.cfg.Processing.ChunkRetries),
		zarrstore.WithLogger(p.logger),
	)
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	report, err := writer.Write(ds, dir)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Sample:          rec.Sample,
		Stage:           string(rec.Stage),
		Identity:        id,
		DatasetDir:      dir,
		RequestedFrames: len(frames),
		CompletedFrames: reducer.Completed(),
		MissingFrames:   reducer.Missing(),
		CellFailures:    reducer.CellFailures(),
		ChunksWritten:   report.ChunksWritten,
		ChunksSkipped:   report.ChunksSkipped,
		MissingChunks:   report.MissingChunks,
		StrainApplied:   seeds != nil,
		Duration:        time.Since(started),
	}
	for pos, fn := range ds.FrameNumbers {
		if fn >= 0 && ds.HasData(pos) {
			summary.completedFrameNumbers = append(summary.completedFrameNumbers, fn)
		}
	}
	summary.Log(p.logger)
	return summary, fanErr
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// fanOut submits every unfinished frame and gathers outcomes, resubmitting
// infrastructure failures a bounded number of times.
func (p *Pipeline) fanOut(ctx context.Context, env pool.Environment, worker *frameproc.Worker,
	frames []imageio.Descriptor, reducer *dataset.Reducer, skip map[int]bool) error {

	capacity := len(frames) * (p.cfg.Processing.FrameRetries + 1)
	var pl pool.Pool
	if env.Mode == pool.ModeCluster {
		coord, err := pool.NewCoordinator(p.cfg.Cluster.CoordBind, capacity, p.logger)
		if err != nil {
			return err
		}
		pl = coord
	} else {
		workers := pool.WorkerCount(p.cfg.Processing.Workers)
		pl = pool.NewLocal(ctx, worker, workers, capacity, p.logger)
	}
	defer pl.Close()

	outstanding := 0
	for pos, desc := range frames {
		if skip[pos] {
			continue
		}
		pl.Submit(frameproc.Task{Descriptor: desc, Position: pos})
		outstanding++
	}

	attempts := make(map[int]int)
	for outstanding > 0 {
		var out pool.Outcome
		select {
		case <-ctx.Done():
			// Workers may have delivered results the gather loop has not
			// consumed yet. Fold those in before giving up so the partial
			// dataset covers every frame that actually finished.
			p.drainDelivered(pl, reducer)
			return ctx.Err()
		case out = <-pl.Results():
		}
		outstanding--

		if out.Err == nil {
			if err := reducer.Apply(out.Result); err != nil {
				return err
			}
			continue
		}
		if canceled(out.Err) {
			// The pool reports queued tasks it will never run with the
			// context error once the run is canceled.
			p.drainDelivered(pl, reducer)
			return out.Err
		}

		pos := out.Task.Position
		attempts[pos]++
		if services.Retryable(out.Err) && attempts[pos] <= p.cfg.Processing.FrameRetries {
			p.logger.Warn("frame failed; resubmitting",
				logging.Int(logging.FieldFrame, out.Task.Descriptor.Index),
				logging.Int("attempt", attempts[pos]),
				logging.Error(out.Err),
			)
			pl.Submit(out.Task)
			outstanding++
			continue
		}
		if services.Fatal(out.Err) {
			return out.Err
		}
		p.logger.Error("frame failed permanently",
			logging.Int(logging.FieldFrame, out.Task.Descriptor.Index),
			logging.Error(out.Err),
		)
		reducer.MarkMissing(pos, int32(out.Task.Descriptor.Index))
	}
	return nil
}

// drainDelivered applies whatever successful outcomes are already buffered
// on the results channel without blocking for more.
func (p *Pipeline) drainDelivered(pl pool.Pool, reducer *dataset.Reducer) {
	for {
		select {
		case out := <-pl.Results():
			if out.Err == nil {
				_ = reducer.Apply(out.Result)
			}
		default:
			return
		}
	}
}

// referencePass processes the reference frames locally and collapses them
// into per-(peak, azimuth) averages used for fit seeding and strain.
func (p *Pipeline) referencePass(ctx context.Context, rec *recipe.Recipe) (*strain.Reference, error) {
	refRec := *rec
	refRec.ImagesPath = rec.RefsPath
	refRec.RefsPath = ""
	refRec.FrameStart = 0
	refRec.FrameEnd = -1
	refRec.Step = 1

	worker, integrator, err := p.buildWorker(&refRec, nil)
	if err != nil {
		return nil, err
	}
	frames, err := imageio.Enumerate(refRec.ImagesPath, p.codec, 0, -1, 1)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "enumerate references", refRec.ImagesPath, err)
	}

	ds, err := dataset.New(len(rec.ActivePeaks), len(frames), integrator.Bins())
	if err != nil {
		return nil, err
	}
	ds.SetAzimuthAngles(integrator.Centers())
	reducer := dataset.NewReducer(ds, p.logger)

	env := pool.Environment{Mode: pool.ModeLocal}
	if err := p.fanOut(ctx, env, worker, frames, reducer, nil); err != nil {
		return nil, err
	}
	p.logger.Info("reference pass finished",
		logging.Int("frames", reducer.Completed()),
		logging.Int("cell_failures", reducer.CellFailures()),
	)
	return strain.Average(ds)
}

// alreadyCompleted preloads a restarted run from a previously persisted
// store and the ledger, returning the positions that need no recomputation.
// Completed frames are keyed by series, so a rerun over a widened frame
// range reuses everything the narrower run already fit.
func (p *Pipeline) alreadyCompleted(ctx context.Context, series, dir, priorDir string,
	reducer *dataset.Reducer, frames []imageio.Descriptor) map[int]bool {

	done := map[int32]bool{}
	if p.ledger != nil {
		if fromLedger, err := p.ledger.CompletedFrames(ctx, series); err == nil {
			done = fromLedger
		}
	}
	if len(done) == 0 {
		return nil
	}

	prev := readPriorStore(series, dir)
	if prev == nil && priorDir != "" && priorDir != dir {
		prev = readPriorStore(series, priorDir)
	}
	if prev == nil {
		return nil
	}

	byNumber := make(map[int32]int, len(prev.FrameNumbers))
	for pos, fn := range prev.FrameNumbers {
		if fn >= 0 {
			byNumber[fn] = pos
		}
	}

	skip := make(map[int]bool)
	target := reducer.Dataset()
	for pos, desc := range frames {
		fn := int32(desc.Index)
		prevPos, ok := byNumber[fn]
		if !ok || !done[fn] || !prev.HasData(prevPos) {
			continue
		}
		if prev.Peaks != target.Peaks || prev.Azimuths != target.Azimuths {
			return nil
		}
		cells := make([]float32, prev.Peaks*prev.Azimuths*dataset.NumColumns)
		i := 0
		for pk := 0; pk < prev.Peaks; pk++ {
			for a := 0; a < prev.Azimuths; a++ {
				for c := 0; c < dataset.NumColumns; c++ {
					cells[i] = prev.At(pk, prevPos, a, c)
					i++
				}
			}
		}
		if err := reducer.Apply(&dataset.FrameResult{Position: pos, FrameNumber: fn, Cells: cells}); err != nil {
			continue
		}
		skip[pos] = true
	}
	if len(skip) > 0 {
		p.logger.Info("resuming from existing dataset",
			logging.Int("reused_frames", len(skip)),
			logging.String(logging.FieldDataset, dir),
		)
	}
	return skip
}

// readPriorStore loads a candidate prior dataset, rejecting stores from an
// unrelated parameter series.
func readPriorStore(series, dir string) *dataset.Dataset {
	prev, err := zarrstore.Read(dir)
	if err != nil || identity.SeriesKey(prev.Meta.Params) != series {
		return nil
	}
	return prev
}

// buildWorker assembles the per-frame processor for a recipe.
func (p *Pipeline) buildWorker(rec *recipe.Recipe, seeds *strain.Reference) (*frameproc.Worker, *integrate.Integrator, error) {
	cal, err := integrate.LoadCalibration(rec.ControlFile)
	if err != nil {
		return nil, nil, err
	}
	mask, err := integrate.LoadMask(rec.MaskFile)
	if err != nil {
		return nil, nil, err
	}
	lo, hi := rec.CombinedLimits()
	pad := (hi - lo) * 0.5
	integrator, err := integrate.New(cal.ApplyTo(rec.Detector), rec.AzStart, rec.AzEnd, rec.Spacing,
		integrate.Options{
			Channels: p.cfg.Processing.ThetaChannels,
			Range:    [2]float64{math.Max(0, lo-pad), hi + pad},
			Mask:     mask,
		})
	if err != nil {
		return nil, nil, err
	}
	worker := frameproc.New(frameproc.Config{
		Codec:      p.codec,
		Integrator: integrator,
		Engine:     p.engine,
		Peaks:      rec.ActivePeaks,
		Background: rec.BackgroundCandidates(),
		ScratchDir: p.cfg.Paths.ScratchDir,
		Seeds:      seeds,
		Logger:     p.logger,
	})
	return worker, integrator, nil
}

// Strain recomputes the strain column of a persisted dataset against a
// reference dataset and rewrites the store in place.
func (p *Pipeline) Strain(ctx context.Context, datasetDir, referenceDir string) (*zarrstore.Report, error) {
	ds, err := zarrstore.Read(datasetDir)
	if err != nil {
		return nil, err
	}
	refDS, err := zarrstore.Read(referenceDir)
	if err != nil {
		return nil, err
	}
	ref, err := strain.Average(refDS)
	if err != nil {
		return nil, err
	}
	if err := strain.Apply(ds, ref); err != nil {
		return nil, err
	}
	writer, err := zarrstore.NewWriter(
		zarrstore.WithChunkTarget(p.cfg.Storage.ChunkTargetBytes),
		zarrstore.WithCompressionLevel(p.cfg.Storage.CompressionLevel),
		zarrstore.WithChunkRetries(p.cfg.Processing.ChunkRetries),
		zarrstore.WithLogger(p.logger),
	)
	if err != nil {
		return nil, err
	}
	defer writer.Close()
	return writer.Write(ds, datasetDir)
}
