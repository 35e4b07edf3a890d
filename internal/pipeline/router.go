package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"astrophot/internal/catalog"
	"astrophot/internal/config"
	"astrophot/internal/ensemble"
	"astrophot/internal/export"
	"astrophot/internal/ingest"
	"astrophot/internal/lightcurve"
	"astrophot/internal/logging"
	"astrophot/internal/match"
	"astrophot/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	cfg   *config.Config
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	return &router{log: logger, store: store, cfg: cfg}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobScan:
		return r.handleScan(ctx, job)
	case JobMatch:
		return r.handleMatch(ctx, job)
	case JobComparisons:
		return r.handleComparisons(ctx, job)
	case JobRun, JobCurve:
		return r.handleRun(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// runConfigFor builds the per-run configuration from the loaded settings,
// applying any per-job overrides carried in the options map.
func (r *router) runConfigFor(job Job) (catalog.RunConfig, error) {
	targetRA, okRA := getFloat64Option(job.Options, "target_ra")
	targetDec, okDec := getFloat64Option(job.Options, "target_dec")
	if !okRA || !okDec {
		return catalog.RunConfig{}, errors.New("job options missing target_ra/target_dec")
	}

	cfg := r.cfg.RunConfig(targetRA, targetDec)
	if v, ok := getStringOption(job.Options, "metric"); ok {
		cfg.Metric = catalog.PositionMetric(v)
	}
	if v, ok := getFloat64Option(job.Options, "tolerance"); ok {
		cfg.MatchTolerance = v
	}
	if v, ok := getFloat64Option(job.Options, "sigma_clip"); ok {
		cfg.SigmaClip = v
	}
	if v, ok := getIntOption(job.Options, "min_ensemble_size"); ok {
		cfg.MinEnsembleSize = v
	}
	if v, ok := getStringOption(job.Options, "statistic"); ok {
		cfg.Statistic = v
	}
	if v, ok := getFloat64Option(job.Options, "min_coverage_frac"); ok {
		cfg.MinCoverageFrac = v
	}
	return cfg, nil
}

// matchStage loads photometry tables and cross-matches them.
func (r *router) matchStage(job Job, cfg catalog.RunConfig) (*match.Result, []catalog.Frame, error) {
	frames, err := ingest.LoadDirectory(job.InputPath, ingest.Options{MinDetections: r.cfg.Matching.MinDetections}, r.log)
	if err != nil {
		return nil, nil, err
	}
	logging.LogStage(r.log, job.ID, "ingest", "completed", map[string]any{"frames": len(frames)})

	res, err := match.Run(frames, cfg, r.log)
	if err != nil {
		return nil, nil, err
	}
	logging.LogStage(r.log, job.ID, "match", "completed", map[string]any{
		"stars": len(res.Catalog), "target": res.TargetID, "skipped_frames": len(res.Skipped),
	})

	if r.store != nil {
		if err := r.store.RecordCatalog(job.ID, res.Catalog, res.TargetID); err != nil {
			r.log.Warn("catalog persistence failed", "job", job.ID, "error", err)
		}
	}
	return res, res.Frames, nil
}

// handleScan loads and screens the photometry tables without running any
// analysis, reporting what a full run would have to work with.
func (r *router) handleScan(ctx context.Context, job Job) Result {
	frames, err := ingest.LoadDirectory(job.InputPath, ingest.Options{MinDetections: r.cfg.Matching.MinDetections}, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	detections := 0
	for _, f := range frames {
		detections += len(f.Detections)
	}
	return Result{Job: job, Meta: map[string]any{
		"frames":     len(frames),
		"detections": detections,
		"first":      frames[0].ID,
		"last":       frames[len(frames)-1].ID,
	}}
}

func (r *router) handleMatch(ctx context.Context, job Job) Result {
	cfg, err := r.runConfigFor(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, _, err := r.matchStage(job, cfg)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	if err := export.WriteCatalog(filepath.Join(job.Output, "catalog.csv"), res.Catalog); err != nil {
		return Result{Job: job, Error: err}
	}

	return Result{Job: job, Meta: map[string]any{
		"stars":          len(res.Catalog),
		"target_star":    res.TargetID,
		"frames":         len(res.Frames),
		"skipped_frames": len(res.Skipped),
		"deduped":        res.Deduped,
	}}
}

func (r *router) handleComparisons(ctx context.Context, job Job) Result {
	cfg, err := r.runConfigFor(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, frames, err := r.matchStage(job, cfg)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	ens, err := r.selectStage(job, res, frames, cfg)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	if err := export.WriteEnsemble(filepath.Join(job.Output, "ensemble.csv"), ens); err != nil {
		return Result{Job: job, Error: err}
	}

	return Result{Job: job, Meta: map[string]any{
		"stars":       len(res.Catalog),
		"target_star": res.TargetID,
		"ensemble":    len(ens.Members),
		"degraded":    ens.Degraded,
	}}
}

// selectStage picks the comparison ensemble, tolerating a degraded fallback.
func (r *router) selectStage(job Job, res *match.Result, frames []catalog.Frame, cfg catalog.RunConfig) (*catalog.Ensemble, error) {
	ens, err := ensemble.Select(res.Catalog, frames, res.TargetID, cfg, r.log)
	if err != nil {
		var insufficient *catalog.InsufficientComparisonStarsError
		if ens != nil && errors.As(err, &insufficient) {
			r.log.Warn("comparison selection degraded", "job", job.ID, "error", err)
		} else {
			return nil, err
		}
	}
	logging.LogStage(r.log, job.ID, "select", "completed", map[string]any{
		"members": len(ens.Members), "degraded": ens.Degraded,
	})

	if r.store != nil {
		if err := r.store.RecordEnsemble(job.ID, ens); err != nil {
			r.log.Warn("ensemble persistence failed", "job", job.ID, "error", err)
		}
	}
	return ens, nil
}

func (r *router) handleRun(ctx context.Context, job Job) Result {
	cfg, err := r.runConfigFor(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, frames, err := r.matchStage(job, cfg)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	ens, err := r.selectStage(job, res, frames, cfg)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	curve, err := lightcurve.Compute(res.Catalog, frames, res.TargetID, ens, cfg, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	logging.LogStage(r.log, job.ID, "compute", "completed", map[string]any{
		"points": len(curve.Points), "skipped": curve.Skipped,
	})

	if r.store != nil {
		if err := r.store.RecordCurve(job.ID, curve); err != nil {
			r.log.Warn("curve persistence failed", "job", job.ID, "error", err)
		}
	}

	if err := export.WriteCatalog(filepath.Join(job.Output, "catalog.csv"), res.Catalog); err != nil {
		return Result{Job: job, Error: err}
	}
	if err := export.WriteEnsemble(filepath.Join(job.Output, "ensemble.csv"), ens); err != nil {
		return Result{Job: job, Error: err}
	}
	if err := export.WriteCurve(filepath.Join(job.Output, "lightcurve.csv"), curve); err != nil {
		return Result{Job: job, Error: err}
	}

	stats := lightcurve.Summarize(curve)
	return Result{Job: job, Meta: map[string]any{
		"stars":          len(res.Catalog),
		"target_star":    res.TargetID,
		"ensemble":       len(ens.Members),
		"degraded":       ens.Degraded,
		"points":         stats.Points,
		"median_mag":     stats.Median,
		"scatter":        stats.Scatter,
		"zero_point":     curve.ZeroPoint,
		"skipped_frames": curve.Skipped,
	}}
}

func getFloat64Option(options map[string]any, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func getIntOption(options map[string]any, key string) (int, bool) {
	switch v := options[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func getStringOption(options map[string]any, key string) (string, bool) {
	if v, ok := options[key].(string); ok && v != "" {
		return v, true
	}
	return "", false
}
