package lightcurve

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"astrophot/internal/catalog"
)

// Curve is the finished differential light curve for one target.
type Curve struct {
	Points    []catalog.LightCurvePoint // ordered by timestamp
	ZeroPoint float64                   // median differential magnitude subtracted from every point
	Skipped   int                       // frames dropped for target or ensemble absence
	Degraded  bool                      // carried over from a degraded ensemble
}

// Stats summarizes the curve the way downstream variability reports expect.
type Stats struct {
	Points  int
	Median  float64
	Scatter float64
}

// Compute produces one light curve point per frame in which the target and at
// least the configured minimum of ensemble members were detected. Ensemble
// weights are renormalized over the members present in each frame, so member
// dropout degrades precision rather than dropping the frame. The differential
// magnitude is centered on the median across all usable frames.
func Compute(cat []*catalog.MasterStar, frames []catalog.Frame, targetID int, ens *catalog.Ensemble, cfg catalog.RunConfig, log *slog.Logger) (*Curve, error) {
	if ens == nil || len(ens.Members) == 0 {
		return nil, errors.New("empty comparison ensemble")
	}
	stars := make(map[int]*catalog.MasterStar, len(cat))
	for _, s := range cat {
		stars[s.ID] = s
	}
	target := stars[targetID]
	if target == nil {
		return nil, fmt.Errorf("target star %d not in catalog", targetID)
	}

	minPresent := cfg.MinEnsemblePresent
	if minPresent < 1 {
		minPresent = 1
	}

	sorted := make([]catalog.Frame, len(frames))
	copy(sorted, frames)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	members := make([]memberSeries, 0, len(ens.Members))
	for _, m := range ens.Members {
		star := stars[m.StarID]
		if star == nil {
			return nil, fmt.Errorf("ensemble star %d not in catalog", m.StarID)
		}
		members = append(members, memberSeries{weight: m.Weight, star: star})
	}

	curve := &Curve{Degraded: ens.Degraded}
	var diffs []float64

	for _, frame := range sorted {
		targetDet, ok := target.Detections[frame.ID]
		if !ok {
			log.Debug("target absent, frame skipped", "frame", frame.ID)
			curve.Skipped++
			continue
		}

		mean, ensErr, present := ensembleMean(members, frame.ID)
		if present < minPresent {
			log.Debug("too few ensemble members present, frame skipped",
				"frame", frame.ID, "present", present, "minimum", minPresent)
			curve.Skipped++
			continue
		}

		flag := catalog.FlagGood
		if present < len(members) {
			flag = catalog.FlagPartialEnsemble
		}
		if ens.Degraded {
			flag = catalog.FlagDegraded
		}

		diff := targetDet.Mag - mean
		diffs = append(diffs, diff)
		curve.Points = append(curve.Points, catalog.LightCurvePoint{
			FrameID:   frame.ID,
			Timestamp: frame.Timestamp,
			DiffMag:   diff,
			MagErr:    math.Sqrt(targetDet.MagErr*targetDet.MagErr + ensErr*ensErr),
			Flag:      flag,
		})
	}

	minUsable := cfg.MinUsableFrames
	if minUsable < 1 {
		minUsable = 1
	}
	if len(curve.Points) < minUsable {
		return nil, &catalog.InsufficientCoverageError{Usable: len(curve.Points), Minimum: minUsable}
	}

	// Center the curve on its median so the zero level is physical rather
	// than an arbitrary instrumental offset.
	curve.ZeroPoint = median(diffs)
	for i := range curve.Points {
		curve.Points[i].DiffMag -= curve.ZeroPoint
	}

	log.Info("light curve computed", "points", len(curve.Points),
		"skipped_frames", curve.Skipped, "zero_point", curve.ZeroPoint)
	return curve, nil
}

type memberSeries struct {
	weight float64
	star   *catalog.MasterStar
}

// ensembleMean computes the weighted mean ensemble magnitude for one frame
// over whichever members are present, renormalizing their weights, and the
// propagated weighted uncertainty sqrt(sum w_i^2 sigma_i^2).
func ensembleMean(members []memberSeries, frameID string) (mean, magErr float64, present int) {
	var wsum float64
	for _, m := range members {
		if _, ok := m.star.Detections[frameID]; ok {
			wsum += m.weight
			present++
		}
	}
	if present == 0 || wsum == 0 {
		return 0, 0, 0
	}
	var errSq float64
	for _, m := range members {
		det, ok := m.star.Detections[frameID]
		if !ok {
			continue
		}
		w := m.weight / wsum
		mean += w * det.Mag
		errSq += w * w * det.MagErr * det.MagErr
	}
	return mean, math.Sqrt(errSq), present
}

// Summarize reports the point count, median magnitude, and scatter of a curve.
func Summarize(c *Curve) Stats {
	mags := make([]float64, len(c.Points))
	for i, p := range c.Points {
		mags[i] = p.DiffMag
	}
	return Stats{Points: len(mags), Median: median(mags), Scatter: stddev(mags)}
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(xs)))
}
