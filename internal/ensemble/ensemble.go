package ensemble

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"astrophot/internal/catalog"
)

// StatStdDev ranks candidates by the plain standard deviation of their
// residual light curve; StatNormalized divides that scatter by the star's
// expected photometric uncertainty.
const (
	StatStdDev     = "stddev"
	StatNormalized = "normalized"
)

// candidate carries the per-star series and statistics used during clipping.
type candidate struct {
	star    *catalog.MasterStar
	mags    map[string]float64 // frame ID -> instrumental magnitude
	meanErr float64            // mean photometric uncertainty
	scatter float64            // residual scatter vs the ensemble average
}

// Select builds the comparison ensemble from the master catalog, excluding
// the target. Candidates need detections in at least the configured fraction
// of frames. Iterative sigma clipping rejects the single worst outlier per
// round until the set is stable or the minimum size would be violated;
// survivors are weighted by inverse variance.
//
// When fewer than the minimum survive, Select returns the full candidate set
// with uniform weights, the Degraded flag set, and an
// InsufficientComparisonStarsError the caller may treat as a warning.
func Select(cat []*catalog.MasterStar, frames []catalog.Frame, targetID int, cfg catalog.RunConfig, log *slog.Logger) (*catalog.Ensemble, error) {
	if len(frames) == 0 {
		return nil, errors.New("no frames for comparison selection")
	}
	if cfg.SigmaClip <= 0 {
		return nil, fmt.Errorf("sigma clip threshold must be positive, got %g", cfg.SigmaClip)
	}
	minSize := cfg.MinEnsembleSize
	if minSize < 1 {
		minSize = 1
	}

	cands := gather(cat, frames, targetID, cfg)
	if len(cands) == 0 {
		return nil, errors.New("no comparison candidates with sufficient frame coverage")
	}
	// Identity order keeps every later tie-break deterministic regardless of
	// catalog discovery order.
	sort.Slice(cands, func(i, j int) bool { return cands[i].star.ID < cands[j].star.ID })

	full := make([]*candidate, len(cands))
	copy(full, cands)

	rounds := 0
	for {
		recompute(cands, frames, cfg)
		worst := worstOutlier(cands, cfg.SigmaClip)
		if worst < 0 {
			break
		}
		if len(cands)-1 < minSize {
			log.Warn("clipping stopped to preserve minimum ensemble size",
				"remaining", len(cands), "minimum", minSize)
			break
		}
		log.Debug("comparison star clipped", "star", cands[worst].star.ID,
			"scatter", cands[worst].scatter, "round", rounds)
		cands = append(cands[:worst], cands[worst+1:]...)
		rounds++
	}

	if len(cands) < minSize {
		ens := uniform(full)
		ens.Degraded = true
		return ens, &catalog.InsufficientComparisonStarsError{Survived: len(cands), Minimum: minSize}
	}

	ens := weighted(cands)
	log.Info("comparison ensemble selected", "members", len(ens.Members),
		"clipped", len(full)-len(cands), "rounds", rounds)
	return ens, nil
}

// gather collects catalog stars with sufficient coverage, excluding the target.
func gather(cat []*catalog.MasterStar, frames []catalog.Frame, targetID int, cfg catalog.RunConfig) []*candidate {
	minFrac := cfg.MinCoverageFrac
	if minFrac <= 0 {
		minFrac = 0.5
	}
	var cands []*candidate
	for _, star := range cat {
		if star.ID == targetID {
			continue
		}
		if star.Coverage(len(frames)) < minFrac {
			continue
		}
		c := &candidate{star: star, mags: make(map[string]float64, len(star.Detections))}
		var errSum float64
		for frameID, det := range star.Detections {
			c.mags[frameID] = det.Mag
			errSum += det.MagErr
		}
		c.meanErr = errSum / float64(len(star.Detections))
		cands = append(cands, c)
	}
	return cands
}

// recompute rebuilds the ensemble average light curve over the current
// candidate set and refreshes each candidate's residual scatter against it.
func recompute(cands []*candidate, frames []catalog.Frame, cfg catalog.RunConfig) {
	avg := make(map[string]float64, len(frames))
	for _, frame := range frames {
		var sum float64
		var n int
		for _, c := range cands {
			if m, ok := c.mags[frame.ID]; ok {
				sum += m
				n++
			}
		}
		if n > 0 {
			avg[frame.ID] = sum / float64(n)
		}
	}

	for _, c := range cands {
		var resid []float64
		for frameID, m := range c.mags {
			if a, ok := avg[frameID]; ok {
				resid = append(resid, m-a)
			}
		}
		c.scatter = stddev(resid)
		if cfg.Statistic == StatNormalized && c.meanErr > 0 {
			c.scatter /= c.meanErr
		}
	}
}

// worstOutlier returns the index of the candidate with the largest scatter if
// it exceeds median + sigma*MAD-sigma of all candidate scatters, else -1.
// The median absolute deviation keeps the threshold stable when the outlier
// itself dominates the spread of a small candidate set. Ties resolve to the
// lower star ID, which the identity sort already guarantees.
func worstOutlier(cands []*candidate, sigma float64) int {
	if len(cands) < 2 {
		return -1
	}
	scatters := make([]float64, len(cands))
	for i, c := range cands {
		scatters[i] = c.scatter
	}
	med := median(scatters)
	dev := make([]float64, len(scatters))
	for i, s := range scatters {
		dev[i] = math.Abs(s - med)
	}
	threshold := med + sigma*1.4826*median(dev)

	worst := -1
	for i, c := range cands {
		if c.scatter <= threshold {
			continue
		}
		if worst < 0 || c.scatter > cands[worst].scatter {
			worst = i
		}
	}
	return worst
}

// weighted assigns inverse-variance weights normalized to sum 1.
func weighted(cands []*candidate) *catalog.Ensemble {
	ens := &catalog.Ensemble{Members: make([]catalog.EnsembleMember, 0, len(cands))}
	var total float64
	weights := make([]float64, len(cands))
	for i, c := range cands {
		noise := c.scatter
		if noise < c.meanErr {
			noise = c.meanErr
		}
		if noise <= 0 {
			noise = 1e-6
		}
		weights[i] = 1 / (noise * noise)
		total += weights[i]
	}
	for i, c := range cands {
		ens.Members = append(ens.Members, catalog.EnsembleMember{
			StarID:      c.star.ID,
			Weight:      weights[i] / total,
			Variability: c.scatter,
		})
	}
	return ens
}

// uniform assigns equal weights across the full candidate set.
func uniform(cands []*candidate) *catalog.Ensemble {
	ens := &catalog.Ensemble{Members: make([]catalog.EnsembleMember, 0, len(cands))}
	w := 1 / float64(len(cands))
	for _, c := range cands {
		ens.Members = append(ens.Members, catalog.EnsembleMember{
			StarID:      c.star.ID,
			Weight:      w,
			Variability: c.scatter,
		})
	}
	return ens
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

func median(xs []float64) float64 {
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	n := len(s)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
