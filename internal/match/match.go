package match

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"astrophot/internal/catalog"
)

// Result holds the master catalog built from a frame sequence and the
// resolved target star.
type Result struct {
	Catalog  []*catalog.MasterStar
	TargetID int
	Frames   []catalog.Frame // timestamp-sorted, deduplicated, non-empty
	Skipped  []string        // IDs of frames dropped for having no detections
	Deduped  int             // detections removed as intra-frame duplicates
}

// Star returns the catalog entry with the given ID, or nil.
func (r *Result) Star(id int) *catalog.MasterStar {
	for _, s := range r.Catalog {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Target returns the resolved target star.
func (r *Result) Target() *catalog.MasterStar { return r.Star(r.TargetID) }

// candidate is one detection's best catalog match inside a single frame.
type candidate struct {
	det     int
	star    int // index into the catalog snapshot, -1 for none
	score   float64
	dist    float64
	matched bool
}

// Run matches every frame against the growing master catalog and resolves
// the target star nearest the configured coordinate.
//
// Frames are sorted by timestamp first, so the feed order does not affect
// the catalog. The first frame seeds one MasterStar per detection; each later
// frame is matched detection-by-detection against a read-only snapshot of the
// catalog, with insertions deferred until the whole frame is resolved.
func Run(frames []catalog.Frame, cfg catalog.RunConfig, log *slog.Logger) (*Result, error) {
	if len(frames) == 0 {
		return nil, errors.New("no frames to match")
	}
	if cfg.MatchTolerance <= 0 {
		return nil, fmt.Errorf("match tolerance must be positive, got %g", cfg.MatchTolerance)
	}

	sorted := make([]catalog.Frame, len(frames))
	copy(sorted, frames)
	if catalog.SortFrames(sorted) {
		return nil, errors.New("duplicate frame timestamps in sequence")
	}

	res := &Result{TargetID: -1}
	nextID := 0

	for _, frame := range sorted {
		if len(frame.Detections) == 0 {
			log.Warn("frame has no detections, skipping", "frame", frame.ID)
			res.Skipped = append(res.Skipped, frame.ID)
			continue
		}

		dets, removed := dedupe(frame.Detections, cfg)
		res.Deduped += removed
		frame.Detections = dets
		res.Frames = append(res.Frames, frame)

		if len(res.Catalog) == 0 {
			for _, det := range dets {
				star := &catalog.MasterStar{ID: nextID}
				star.AddDetection(det)
				res.Catalog = append(res.Catalog, star)
				nextID++
			}
			log.Debug("seeded catalog from first frame", "frame", frame.ID, "stars", len(res.Catalog))
			continue
		}

		cands := searchFrame(dets, res.Catalog, cfg)

		// Resolve claims sequentially: at most one detection per star, best
		// combined score wins, losers seed new stars.
		claimed := make(map[int]candidate)
		for _, c := range cands {
			if !c.matched {
				continue
			}
			prev, ok := claimed[c.star]
			if !ok || c.score < prev.score {
				if ok {
					prev.matched = false
					cands[prev.det] = prev
				}
				claimed[c.star] = c
				cands[c.det] = c
			} else {
				c.matched = false
				cands[c.det] = c
			}
		}

		matched := 0
		for _, c := range cands {
			if c.matched {
				res.Catalog[c.star].AddDetection(dets[c.det])
				matched++
			} else {
				star := &catalog.MasterStar{ID: nextID}
				star.AddDetection(dets[c.det])
				res.Catalog = append(res.Catalog, star)
				nextID++
			}
		}
		log.Debug("frame matched", "frame", frame.ID, "matched", matched,
			"new_stars", len(dets)-matched, "catalog_size", len(res.Catalog))
	}

	if len(res.Frames) == 0 {
		return nil, errors.New("all frames were empty")
	}

	targetID, nearest := resolveTarget(res.Catalog, cfg)
	if nearest > cfg.MatchTolerance {
		return nil, &catalog.TargetNotFoundError{
			RA:        cfg.TargetRA,
			Dec:       cfg.TargetDec,
			Nearest:   nearest,
			Tolerance: cfg.MatchTolerance,
		}
	}
	res.TargetID = targetID
	log.Info("catalog built", "stars", len(res.Catalog), "frames", len(res.Frames),
		"target_star", targetID, "target_separation", nearest)
	return res, nil
}

// searchFrame finds each detection's best catalog candidate. The searches are
// independent and run across a worker pool; the catalog is not mutated while
// they execute.
func searchFrame(dets []catalog.Detection, cat []*catalog.MasterStar, cfg catalog.RunConfig) []candidate {
	cands := make([]candidate, len(dets))
	workers := cfg.Parallelism
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if workers > len(dets) {
		workers = len(dets)
	}

	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				cands[i] = bestCandidate(i, dets[i], cat, cfg)
			}
		}()
	}
	for i := range dets {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return cands
}

// bestCandidate scores every catalog star within tolerance of det and keeps
// the minimum. The score mixes positional distance with magnitude difference
// so a faint star near a bright one does not steal its identity.
func bestCandidate(idx int, det catalog.Detection, cat []*catalog.MasterStar, cfg catalog.RunConfig) candidate {
	best := candidate{det: idx, star: -1}
	magWeight := cfg.MagWeight
	if magWeight <= 0 {
		magWeight = 1.0
	}
	for si, star := range cat {
		dist := cfg.SeparationToStar(det, star)
		if dist > cfg.MatchTolerance {
			continue
		}
		dmag := det.Mag - starMag(star)
		if dmag < 0 {
			dmag = -dmag
		}
		score := dist/cfg.MatchTolerance + dmag/magWeight
		if !best.matched || score < best.score {
			best = candidate{det: idx, star: si, score: score, dist: dist, matched: true}
		}
	}
	return best
}

// starMag is the mean instrumental magnitude of a star's detections so far.
func starMag(s *catalog.MasterStar) float64 {
	var sum float64
	for _, d := range s.Detections {
		sum += d.Mag
	}
	return sum / float64(len(s.Detections))
}

// dedupe collapses detections within one frame that sit closer together than
// the matching tolerance, keeping the one with the smaller magnitude
// uncertainty.
func dedupe(dets []catalog.Detection, cfg catalog.RunConfig) ([]catalog.Detection, int) {
	kept := make([]catalog.Detection, 0, len(dets))
	removed := 0
	for _, det := range dets {
		dup := -1
		for i, k := range kept {
			if cfg.SeparationDetections(det, k) <= cfg.MatchTolerance {
				dup = i
				break
			}
		}
		if dup < 0 {
			kept = append(kept, det)
			continue
		}
		removed++
		if det.MagErr < kept[dup].MagErr {
			det.Flag = catalog.FlagDeduplicated
			kept[dup] = det
		}
	}
	return kept, removed
}

// resolveTarget finds the catalog star nearest the configured coordinate.
// Under the pixel metric the target coordinate is interpreted in pixel space.
func resolveTarget(cat []*catalog.MasterStar, cfg catalog.RunConfig) (id int, nearest float64) {
	id = -1
	for _, star := range cat {
		d := cfg.Separation(cfg.TargetRA, cfg.TargetDec, cfg.TargetRA, cfg.TargetDec,
			star.RA, star.Dec, star.X, star.Y)
		if id == -1 || d < nearest || (d == nearest && star.ID < id) {
			id = star.ID
			nearest = d
		}
	}
	return id, nearest
}
