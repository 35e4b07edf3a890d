package catalog

import (
	"math"
	"sort"
	"time"
)

// PositionMetric selects the coordinate space used for star matching.
type PositionMetric string

const (
	// MetricAngular matches on RA/Dec in decimal degrees with tolerances in arcseconds.
	MetricAngular PositionMetric = "angular"
	// MetricPixel matches on chip x/y with tolerances in pixels.
	MetricPixel PositionMetric = "pixel"
)

// QualityFlag annotates a detection or light curve point.
type QualityFlag string

const (
	FlagGood            QualityFlag = "ok"
	FlagPartialEnsemble QualityFlag = "partial_ensemble"
	FlagDegraded        QualityFlag = "degraded_ensemble"
	FlagDeduplicated    QualityFlag = "deduplicated"
)

// Detection is a single measured star in one frame. Immutable once produced
// by the ingestor.
type Detection struct {
	FrameID string
	RA      float64 // decimal degrees
	Dec     float64 // decimal degrees
	X       float64 // pixels
	Y       float64 // pixels
	Mag     float64 // instrumental magnitude
	MagErr  float64
	Flag    QualityFlag
}

// Frame is one exposure with its ordered detections. Owned by the ingestor,
// read-only to the matching and photometry stages.
type Frame struct {
	ID         string
	Timestamp  time.Time
	Detections []Detection
}

// MasterStar is one physical star identified across frames. The reference
// position is the running mean of its matched detections; the per-frame map
// grows as frames are matched and is never merged with another star.
type MasterStar struct {
	ID         int
	RA         float64
	Dec        float64
	X          float64
	Y          float64
	Detections map[string]Detection // frame ID -> detection
}

// AddDetection records det for its frame and folds it into the running mean
// reference position.
func (m *MasterStar) AddDetection(det Detection) {
	if m.Detections == nil {
		m.Detections = make(map[string]Detection)
	}
	n := float64(len(m.Detections))
	m.RA = (m.RA*n + det.RA) / (n + 1)
	m.Dec = (m.Dec*n + det.Dec) / (n + 1)
	m.X = (m.X*n + det.X) / (n + 1)
	m.Y = (m.Y*n + det.Y) / (n + 1)
	m.Detections[det.FrameID] = det
}

// Coverage reports the fraction of total frames in which the star was detected.
func (m *MasterStar) Coverage(totalFrames int) float64 {
	if totalFrames == 0 {
		return 0
	}
	return float64(len(m.Detections)) / float64(totalFrames)
}

// EnsembleMember is one comparison star with its selection weight.
type EnsembleMember struct {
	StarID      int
	Weight      float64
	Variability float64
}

// Ensemble is the weighted comparison set. Weights are non-negative and sum
// to 1. Degraded marks an ensemble that fell back to uniform weights because
// too few members survived clipping.
type Ensemble struct {
	Members  []EnsembleMember
	Degraded bool
}

// LightCurvePoint is one differential photometry measurement. Produced once,
// immutable, ordered by timestamp within a curve.
type LightCurvePoint struct {
	FrameID   string
	Timestamp time.Time
	DiffMag   float64
	MagErr    float64
	Flag      QualityFlag
}

// RunConfig is the immutable per-run configuration threaded through all
// stages. Multiple runs with different configs may execute concurrently.
type RunConfig struct {
	TargetRA  float64
	TargetDec float64

	Metric         PositionMetric
	MatchTolerance float64 // arcseconds for angular, pixels for pixel metric
	MagWeight      float64 // magnitude difference (mag) worth one tolerance of distance

	MinEnsembleSize    int
	SigmaClip          float64
	MinCoverageFrac    float64
	Statistic          string // "stddev" or "normalized"
	MinEnsemblePresent int

	MinUsableFrames int
	Parallelism     int
}

// Separation returns the distance between two positions in the config's
// metric: arcseconds for angular, pixels for pixel. The angular form is the
// small-angle planar approximation with cos(dec) correction, which is
// accurate at the arcsecond scales matching operates on.
func (c RunConfig) Separation(ra1, dec1, x1, y1, ra2, dec2, x2, y2 float64) float64 {
	if c.Metric == MetricPixel {
		dx := x1 - x2
		dy := y1 - y2
		return math.Sqrt(dx*dx + dy*dy)
	}
	midDec := (dec1 + dec2) / 2 * math.Pi / 180
	dra := (ra1 - ra2) * math.Cos(midDec)
	ddec := dec1 - dec2
	return math.Sqrt(dra*dra+ddec*ddec) * 3600
}

// SeparationDetections is Separation applied to two detections.
func (c RunConfig) SeparationDetections(a, b Detection) float64 {
	return c.Separation(a.RA, a.Dec, a.X, a.Y, b.RA, b.Dec, b.X, b.Y)
}

// SeparationToStar is Separation between a detection and a star's reference
// position.
func (c RunConfig) SeparationToStar(d Detection, s *MasterStar) float64 {
	return c.Separation(d.RA, d.Dec, d.X, d.Y, s.RA, s.Dec, s.X, s.Y)
}

// SortFrames orders frames by timestamp in place and reports whether any two
// share a timestamp.
func SortFrames(frames []Frame) (duplicate bool) {
	sort.Slice(frames, func(i, j int) bool {
		return frames[i].Timestamp.Before(frames[j].Timestamp)
	})
	for i := 1; i < len(frames); i++ {
		if frames[i].Timestamp.Equal(frames[i-1].Timestamp) {
			return true
		}
	}
	return false
}
